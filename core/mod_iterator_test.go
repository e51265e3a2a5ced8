package core

import "testing"

func TestModIteratorForEachClearsOnlyAcceptedEntries(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	rs.OnChange("a", false, 10)
	rs.OnChange("b", false, 11)

	it := rs.AcquireModificationIterator(3)
	if !it.HasNext() {
		t.Fatalf("expected outstanding entries for peer 3")
	}

	var seen int
	delivered := it.ForEach(func(e ReplicationEntry) bool {
		seen++
		return seen < 2 // stop after the first entry
	})
	if delivered != 1 {
		t.Fatalf("expected exactly 1 entry delivered before stopping, got %d", delivered)
	}
	if !it.HasNext() {
		t.Fatalf("expected the rejected entry to remain dirty for the next pass")
	}

	delivered = it.ForEach(func(ReplicationEntry) bool { return true })
	if delivered != 1 {
		t.Fatalf("expected the remaining entry to be delivered on the next pass, got %d", delivered)
	}
	if it.HasNext() {
		t.Fatalf("expected no outstanding entries once everything has been delivered")
	}
}

func TestModIteratorForEachFlagsBootstrapOnEmptyPass(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	it := rs.AcquireModificationIterator(3)

	delivered := it.ForEach(func(ReplicationEntry) bool { return true })
	if delivered != 0 {
		t.Fatalf("expected no entries for a peer with nothing pending, got %d", delivered)
	}

	rs.OnChange("k", false, 5)
	ts := rs.BootstrapTimestamp(3)
	if ts != 5 {
		t.Fatalf("expected the empty pass to have armed a fresh bootstrap timestamp, got %d", ts)
	}
}

func TestModIteratorDirtyEntriesDoesNotClear(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	rs.OnChange("k", false, 1)
	it := rs.AcquireModificationIterator(9)

	entries := it.DirtyEntries(0)
	if len(entries) != 1 || entries[0].Key != "k" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !it.HasNext() {
		t.Fatalf("DirtyEntries must not clear dirty bits")
	}
}

func TestModIteratorDirtyEntriesReRaisesByTimestamp(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	rs.OnChange("old", false, 1)
	rs.OnChange("new", false, 100)

	it := rs.AcquireModificationIterator(5)
	it.ForEach(func(ReplicationEntry) bool { return true })
	if it.HasNext() {
		t.Fatalf("expected both keys cleared after the first pass")
	}

	entries := it.DirtyEntries(50)
	if len(entries) != 1 || entries[0].Key != "new" {
		t.Fatalf("expected only the entry at or after fromTs to be re-raised, got %+v", entries)
	}
}

func TestModIteratorNotifyInvokesRegisteredCallback(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	it := rs.AcquireModificationIterator(4)

	fired := make(chan struct{}, 1)
	it.SetModificationNotifier(func() { fired <- struct{}{} })

	rs.OnChange("k", false, 1)

	select {
	case <-fired:
	default:
		t.Fatalf("expected OnChange to notify the active iterator's callback")
	}
}

func TestModIteratorEntryForOmitsValueWhenDeleted(t *testing.T) {
	rs, store := newTestReplicationStore(1)
	store.Put("k", []byte("v1"))
	rs.OnChange("k", true, 1)

	it := rs.AcquireModificationIterator(2)
	entries := it.DirtyEntries(0)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if !entries[0].Deleted || entries[0].Value != nil {
		t.Fatalf("expected a deleted entry with no value, got %+v", entries[0])
	}
}
