package core

import "testing"

func newTestReplicationStore(selfID uint8) (*ReplicationStore, Store) {
	store := NewMemStore()
	return NewReplicationStore(selfID, NewStoreChangeApplier(store), nil), store
}

func TestReplicationStoreOnChangeMarksAllPeersDirty(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	ts := rs.OnChange("k", false, 100)
	if ts != 100 {
		t.Fatalf("expected the proposed timestamp to be accepted, got %d", ts)
	}
	rec, ok := rs.Lookup("k")
	if !ok {
		t.Fatalf("expected a record for k")
	}
	if rec.Origin != 1 || rec.Deleted {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.Dirty.Get(5) || !rec.Dirty.Get(MaxPeers-1) {
		t.Fatalf("expected every peer slot to be dirty after a local change")
	}
}

func TestReplicationStoreOnChangeTimestampMonotonic(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	rs.OnChange("k", false, 100)
	got := rs.OnChange("k", false, 50) // a lower proposed timestamp than the existing record
	if got <= 100 {
		t.Fatalf("expected OnChange to monotonise the timestamp above 100, got %d", got)
	}
}

func TestReplicationStoreApplyReplicationAcceptsNewerTimestamp(t *testing.T) {
	rs, store := newTestReplicationStore(1)
	ok := rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("v1"), Timestamp: 10, Origin: 2})
	if !ok {
		t.Fatalf("expected the first entry for a key to be accepted")
	}
	v, _ := store.Get("k")
	if string(v) != "v1" {
		t.Fatalf("expected the applier to have written v1, got %q", v)
	}

	if rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("stale"), Timestamp: 5, Origin: 2}) {
		t.Fatalf("expected an older timestamp to be rejected")
	}
	v, _ = store.Get("k")
	if string(v) != "v1" {
		t.Fatalf("rejected entry must not overwrite the store, got %q", v)
	}
}

func TestReplicationStoreApplyReplicationTieBreaksOnSmallerOrigin(t *testing.T) {
	rs, store := newTestReplicationStore(1)
	rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("from-5"), Timestamp: 10, Origin: 5})

	if rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("from-9"), Timestamp: 10, Origin: 9}) {
		t.Fatalf("a larger origin id at the same timestamp should lose the tie-break")
	}
	if !rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("from-2"), Timestamp: 10, Origin: 2}) {
		t.Fatalf("a smaller origin id at the same timestamp should win the tie-break")
	}
	v, _ := store.Get("k")
	if string(v) != "from-2" {
		t.Fatalf("expected from-2 to win, got %q", v)
	}
}

func TestReplicationStoreApplyReplicationHandlesDelete(t *testing.T) {
	rs, store := newTestReplicationStore(1)
	rs.ApplyReplication(ReplicationEntry{Key: "k", Value: []byte("v1"), Timestamp: 1, Origin: 2})
	if !rs.ApplyReplication(ReplicationEntry{Key: "k", Deleted: true, Timestamp: 2, Origin: 2}) {
		t.Fatalf("expected a newer delete to be accepted")
	}
	if _, ok := store.Get("k"); ok {
		t.Fatalf("expected the key to be removed from the store after a replicated delete")
	}
}

func TestReplicationStoreBootstrapTimestampPromotion(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	if ts := rs.BootstrapTimestamp(3); ts != 0 {
		t.Fatalf("expected a fresh peer's bootstrap timestamp to start at 0, got %d", ts)
	}
	rs.markNeedsBootstrapTS(3)
	rs.OnChange("k", false, 42)
	if ts := rs.BootstrapTimestamp(3); ts != 42 {
		t.Fatalf("expected the pending bootstrap timestamp to be promoted to 42, got %d", ts)
	}
	if ts := rs.BootstrapTimestamp(3); ts != 42 {
		t.Fatalf("expected the promoted value to remain stable across repeated calls, got %d", ts)
	}
}

func TestReplicationStoreAcquireModificationIteratorMarksActive(t *testing.T) {
	rs, _ := newTestReplicationStore(1)
	if rs.ActivePeers().Get(7) {
		t.Fatalf("peer 7 should not be active before its iterator is acquired")
	}
	it := rs.AcquireModificationIterator(7)
	if it.Peer() != 7 {
		t.Fatalf("expected iterator for peer 7, got %d", it.Peer())
	}
	if !rs.ActivePeers().Get(7) {
		t.Fatalf("expected peer 7 to be marked active after acquiring its iterator")
	}
	again := rs.AcquireModificationIterator(7)
	if again != it {
		t.Fatalf("expected a second acquisition to return the same iterator instance")
	}
}
