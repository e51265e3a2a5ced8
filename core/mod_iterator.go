package core

// Per-Peer Modification Iterator (C7): scans the replication store's dirty
// bitset for one peer identifier and yields outstanding entries with
// at-least-once delivery — a bit is only cleared once the caller's callback
// has accepted the entry (spec §4.7). Construction is lazy: an iterator is
// born the first time ReplicationStore.AcquireModificationIterator(peer) is
// called for that peer, at which point the peer is marked active in the
// modIterSet and starts receiving OnChange notifications.

import "sync"

// ModIterator is the per-peer view over a ReplicationStore's dirty bits.
type ModIterator struct {
	peer  uint8
	store *ReplicationStore

	notifyMu sync.Mutex
	notifyFn func()
	pending  chan struct{}
}

// Peer returns the peer identifier this iterator serves.
func (it *ModIterator) Peer() uint8 { return it.peer }

// SetModificationNotifier registers fn to be invoked (from whatever
// goroutine happened to cause a dirty bit to be set for this peer) whenever
// new data may be available. Nothing in this package registers one: the
// replication push handler polls HasNext from the event loop instead.
func (it *ModIterator) SetModificationNotifier(fn func()) {
	it.notifyMu.Lock()
	it.notifyFn = fn
	it.notifyMu.Unlock()
}

// notify is called by ReplicationStore whenever a local OnChange completes,
// and by DirtyEntries when it re-raised at least one bit.
func (it *ModIterator) notify() {
	it.notifyMu.Lock()
	fn := it.notifyFn
	it.notifyMu.Unlock()
	if fn != nil {
		fn()
	}
}

// HasNext reports whether at least one key is currently dirty for this
// peer, without clearing anything.
func (it *ModIterator) HasNext() bool {
	for _, key := range it.store.keys() {
		if rec, ok := it.store.Lookup(key); ok && rec.Dirty.Get(int(it.peer)) {
			return true
		}
	}
	return false
}

// DirtyEntries re-raises this peer's dirty bit on every key whose record
// timestamp is at or after fromTs, then returns a snapshot of the resulting
// outstanding set. This is the resync path a reconnecting peer drives
// through bootstap/bootstrapReply (spec §4.7): ForEach may already have
// cleared bits for entries this peer claimed before a connection drop, so a
// plain read-only snapshot would under-report what the peer actually needs
// replayed. Re-raising by timestamp instead of trusting the current dirty
// bit closes that gap at the cost of occasionally re-sending an entry the
// peer already has — harmless, since ApplyReplication's conflict rule is
// idempotent against a replay of data it has already accepted.
func (it *ModIterator) DirtyEntries(fromTs uint64) []ReplicationEntry {
	peer := int(it.peer)
	raised := false
	for _, key := range it.store.keys() {
		ptr := it.store.recordPtr(key)
		for {
			old := ptr.Load()
			if old == nil || old.Timestamp < fromTs || old.Dirty.Get(peer) {
				break
			}
			next := *old
			next.Dirty.Set(peer)
			if ptr.CompareAndSwap(old, &next) {
				raised = true
				break
			}
		}
	}
	if raised {
		it.notify()
	}
	return it.snapshotDirty()
}

// snapshotDirty returns every currently outstanding entry for this peer
// without clearing any dirty bits.
func (it *ModIterator) snapshotDirty() []ReplicationEntry {
	var out []ReplicationEntry
	for _, key := range it.store.keys() {
		rec, ok := it.store.Lookup(key)
		if !ok || !rec.Dirty.Get(int(it.peer)) {
			continue
		}
		out = append(out, it.entryFor(key, rec))
	}
	return out
}

func (it *ModIterator) entryFor(key string, rec Record) ReplicationEntry {
	e := ReplicationEntry{Key: key, Deleted: rec.Deleted, Timestamp: rec.Timestamp, Origin: rec.Origin}
	if !rec.Deleted {
		e.Value = it.store.applier.CurrentValue(key)
	}
	return e
}

// ForEach scans every dirty key for this peer, invoking fn with each
// entry. fn returns false to stop early (e.g. the outbound buffer is full).
// A key's dirty bit is cleared only after fn accepts the entry, so a
// send that fails or is interrupted leaves the bit set for the next pass —
// at-least-once, never at-most-once. It returns the number of entries
// delivered, and if that count is zero, flags the peer as needing a fresh
// bootstrap timestamp the next time a local change lands (spec §4.6/§4.7:
// an empty pass means this iterator is caught up, so the next change should
// publish a bootstrap point peers can resume from after a reconnect).
func (it *ModIterator) ForEach(fn func(ReplicationEntry) bool) int {
	emitted := 0
	for _, key := range it.store.keys() {
		ptr := it.store.recordPtr(key)
		rec := ptr.Load()
		if rec == nil || !rec.Dirty.Get(int(it.peer)) {
			continue
		}
		if !fn(it.entryFor(key, *rec)) {
			break
		}
		it.clearDirty(key)
		emitted++
	}
	if emitted == 0 {
		it.store.markNeedsBootstrapTS(it.peer)
	}
	return emitted
}

func (it *ModIterator) clearDirty(key string) {
	ptr := it.store.recordPtr(key)
	peer := int(it.peer)
	for {
		old := ptr.Load()
		if old == nil || !old.Dirty.Get(peer) {
			return
		}
		next := *old
		next.Dirty.Clear(peer)
		if ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}
