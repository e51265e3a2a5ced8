package core

// Replication State Store (C6): per-key replication metadata and per-peer
// bootstrap/modification bookkeeping, maintained without a global lock via
// CAS loops on per-record and per-peer atomic pointers (spec §4.6, design
// note §9 "Lock-free state records"). The map holding those pointers is
// guarded by a narrow RWMutex purely to make get-or-create safe; the
// records themselves are never locked.

import (
	"sync"
	"sync/atomic"
)

// Record is the immutable replication state for one key, R(k) in the spec.
// Updates swap the whole record via CompareAndSwap rather than mutating a
// field in place.
type Record struct {
	Deleted   bool
	Timestamp uint64
	Origin    uint8
	Dirty     DirtyBits
}

// PeerState is the immutable replication bookkeeping for one remote peer,
// S(i) in the spec.
type PeerState struct {
	LastBootstrapTs      uint64
	NextBootstrapTs      uint64
	LastModificationTime uint64
}

// ChangeApplier is the seam between the replication engine's conflict
// resolution and the byte-oriented Store a remote write actually lands in.
type ChangeApplier interface {
	Upsert(key string, value []byte)
	Delete(key string)
	CurrentValue(key string) []byte
}

// storeApplier adapts a Store to ChangeApplier.
type storeApplier struct{ store Store }

func (a storeApplier) Upsert(key string, value []byte) { a.store.Put(key, value) }
func (a storeApplier) Delete(key string)                { a.store.Remove(key) }
func (a storeApplier) CurrentValue(key string) []byte {
	v, _ := a.store.Get(key)
	return v
}

// NewStoreChangeApplier wraps s as a ChangeApplier.
func NewStoreChangeApplier(s Store) ChangeApplier { return storeApplier{store: s} }

// ReplicationEntry is one unit of replication traffic: a key's full current
// state as understood by the node emitting it.
type ReplicationEntry struct {
	Key       string
	Value     []byte
	Deleted   bool
	Timestamp uint64
	Origin    uint8
}

// ReplicationStore tracks R(k) for every key and S(i) for every possible
// remote peer identifier.
type ReplicationStore struct {
	selfID  uint8
	applier ChangeApplier
	metrics *Metrics

	mu      sync.RWMutex
	records map[string]*atomic.Pointer[Record]

	peers [MaxPeers]atomic.Pointer[PeerState]

	bitsMu         sync.Mutex
	active         PeerSet
	needsBootstrap PeerSet

	iterators sync.Map // uint8 -> *ModIterator
}

// NewReplicationStore creates a store for a node identified by selfID,
// applying accepted remote writes through applier. S(i) is zero-initialized
// for every possible peer identifier up front, matching the spec's
// construction-time invariant.
func NewReplicationStore(selfID uint8, applier ChangeApplier, metrics *Metrics) *ReplicationStore {
	s := &ReplicationStore{
		selfID:  selfID,
		applier: applier,
		metrics: metrics,
		records: make(map[string]*atomic.Pointer[Record]),
	}
	for i := range s.peers {
		s.peers[i].Store(&PeerState{})
	}
	return s
}

func (s *ReplicationStore) recordPtr(key string) *atomic.Pointer[Record] {
	s.mu.RLock()
	p, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.records[key]; ok {
		return p
	}
	p = &atomic.Pointer[Record]{}
	s.records[key] = p
	return p
}

// Lookup returns a snapshot of R(k), if any.
func (s *ReplicationStore) Lookup(key string) (Record, bool) {
	p := s.recordPtr(key)
	r := p.Load()
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// keys returns a snapshot of every key with a replication record, including
// tombstones — iteration order is unspecified (spec §4.7: delivery is
// unordered).
func (s *ReplicationStore) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	return keys
}

// OnChange records a local mutation to key: deleted marks a tombstone, ts is
// the caller's proposed logical time. The stored timestamp is monotonised
// to max(ts, oldTimestamp+1) and returned (spec §4.6 step 1-4).
func (s *ReplicationStore) OnChange(key string, deleted bool, ts uint64) uint64 {
	ptr := s.recordPtr(key)
	for {
		old := ptr.Load()
		var oldTs uint64
		if old != nil {
			oldTs = old.Timestamp
		}
		newTs := ts
		if oldTs+1 > newTs {
			newTs = oldTs + 1
		}
		newRec := &Record{Deleted: deleted, Timestamp: newTs, Origin: s.selfID, Dirty: AllDirty()}
		if ptr.CompareAndSwap(old, newRec) {
			s.notifyActivePeers()
			s.maybePublishBootstrap(newTs)
			if s.metrics != nil {
				s.metrics.localChanges.Inc()
			}
			return newTs
		}
	}
}

// ApplyReplication applies a remote entry under the spec's conflict rule:
// newer timestamp wins outright; on a tie the smaller origin id wins (spec
// §4.6 step 2). It reports whether the entry was accepted.
func (s *ReplicationStore) ApplyReplication(e ReplicationEntry) bool {
	ptr := s.recordPtr(e.Key)
	for {
		old := ptr.Load()
		accept := old == nil || e.Timestamp > old.Timestamp ||
			(e.Timestamp == old.Timestamp && e.Origin <= old.Origin)
		if !accept {
			s.metrics.RejectReplication()
			return false
		}
		// Applying before the CAS matches the spec's step ordering. If the
		// CAS below loses a race, the winning writer's record is what
		// ultimately survives; a losing apply here is idempotent and gets
		// superseded on the next loop iteration's winning CAS.
		if e.Deleted {
			s.applier.Delete(e.Key)
		} else {
			s.applier.Upsert(e.Key, e.Value)
		}
		newRec := &Record{Deleted: e.Deleted, Timestamp: e.Timestamp, Origin: e.Origin}
		if ptr.CompareAndSwap(old, newRec) {
			s.bumpPeerModTime(e.Origin, e.Timestamp)
			if s.metrics != nil {
				s.metrics.appliedChanges.Inc()
			}
			return true
		}
	}
}

func (s *ReplicationStore) peerPtr(peer uint8) *atomic.Pointer[PeerState] {
	return &s.peers[int(peer)%MaxPeers]
}

func (s *ReplicationStore) bumpPeerModTime(peer uint8, ts uint64) {
	ptr := s.peerPtr(peer)
	for {
		old := ptr.Load()
		if old.LastModificationTime >= ts {
			return
		}
		next := *old
		next.LastModificationTime = ts
		if ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

// BootstrapTimestamp returns the timestamp a peer should request replay
// from, promoting a pending nextBootstrapTs into lastBootstrapTs if one was
// published since the last call (spec §4.6 "Bootstrap").
func (s *ReplicationStore) BootstrapTimestamp(peer uint8) uint64 {
	ptr := s.peerPtr(peer)
	for {
		old := ptr.Load()
		if old.NextBootstrapTs == 0 {
			return old.LastBootstrapTs
		}
		next := *old
		next.LastBootstrapTs = old.NextBootstrapTs
		next.NextBootstrapTs = 0
		if ptr.CompareAndSwap(old, &next) {
			return next.LastBootstrapTs
		}
	}
}

// LastModificationTime returns the highest timestamp received from peer.
func (s *ReplicationStore) LastModificationTime(peer uint8) uint64 {
	return s.peerPtr(peer).Load().LastModificationTime
}

// markNeedsBootstrapTS flags peer so that the next local mutation publishes
// a fresh bootstrap timestamp for it (called by ModIterator.ForEach when a
// pass emits nothing).
func (s *ReplicationStore) markNeedsBootstrapTS(peer uint8) {
	s.bitsMu.Lock()
	s.needsBootstrap.Set(int(peer))
	s.bitsMu.Unlock()
}

func (s *ReplicationStore) maybePublishBootstrap(ts uint64) {
	s.bitsMu.Lock()
	pending := s.needsBootstrap
	s.bitsMu.Unlock()

	for i := 0; i < MaxPeers; i++ {
		if !pending.Get(i) {
			continue
		}
		ptr := &s.peers[i]
		for {
			old := ptr.Load()
			if old.NextBootstrapTs != 0 {
				break // another mutation already published one
			}
			next := *old
			next.NextBootstrapTs = ts
			if ptr.CompareAndSwap(old, &next) {
				break
			}
		}
		s.bitsMu.Lock()
		s.needsBootstrap.Clear(i)
		s.bitsMu.Unlock()
	}
}

// AcquireModificationIterator lazily constructs the per-peer modification
// iterator, marking peer active in the modIterSet on first acquisition
// (spec §4.7).
func (s *ReplicationStore) AcquireModificationIterator(peer uint8) *ModIterator {
	if v, ok := s.iterators.Load(peer); ok {
		return v.(*ModIterator)
	}
	it := &ModIterator{peer: peer, store: s}
	actual, loaded := s.iterators.LoadOrStore(peer, it)
	if !loaded {
		s.bitsMu.Lock()
		s.active.Set(int(peer))
		s.bitsMu.Unlock()
	}
	return actual.(*ModIterator)
}

func (s *ReplicationStore) notifyActivePeers() {
	s.iterators.Range(func(_, v any) bool {
		v.(*ModIterator).notify()
		return true
	})
}

// ActivePeers reports which peer identifiers currently have a modification
// iterator.
func (s *ReplicationStore) ActivePeers() PeerSet {
	s.bitsMu.Lock()
	defer s.bitsMu.Unlock()
	return s.active
}
