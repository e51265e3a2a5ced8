package core

// Subscription Registry (C4): tracks every long-lived TID on a channel.
// Publish writes each event straight to the Mux as a non-ready reply; the
// per-TID queue only collects frames that arrive on the wire under that TID.
// The queue shape is grounded on the teacher's MessageQueue FIFO
// (core/messages.go): a mutex-guarded slice, nothing fancier, since
// ordering within one subscription's stream matters but throughput across
// subscriptions does not share a queue.

import "sync"

// subscriberQueue is a single-producer-single-consumer-shaped FIFO; in
// practice the mux's read loop is the only producer and the replication
// hub's (or client's) callback goroutine is the only consumer, but it's
// guarded for safety rather than relying on that.
type subscriberQueue struct {
	mu    sync.Mutex
	items []EventDocument
}

func (q *subscriberQueue) enqueue(ed EventDocument) {
	q.mu.Lock()
	q.items = append(q.items, ed)
	q.mu.Unlock()
}

func (q *subscriberQueue) dequeue() (EventDocument, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return EventDocument{}, false
	}
	ed := q.items[0]
	q.items = q.items[1:]
	return ed, true
}

func (q *subscriberQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SubKind distinguishes what a subscription's terminal document looks like
// and, for the replication kind, what drives its pushes (spec §3's
// Subscription entry: "kind ∈ {map-event, topic, topology, replication-event}").
type SubKind int

const (
	SubKindMap SubKind = iota
	SubKindTopic
	SubKindReplication
)

// Subscription is one active TID-scoped push stream.
type Subscription struct {
	TID   int64
	CSP   string
	Kind  SubKind
	queue *subscriberQueue
}

// Next pops the next queued event for this subscription, if any.
func (s *Subscription) Next() (EventDocument, bool) { return s.queue.dequeue() }

// Pending reports the number of events currently queued.
func (s *Subscription) Pending() int { return s.queue.len() }

// SubscriptionRegistry owns every Subscription active on one Mux.
type SubscriptionRegistry struct {
	mux *Mux

	mu   sync.Mutex
	subs map[int64]*Subscription
}

// NewSubscriptionRegistry binds a registry to mux, whose RegisterSubscription
// hook it uses to receive pushed events.
func NewSubscriptionRegistry(mux *Mux) *SubscriptionRegistry {
	return &SubscriptionRegistry{mux: mux, subs: make(map[int64]*Subscription)}
}

// Register installs a new subscription under tid for csp, returning it so
// the caller can poll Next (which never blocks). kind selects the terminal document
// Terminate sends once the subscription ends.
func (r *SubscriptionRegistry) Register(tid int64, csp string, kind SubKind) *Subscription {
	sub := &Subscription{TID: tid, CSP: csp, Kind: kind, queue: &subscriberQueue{}}
	r.mu.Lock()
	r.subs[tid] = sub
	r.mu.Unlock()
	r.mux.RegisterSubscription(tid, func(ed EventDocument, ready bool) {
		sub.queue.enqueue(ed)
	})
	return sub
}

// Unregister removes the subscription under tid without notifying the
// remote end (use Terminate to do both).
func (r *SubscriptionRegistry) Unregister(tid int64) {
	r.mu.Lock()
	delete(r.subs, tid)
	r.mu.Unlock()
	r.mux.Unregister(tid)
}

// Lookup returns the subscription registered under tid, if any.
func (r *SubscriptionRegistry) Lookup(tid int64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[tid]
	return sub, ok
}

// Publish pushes ed to the subscriber under tid as a non-terminal reply.
// Publishing under a tid with no active subscription returns
// ErrSubscriberInvalid and sends nothing.
func (r *SubscriptionRegistry) Publish(tid int64, ed EventDocument) error {
	if _, ok := r.Lookup(tid); !ok {
		return ErrSubscriberInvalid
	}
	return r.mux.SendReply(tid, ed, false)
}

// nullReply is the terminal document a subscription's last reply carries
// (spec §4.4: "reply: null" marks unregistration).
func nullReply() EventDocument {
	return EventDocument{Name: "reply", Args: NewDocument(Field{Name: "value", Value: Null()})}
}

// endOfSubscriptionReply is the terminal document a topic subscription's
// last reply carries (spec §4.5: "on end of subscription, a single
// onEndOfSubscription event closes it").
func endOfSubscriptionReply() EventDocument {
	return EventDocument{Name: "onEndOfSubscription"}
}

// Terminate sends the terminal reply for tid — reply: null for map and
// replication subscriptions, onEndOfSubscription for topic
// ones — and removes the subscription. Safe to call on an already-removed
// tid.
func (r *SubscriptionRegistry) Terminate(tid int64) error {
	r.mu.Lock()
	sub, ok := r.subs[tid]
	r.mu.Unlock()

	terminal := nullReply()
	if ok && sub.Kind == SubKindTopic {
		terminal = endOfSubscriptionReply()
	}
	err := r.mux.SendReply(tid, terminal, true)
	r.Unregister(tid)
	return err
}

// Count returns the number of currently active subscriptions.
func (r *SubscriptionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// TerminateAll tears down every subscription, e.g. on channel close.
func (r *SubscriptionRegistry) TerminateAll() {
	r.mu.Lock()
	tids := make([]int64, 0, len(r.subs))
	for tid := range r.subs {
		tids = append(tids, tid)
	}
	r.mu.Unlock()
	for _, tid := range tids {
		r.Unregister(tid)
	}
}
