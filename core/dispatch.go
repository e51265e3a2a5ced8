package core

// Request Dispatcher (C5): routes an inbound EventDocument, already resolved
// to a CSP by the Mux, to the handler appropriate for its view and event
// name. Grounded on the teacher's handleMsg switch over msgType
// (core/replication.go), generalized from a fixed wire enum to the spec's
// open event-name catalogue.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// View is one named map the engine exposes at a CSP path (spec §6): a byte
// store plus the replication bookkeeping layered over it.
type View struct {
	Name        string
	Store       Store
	Replication *ReplicationStore
}

// AssetTree is the server-side registry of views, keyed by CSP path.
type AssetTree struct {
	mu    sync.RWMutex
	views map[string]*View
}

// NewAssetTree creates an empty view registry.
func NewAssetTree() *AssetTree {
	return &AssetTree{views: make(map[string]*View)}
}

// Register installs view under path, replacing whatever was there.
func (t *AssetTree) Register(path string, view *View) {
	t.mu.Lock()
	t.views[path] = view
	t.mu.Unlock()
}

// Lookup returns the view registered under path, if any.
func (t *AssetTree) Lookup(path string) (*View, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.views[path]
	return v, ok
}

// Dispatcher wires a Mux's inbound requests to an AssetTree's views.
type Dispatcher struct {
	tree    *AssetTree
	subs    *SubscriptionRegistry
	mux     *Mux
	log     *logrus.Logger
	metrics *Metrics
	selfID  uint8
	topics  *TopicBroker

	collections *lruCollections

	loop       *EventLoop
	loopCancel context.CancelFunc
}

// NewDispatcher builds a dispatcher. log may be nil. It owns a private
// EventLoop (spec §5) that drives every handler registered against it —
// currently the per-peer replication streaming pump installed by
// handleReplicationSubscribe — for as long as the connection lives; call
// Close when the connection ends.
func NewDispatcher(tree *AssetTree, subs *SubscriptionRegistry, mux *Mux, selfID uint8, log *logrus.Logger, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tree: tree, subs: subs, mux: mux, log: log, metrics: metrics, selfID: selfID,
		topics:      newTopicBroker(),
		collections: newLRUCollections(256),
		loop:        NewEventLoop(),
		loopCancel:  cancel,
	}
	go d.loop.Run(ctx)
	return d
}

// Close stops the dispatcher's EventLoop. Safe to call once per dispatcher,
// typically deferred from the connection-serving goroutine that created it.
func (d *Dispatcher) Close() { d.loopCancel() }

// Handle is installed as the Mux's OnRequest callback.
func (d *Dispatcher) Handle(tid int64, csp *CSP, ed EventDocument) {
	if ed.Name == "unRegisterSubscriber" {
		d.handleUnRegisterSubscriber(tid, ed)
		return
	}
	if csp.Extra["collection"] != "" {
		cv, ok := d.collections.lookup(csp.Raw)
		if !ok {
			d.log.WithError(ErrViewClosed).WithField("csp", csp.Raw).Warn("dispatch: set-proxy referenced after its view closed")
			return
		}
		d.dispatchCollectionEvent(tid, cv, ed)
		return
	}
	view, ok := d.tree.Lookup(csp.Path)
	if !ok {
		d.protocolViolation(tid, fmt.Errorf("core: unknown view %q", csp.Path))
		return
	}
	switch {
	case isMapEvent(ed.Name):
		d.dispatchMapEvent(tid, csp, view, ed)
	case isTopicEvent(ed.Name):
		d.dispatchTopicEvent(tid, csp, view, ed)
	case isReplicationEvent(ed.Name):
		d.dispatchReplicationEvent(tid, csp, view, ed)
	default:
		d.protocolViolation(tid, fmt.Errorf("%w: unknown event %q", ErrProtocolViolation, ed.Name))
	}
}

// handleUnRegisterSubscriber tears down the subscription named by ed's "tid"
// argument, regardless of which kind registered it (spec §4.4's
// unRegisterSubscriber(tid) is one operation shared by map, topic and
// replication subscriptions). It must carry its target as an argument
// rather than reuse the request's own tid: the subscription's tid is
// already claimed as a subscription waiter on this Mux the moment
// registerSubscriber/registerTopicSubscriber/replicationSubscribe
// succeeds, so any further frame addressed to that tid routes straight to
// the subscription callback and never reaches Handle again.
func (d *Dispatcher) handleUnRegisterSubscriber(tid int64, ed EventDocument) {
	target, err := requireArgInt(ed, "tid")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	if _, ok := d.subs.Lookup(target); !ok {
		d.log.WithField("tid", target).Warn("dispatch: unRegisterSubscriber for a subscription that is not registered")
	}
	d.topics.unsubscribeAll(target)
	if err := d.subs.Terminate(target); err != nil {
		d.log.WithError(err).WithField("tid", target).Warn("dispatch: failed to send terminal unregister reply")
	}
}

// protocolViolation implements the wire protocol's disposition table (spec
// §7): a protocol violation (null argument, unknown event name, unknown
// view) is logged and the connection kept open, but no reply crosses the
// wire for it — the caller observes it only as a timeout.
func (d *Dispatcher) protocolViolation(tid int64, err error) {
	d.log.WithError(err).WithField("tid", tid).Warn("dispatch: protocol violation")
}

func (d *Dispatcher) replyValue(tid int64, v Value) {
	ed := EventDocument{Name: "reply", Args: NewDocument(Field{Name: "value", Value: v})}
	if err := d.mux.SendReply(tid, ed, true); err != nil {
		d.log.WithError(err).Warn("dispatch: failed to send reply")
	}
}

func requireString(ed EventDocument, name string) (string, error) {
	v, ok := ed.Arg(name)
	if !ok || v.IsNull() {
		return "", fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, name)
	}
	return v.Str, nil
}

func requireBytes(ed EventDocument, name string) ([]byte, error) {
	v, ok := ed.Arg(name)
	if !ok || v.IsNull() {
		return nil, fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, name)
	}
	return v.Bytes, nil
}

func optionalBytes(ed EventDocument, name string) []byte {
	v, ok := ed.Arg(name)
	if !ok || v.IsNull() {
		return nil
	}
	return v.Bytes
}

func nowMillis() uint64 { return uint64(time.Now().UnixMilli()) }
