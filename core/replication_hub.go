package core

// Replication Hub (C8): drives one outbound replication session through its
// states — IDENTIFY, BOOTSTRAP, SUBSCRIBED, STREAMING, CLOSED (spec §4.8) —
// by issuing requests through the session's Mux and applying whatever comes
// back to the local ReplicationStore. Grounded on the teacher's
// Synchronize/RequestMissing pattern (core/replication.go): a context-aware
// loop that issues requests and blocks on their replies, generalized here so
// that only IDENTIFY and BOOTSTRAP are synchronous round trips — STREAMING
// is a push stream the *remote* side's EventLoop drives once
// replicationSubscribe lands, with this hub doing nothing but applying
// pushes and acking them as they arrive.

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// HubState is one of the states a ReplicationHub session passes through in
// order; it never regresses except to Closed.
type HubState int32

const (
	HubIdentify HubState = iota
	HubBootstrap
	HubSubscribed
	HubStreaming
	HubClosed
)

func (s HubState) String() string {
	switch s {
	case HubIdentify:
		return "identify"
	case HubBootstrap:
		return "bootstrap"
	case HubSubscribed:
		return "subscribed"
	case HubStreaming:
		return "streaming"
	case HubClosed:
		return "closed"
	default:
		return fmt.Sprintf("hubstate(%d)", int32(s))
	}
}

// ReplicationHub owns one outbound session to a remote view, identified by
// csp on the given Mux.
type ReplicationHub struct {
	view   *View
	mux    *Mux
	csp    string
	selfID uint8

	log     *logrus.Logger
	metrics *Metrics

	state atomic.Int32
}

// NewReplicationHub builds a hub that will replicate against the remote
// view named by csp, identifying itself to the remote as selfID.
func NewReplicationHub(view *View, mux *Mux, csp string, selfID uint8, log *logrus.Logger, metrics *Metrics) *ReplicationHub {
	if log == nil {
		log = logrus.New()
	}
	h := &ReplicationHub{view: view, mux: mux, csp: csp, selfID: selfID, log: log, metrics: metrics}
	h.state.Store(int32(HubIdentify))
	return h
}

// State returns the session's current state.
func (h *ReplicationHub) State() HubState { return HubState(h.state.Load()) }

func (h *ReplicationHub) setState(s HubState) {
	h.state.Store(int32(s))
	h.log.WithFields(logrus.Fields{"csp": h.csp, "state": s.String()}).Debug("replication hub: state transition")
}

// Run executes the full session to completion: identify, bootstrap, then
// subscribe and hold the connection open while the remote's EventLoop
// streams replicationEvent pushes at this hub. It always returns with the
// hub in HubClosed.
func (h *ReplicationHub) Run(ctx context.Context) error {
	defer h.setState(HubClosed)

	remotePeerID, err := h.identify(ctx)
	if err != nil {
		return fmt.Errorf("core: replication identify with %s: %w", h.csp, err)
	}
	h.setState(HubBootstrap)

	if err := h.bootstrap(ctx, remotePeerID); err != nil {
		return fmt.Errorf("core: replication bootstrap from %s: %w", h.csp, err)
	}
	h.setState(HubSubscribed)

	if err := h.subscribe(ctx); err != nil {
		return fmt.Errorf("core: replication subscribe to %s: %w", h.csp, err)
	}
	h.setState(HubStreaming)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.mux.ch.Done():
		return h.mux.ch.Err()
	}
}

// identify announces selfID to the remote view and returns the remote's own
// peer id (spec §4.8 IDENTIFY state).
func (h *ReplicationHub) identify(ctx context.Context) (remotePeerID uint8, err error) {
	tid := h.mux.NextTID()
	h.mux.RegisterSync(tid)
	req := EventDocument{Name: "identifier", Args: NewDocument(Field{Name: "peerId", Value: VInt8(int8(h.selfID))})}
	if err := h.mux.SendRequest(h.csp, tid, req); err != nil {
		h.mux.Unregister(tid)
		return 0, err
	}
	reply, err := h.mux.Await(ctx, tid)
	if err != nil {
		return 0, err
	}
	peerID, _ := reply.Arg("peerId")
	return uint8(peerID.Int), nil
}

// bootstrap fetches and applies whatever the remote owes this node since the
// last entry it accepted from remotePeerID, so a reconnect never tail-drops
// entries that accumulated while disconnected (spec §4.8 BOOTSTRAP state).
func (h *ReplicationHub) bootstrap(ctx context.Context, remotePeerID uint8) error {
	fromTs := h.view.Replication.LastModificationTime(remotePeerID)

	tid := h.mux.NextTID()
	h.mux.RegisterSync(tid)
	req := EventDocument{Name: "bootstap", Args: NewDocument(
		Field{Name: "peerId", Value: VInt8(int8(h.selfID))},
		Field{Name: "fromTs", Value: VInt64(int64(fromTs))},
	)}
	if err := h.mux.SendRequest(h.csp, tid, req); err != nil {
		h.mux.Unregister(tid)
		return err
	}
	reply, err := h.mux.Await(ctx, tid)
	if err != nil {
		return err
	}
	entries, ok := reply.Arg("entries")
	if !ok || entries.Kind != KindSequence {
		return nil
	}
	for _, doc := range entries.Seq {
		entry, err := replicationEntryFromDoc(doc)
		if err != nil {
			h.log.WithError(err).Warn("replication hub: malformed bootstrap entry")
			continue
		}
		h.view.Replication.ApplyReplication(entry)
	}
	return nil
}

// subscribe opens the long-lived replicationSubscribe stream: every
// replicationEvent the remote's EventLoop pushes afterward arrives on
// onReplicationEvent for as long as this subscription stays registered
// (spec §4.8 SUBSCRIBED/STREAMING states).
func (h *ReplicationHub) subscribe(ctx context.Context) error {
	tid := h.mux.NextTID()
	h.mux.RegisterSubscription(tid, func(ed EventDocument, ready bool) {
		h.onReplicationEvent(ed)
	})
	req := EventDocument{Name: "replicationSubscribe", Args: NewDocument(Field{Name: "peerId", Value: VInt8(int8(h.selfID))})}
	if err := h.mux.SendRequest(h.csp, tid, req); err != nil {
		h.mux.Unregister(tid)
		return err
	}
	return nil
}

// onReplicationEvent applies one pushed replicationEvent and acknowledges it
// with a fire-and-forget replicactionReply on a fresh tid — the ack never
// blocks the push stream waiting for a reply of its own, and carries no
// effect on dirty-bit bookkeeping, which is already resolved at push time on
// the sending side.
func (h *ReplicationHub) onReplicationEvent(ed EventDocument) {
	if ed.Name != "replicationEvent" {
		return
	}
	entry, err := replicationEntryFromDoc(ed.Args)
	if err != nil {
		h.log.WithError(err).Warn("replication hub: malformed replication event")
		return
	}
	h.view.Replication.ApplyReplication(entry)

	ackTID := h.mux.NextTID()
	ack := EventDocument{Name: "replicactionReply", Args: NewDocument(Field{Name: "timestamp", Value: VInt64(int64(entry.Timestamp))})}
	if err := h.mux.SendRequest(h.csp, ackTID, ack); err != nil {
		h.log.WithError(err).Warn("replication hub: failed to send replicactionReply")
	}
}
