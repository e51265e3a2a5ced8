package core

// Replication and system event handlers (spec §4.8): the wire-level
// requests one node's ReplicationHub sends while identifying itself,
// bootstrapping, and subscribing to a remote view's change stream. These
// run on the *receiving* side's dispatcher; the requesting side drives them
// from replication_hub.go's state machine. Streaming itself is not a
// request/reply round trip — once replicationSubscribe lands, this side's
// own EventLoop (PriorityMedium) pushes replicationEvent documents for as
// long as the subscription stays registered, and the subscriber acks each
// one with a fire-and-forget replicactionReply.

import (
	"context"
	"fmt"
)

func isReplicationEvent(name string) bool {
	switch name {
	case "identifier", "bootstap", "replicationSubscribe", "replicactionReply":
		return true
	}
	return false
}

func (d *Dispatcher) dispatchReplicationEvent(tid int64, csp *CSP, view *View, ed EventDocument) {
	switch ed.Name {
	case "identifier":
		d.handleIdentifier(tid, ed)
	case "bootstap":
		d.handleBootstap(tid, view, ed)
	case "replicationSubscribe":
		d.handleReplicationSubscribe(tid, csp, view, ed)
	case "replicactionReply":
		d.handleReplicactionReply(tid, ed)
	default:
		d.protocolViolation(tid, fmt.Errorf("%w: unhandled replication event %q", ErrProtocolViolation, ed.Name))
	}
}

// handleIdentifier answers a peer's identifier request with this node's own
// id, the first step of a replication session (spec §4.8 IDENTIFY state).
func (d *Dispatcher) handleIdentifier(tid int64, ed EventDocument) {
	if _, err := requireArgInt(ed, "peerId"); err != nil {
		d.protocolViolation(tid, err)
		return
	}
	reply := EventDocument{Name: "identifierReply", Args: NewDocument(Field{Name: "peerId", Value: VInt8(int8(d.selfID))})}
	if err := d.mux.SendReply(tid, reply, true); err != nil {
		d.log.WithError(err).Warn("dispatch: failed to send identifierReply")
	}
}

// handleBootstap answers a peer's backlog request: it re-raises that peer's
// dirty bit on every entry at or after fromTs and returns every entry then
// outstanding for the peer (older ones still dirty included), so a reconnect
// never tail-drops entries missed while disconnected (spec §4.8 BOOTSTRAP
// state, §4.7 resync).
func (d *Dispatcher) handleBootstap(tid int64, view *View, ed EventDocument) {
	peerID, err := requireArgInt(ed, "peerId")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	fromTs, err := requireArgInt(ed, "fromTs")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	it := view.Replication.AcquireModificationIterator(uint8(peerID))
	entries := it.DirtyEntries(uint64(fromTs))
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, replicationEntryDoc(e))
	}
	reply := EventDocument{Name: "bootstrapReply", Args: NewDocument(Field{Name: "entries", Value: VSeq(docs...)})}
	if err := d.mux.SendReply(tid, reply, true); err != nil {
		d.log.WithError(err).Warn("dispatch: failed to send bootstrapReply")
	}
}

// handleReplicationSubscribe registers tid as a replication push stream and
// installs a PriorityMedium handler on this connection's EventLoop that
// drains the peer's modification iterator every round, publishing
// replicationEvent documents for as long as the subscription stays
// registered (spec §4.8 SUBSCRIBED/STREAMING states).
func (d *Dispatcher) handleReplicationSubscribe(tid int64, csp *CSP, view *View, ed EventDocument) {
	peerID, err := requireArgInt(ed, "peerId")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	sub := d.subs.Register(tid, csp.Raw, SubKindReplication)
	it := view.Replication.AcquireModificationIterator(uint8(peerID))
	d.loop.Register(PriorityMedium, func(ctx context.Context) bool {
		if _, ok := d.subs.Lookup(sub.TID); !ok {
			return false
		}
		sent := false
		it.ForEach(func(e ReplicationEntry) bool {
			out := EventDocument{Name: "replicationEvent", Args: replicationEntryDoc(e)}
			if err := d.subs.Publish(sub.TID, out); err != nil {
				return false
			}
			sent = true
			return true
		})
		return sent
	})
}

// handleReplicactionReply accepts a subscriber's fire-and-forget
// acknowledgment of a pushed replicationEvent. Dirty-bit clearing already
// happened at push time in ForEach; this ack exists only so the wire
// protocol's request/reply shape is preserved for every event crossing the
// connection, and carries no further effect.
func (d *Dispatcher) handleReplicactionReply(tid int64, ed EventDocument) {
	d.log.WithField("tid", tid).Debug("dispatch: replication entry acknowledged")
}

func requireArgInt(ed EventDocument, name string) (int64, error) {
	v, ok := ed.Arg(name)
	if !ok || v.IsNull() {
		return 0, fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, name)
	}
	return v.Int, nil
}

func replicationEntryDoc(e ReplicationEntry) Document {
	return NewDocument(
		Field{Name: "key", Value: VString(e.Key)},
		Field{Name: "value", Value: VBytes(e.Value)},
		Field{Name: "deleted", Value: VBool(e.Deleted)},
		Field{Name: "timestamp", Value: VInt64(int64(e.Timestamp))},
		Field{Name: "origin", Value: VInt8(int8(e.Origin))},
	)
}

func replicationEntryFromDoc(d Document) (ReplicationEntry, error) {
	key, ok := d.Get("key")
	if !ok || key.IsNull() {
		return ReplicationEntry{}, fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, "key")
	}
	deleted, _ := d.Get("deleted")
	ts, ok := d.Get("timestamp")
	if !ok || ts.IsNull() {
		return ReplicationEntry{}, fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, "timestamp")
	}
	origin, ok := d.Get("origin")
	if !ok || origin.IsNull() {
		return ReplicationEntry{}, fmt.Errorf("%w: missing required argument %q", ErrProtocolViolation, "origin")
	}
	value, _ := d.Get("value")
	return ReplicationEntry{
		Key:       key.Str,
		Value:     value.Bytes,
		Deleted:   deleted.Bool,
		Timestamp: uint64(ts.Int),
		Origin:    uint8(origin.Int),
	}, nil
}
