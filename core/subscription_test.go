package core

import (
	"net"
	"testing"
)

func newTestSubscriptionRegistry(t *testing.T) (*SubscriptionRegistry, *Mux, func()) {
	t.Helper()
	local, remote := net.Pipe()
	ch := NewChannel(local, BinaryCodec{}, nil)
	mux := NewMux(ch, nil)
	go drainPipe(remote)
	return NewSubscriptionRegistry(mux), mux, func() { ch.Close(nil); remote.Close() }
}

// drainPipe discards every frame written to the other end of a net.Pipe so
// WriteFrame calls in these tests don't block waiting for a reader.
func drainPipe(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestSubscriptionRegistryRegisterAndLookup(t *testing.T) {
	reg, _, cleanup := newTestSubscriptionRegistry(t)
	defer cleanup()

	sub := reg.Register(1, "/kv?view=default", SubKindMap)
	got, ok := reg.Lookup(1)
	if !ok || got != sub {
		t.Fatalf("expected Lookup to return the registered subscription")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected Count() == 1, got %d", reg.Count())
	}
}

func TestSubscriptionQueueDeliversPushedEvents(t *testing.T) {
	reg, mux, cleanup := newTestSubscriptionRegistry(t)
	defer cleanup()

	sub := reg.Register(1, "/kv?view=default", SubKindMap)
	mux.route(MetaDocument{TID: 1}, EventDocument{Name: "changed"}, false)

	if sub.Pending() != 1 {
		t.Fatalf("expected one pending event, got %d", sub.Pending())
	}
	ed, ok := sub.Next()
	if !ok || ed.Name != "changed" {
		t.Fatalf("unexpected dequeued event: %+v, %v", ed, ok)
	}
	if sub.Pending() != 0 {
		t.Fatalf("expected no pending events after Next, got %d", sub.Pending())
	}
}

func TestSubscriptionRegistryPublishRejectsUnknownTID(t *testing.T) {
	reg, _, cleanup := newTestSubscriptionRegistry(t)
	defer cleanup()

	if err := reg.Publish(99, EventDocument{Name: "changed"}); err != ErrSubscriberInvalid {
		t.Fatalf("expected ErrSubscriberInvalid, got %v", err)
	}
}

func TestSubscriptionRegistryTerminateRemoves(t *testing.T) {
	reg, _, cleanup := newTestSubscriptionRegistry(t)
	defer cleanup()

	reg.Register(1, "/kv?view=default", SubKindMap)
	if err := reg.Terminate(1); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, ok := reg.Lookup(1); ok {
		t.Fatalf("expected the subscription to be gone after Terminate")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected Count() == 0 after Terminate, got %d", reg.Count())
	}
}

func TestSubscriptionRegistryTerminateAll(t *testing.T) {
	reg, _, cleanup := newTestSubscriptionRegistry(t)
	defer cleanup()

	reg.Register(1, "/kv?view=default", SubKindMap)
	reg.Register(2, "/kv?view=default", SubKindMap)
	reg.TerminateAll()
	if reg.Count() != 0 {
		t.Fatalf("expected Count() == 0 after TerminateAll, got %d", reg.Count())
	}
}
