package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func newPipedMuxes(t *testing.T) (client, server *Mux, cleanup func()) {
	t.Helper()
	cConn, sConn := net.Pipe()
	cch := NewChannel(cConn, BinaryCodec{}, nil)
	sch := NewChannel(sConn, BinaryCodec{}, nil)
	client = NewMux(cch, nil)
	server = NewMux(sch, nil)
	return client, server, func() {
		cch.Close(nil)
		sch.Close(nil)
	}
}

func TestMuxNextTIDStrictlyIncreasing(t *testing.T) {
	conn, other := net.Pipe()
	defer conn.Close()
	defer other.Close()
	m := NewMux(NewChannel(conn, BinaryCodec{}, nil), nil)
	prev := m.NextTID()
	for i := 0; i < 100; i++ {
		next := m.NextTID()
		if next <= prev {
			t.Fatalf("NextTID not strictly increasing: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestMuxRequestReplyRoundTrip(t *testing.T) {
	client, server, cleanup := newPipedMuxes(t)
	defer cleanup()

	server.OnRequest = func(tid int64, csp *CSP, ed EventDocument) {
		if ed.Name != "get" {
			t.Errorf("unexpected request name %q", ed.Name)
		}
		server.SendReply(tid, EventDocument{Name: "reply", Args: NewDocument(Field{Name: "value", Value: VBytes([]byte("v1"))})}, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	tid := client.NextTID()
	client.RegisterSync(tid)
	if err := client.SendRequest("/kv?view=default", tid, EventDocument{Name: "get"}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer awaitCancel()
	reply, err := client.Await(awaitCtx, tid)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	v, ok := reply.Arg("value")
	if !ok || string(v.Bytes) != "v1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestMuxSubscriptionReceivesStreamedReplies(t *testing.T) {
	client, server, cleanup := newPipedMuxes(t)
	defer cleanup()

	var gotTID int64
	server.OnRequest = func(tid int64, csp *CSP, ed EventDocument) {
		gotTID = tid
		server.SendReply(tid, EventDocument{Name: "snapshot"}, false)
		server.SendReply(tid, EventDocument{Name: "changed"}, false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)
	go client.Run(ctx)

	events := make(chan EventDocument, 4)
	tid := client.NextTID()
	client.RegisterSubscription(tid, func(ed EventDocument, ready bool) { events <- ed })
	if err := client.SendRequest("/kv?view=default", tid, EventDocument{Name: "subscribe"}); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for streamed reply %d", i)
		}
	}
	if gotTID != tid {
		t.Fatalf("server saw tid %d, expected %d", gotTID, tid)
	}
}

func TestMuxAwaitFailsWhenChannelCloses(t *testing.T) {
	client, _, cleanup := newPipedMuxes(t)
	defer cleanup()

	tid := client.NextTID()
	client.RegisterSync(tid)
	client.ch.Close(ErrConnectionClosed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Await(ctx, tid); err == nil {
		t.Fatalf("expected Await to fail once the channel is closed")
	}
}

func TestMuxCSPBindingReusesCID(t *testing.T) {
	client, _, cleanup := newPipedMuxes(t)
	defer cleanup()

	first := client.bindCSP("/kv?view=default")
	second := client.bindCSP("/kv?view=default")
	if first != second {
		t.Fatalf("expected the same CSP to bind to the same CID, got %d and %d", first, second)
	}
	csp, ok := client.cspForCID(first)
	if !ok || csp != "/kv?view=default" {
		t.Fatalf("cspForCID(%d) = %q, %v", first, csp, ok)
	}
}
