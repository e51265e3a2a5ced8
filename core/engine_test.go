package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, selfID uint8) (*Engine, *View, string) {
	engine, view, _, addr := newTestEngineWithTree(t, selfID)
	return engine, view, addr
}

func newTestEngineWithTree(t *testing.T, selfID uint8) (*Engine, *View, *AssetTree, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	store := NewMemStore()
	view := &View{Name: "default", Store: store, Replication: NewReplicationStore(selfID, NewStoreChangeApplier(store), nil)}
	tree := NewAssetTree()
	tree.Register("/kv", view)

	engine := NewEngine(selfID, tree, BinaryCodec{}, nil, nil)
	return engine, view, tree, addr
}

func TestEngineServesPutGetOverRealTCP(t *testing.T) {
	engine, _, addr := newTestEngine(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Serve(ctx, addr)
	waitForListener(t, addr)

	client := NewClient(addr, ClientConfig{Codec: BinaryCodec{}, Dialer: NewConnDialer(NewDialer(time.Second, 0))})
	go client.Run(ctx)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	waitForReady(t, callCtx, client)

	reply, err := client.Call(callCtx, "/kv?view=default", EventDocument{Name: "put", Args: NewDocument(
		Field{Name: "key", Value: VString("k")},
		Field{Name: "value", Value: VBytes([]byte("v1"))},
	)})
	if err != nil {
		t.Fatalf("put Call: %v", err)
	}
	_ = reply

	reply, err = client.Call(callCtx, "/kv?view=default", EventDocument{Name: "get", Args: NewDocument(Field{Name: "key", Value: VString("k")})})
	if err != nil {
		t.Fatalf("get Call: %v", err)
	}
	v, _ := reply.Arg("value")
	if string(v.Bytes) != "v1" {
		t.Fatalf("expected v1, got %q", v.Bytes)
	}

	engine.Close()
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}

func waitForReady(t *testing.T, ctx context.Context, client *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := client.Call(ctx, "/kv?view=default", EventDocument{Name: "size"}); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("client never became ready")
}

// TestEngineReplicatesBetweenTwoNodes drives the full wire path end to end:
// a write on node A's view becomes visible on node B's view purely through
// the ReplicationHub streaming loop over a real TCP connection, matching
// the spec's multi-master convergence guarantee.
func TestEngineReplicatesBetweenTwoNodes(t *testing.T) {
	engineA, viewA, addrA := newTestEngine(t, 1)
	engineB, viewB, treeB, addrB := newTestEngineWithTree(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// engineA runs its own outbound hub back over every inbound connection,
	// so the dialing side's changes also flow into A.
	engineA.OnConnect = func(mux *Mux) {
		hub := NewReplicationHub(viewA, mux, "/kv?view=default", 1, nil, nil)
		go hub.Run(ctx)
	}

	go engineA.Serve(ctx, addrA)
	go engineB.Serve(ctx, addrB)
	waitForListener(t, addrA)
	waitForListener(t, addrB)
	defer engineA.Close()
	defer engineB.Close()

	dialer := NewConnDialer(NewDialer(time.Second, 0))

	// B dials A; its own hub pulls A's backlog and then A's streamed changes
	// into B, while engineA.OnConnect's hub pulls B's changes into A. B also
	// needs a dispatcher of its own on this connection so it can answer
	// engineA.OnConnect's hub, since both hubs share the single socket.
	clientBtoA := NewClient(addrA, ClientConfig{
		Codec:  BinaryCodec{},
		Dialer: dialer,
		Tree:   treeB,
		SelfID: 2,
		OnConnect: func(mux *Mux) {
			hub := NewReplicationHub(viewB, mux, "/kv?view=default", 2, nil, nil)
			go hub.Run(ctx)
		},
	})
	go clientBtoA.Run(ctx)
	defer clientBtoA.Close()

	viewA.Store.Put("replicated-key", []byte("replicated-value"))
	viewA.Replication.OnChange("replicated-key", false, nowMillis())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := viewB.Store.Get("replicated-key"); ok && string(v) == "replicated-value" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("replicated-key never showed up on node B's view")
}
