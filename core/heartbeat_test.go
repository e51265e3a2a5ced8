package core

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestHeartbeat(t *testing.T) (*Heartbeat, *Channel, func()) {
	t.Helper()
	local, remote := net.Pipe()
	ch := NewChannel(local, BinaryCodec{}, nil)
	mux := NewMux(ch, nil)
	hb := NewHeartbeat(ch, mux, nil, nil)
	mux.OnSystem = hb.OnSystemMessage
	go drainPipe(remote)
	return hb, ch, func() { ch.Close(nil); remote.Close() }
}

func TestHeartbeatReplyPingOnSystemMessage(t *testing.T) {
	hb, _, cleanup := newTestHeartbeat(t)
	defer cleanup()

	before := hb.lastPong.Load()
	hb.OnSystemMessage(EventDocument{Name: "heartbeat"})
	// replyPing doesn't touch lastPong, only an incoming heartbeatReply does.
	if hb.lastPong.Load() != before {
		t.Fatalf("a heartbeat (not heartbeatReply) must not move lastPong")
	}

	time.Sleep(5 * time.Millisecond)
	hb.OnSystemMessage(EventDocument{Name: "heartbeatReply"})
	if hb.lastPong.Load() <= before {
		t.Fatalf("expected lastPong to advance on heartbeatReply")
	}
}

func TestHeartbeatRunClosesChannelOnTimeout(t *testing.T) {
	hb, ch, cleanup := newTestHeartbeat(t)
	defer cleanup()

	hb.pingInterval = 20 * time.Millisecond
	hb.timeout = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the channel to close once the peer stopped responding")
	}
	if ch.Err() != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", ch.Err())
	}
}

func TestHeartbeatRunStopsOnContextCancel(t *testing.T) {
	hb, ch, cleanup := newTestHeartbeat(t)
	defer cleanup()

	hb.pingInterval = time.Hour
	hb.timeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { hb.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return promptly after context cancellation")
	}
	if ch.Err() != nil {
		t.Fatalf("cancelling the context must not close the channel, got %v", ch.Err())
	}
}
