package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventLoopRunsHandlersInPriorityOrder(t *testing.T) {
	l := NewEventLoop()
	var order []Priority

	record := func(p Priority) Handler {
		return func(ctx context.Context) bool {
			order = append(order, p)
			return false
		}
	}
	l.Register(PriorityLow, record(PriorityLow))
	l.Register(PriorityMonitor, record(PriorityMonitor))
	l.Register(PriorityMedium, record(PriorityMedium))
	l.Register(PriorityHigh, record(PriorityHigh))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	l.Run(ctx)

	if len(order) < 4 {
		t.Fatalf("expected at least one full round, got %v", order)
	}
	want := []Priority{PriorityMonitor, PriorityHigh, PriorityMedium, PriorityLow}
	for i, p := range want {
		if order[i] != p {
			t.Fatalf("round 1 out of order: got %v, want prefix %v", order[:4], want)
		}
	}
}

func TestEventLoopKeepsSpinningWhileHandlersProgress(t *testing.T) {
	l := NewEventLoop()
	var calls int32
	l.Register(PriorityHigh, func(ctx context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return atomic.LoadInt32(&calls) < 50
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	l.Run(ctx)

	if atomic.LoadInt32(&calls) < 50 {
		t.Fatalf("expected the loop to keep calling a progressing handler without waiting for the tick, got %d calls", calls)
	}
}

func TestEventLoopStopsOnContextCancel(t *testing.T) {
	l := NewEventLoop()
	l.Register(PriorityHigh, func(ctx context.Context) bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return promptly after cancellation")
	}
}
