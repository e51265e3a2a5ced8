package core

// Heartbeat (spec §4.8/§9): periodic liveness pings carried as TID-0 system
// messages. A connection with no activity for tPing sends a ping; no
// activity (including a ping reply) for tTimeout closes the channel so the
// caller's reconnect loop can take over. Grounded on the teacher's
// RunMetricsCollector ticker-loop shape (core/system_health_logging.go).

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPingInterval = 3000 * time.Millisecond
	defaultTimeout      = 5000 * time.Millisecond
)

// Heartbeat monitors one Channel's activity via its Mux, sending pings on
// idle and closing the channel if the remote stops responding.
type Heartbeat struct {
	mux     *Mux
	ch      *Channel
	log     *logrus.Logger
	metrics *Metrics

	pingInterval time.Duration
	timeout      time.Duration

	lastPong   atomic.Int64 // unix millis
	lastPingAt atomic.Int64 // unix millis
}

// NewHeartbeat builds a monitor for ch/mux with the spec's default
// intervals (3s ping, 5s timeout). log may be nil.
func NewHeartbeat(ch *Channel, mux *Mux, log *logrus.Logger, metrics *Metrics) *Heartbeat {
	if log == nil {
		log = logrus.New()
	}
	hb := &Heartbeat{ch: ch, mux: mux, log: log, metrics: metrics, pingInterval: defaultPingInterval, timeout: defaultTimeout}
	hb.lastPong.Store(time.Now().UnixMilli())
	return hb
}

// OnSystemMessage is installed as the Mux's OnSystem handler; it recognises
// heartbeat and heartbeatReply and ignores anything else addressed to TID 0.
func (hb *Heartbeat) OnSystemMessage(ed EventDocument) {
	switch ed.Name {
	case "heartbeat":
		hb.replyPing()
	case "heartbeatReply":
		hb.lastPong.Store(time.Now().UnixMilli())
	}
}

func (hb *Heartbeat) replyPing() {
	reply := EventDocument{Name: "heartbeatReply"}
	if err := hb.mux.SendReply(SystemTID, reply, true); err != nil {
		hb.log.WithError(err).Warn("heartbeat: failed to send heartbeatReply")
	}
}

func (hb *Heartbeat) sendPing() {
	ping := EventDocument{Name: "heartbeat"}
	if err := hb.mux.SendReply(SystemTID, ping, true); err != nil {
		hb.log.WithError(err).Warn("heartbeat: failed to send heartbeat")
		return
	}
	if hb.metrics != nil {
		hb.metrics.HeartbeatSent()
	}
}

// Tick is a non-blocking EventLoop handler (PriorityMonitor) performing one
// liveness check: it closes the channel once the peer has been idle past
// timeout, and sends at most one ping per pingInterval of idleness. It
// reports true only on the round that actually sent a ping, so a caller
// driving it directly in a loop doesn't need its own rate limiting.
func (hb *Heartbeat) Tick(ctx context.Context) bool {
	idle := time.Since(hb.ch.LastActivity())
	if idle >= hb.timeout {
		if hb.metrics != nil {
			hb.metrics.HeartbeatMissed()
		}
		hb.log.WithField("idle", idle).Warn("heartbeat: peer timed out")
		hb.ch.Close(ErrTimeout)
		return false
	}
	if idle < hb.pingInterval {
		return false
	}
	if time.Since(time.UnixMilli(hb.lastPingAt.Load())) < hb.pingInterval {
		return false
	}
	hb.sendPing()
	hb.lastPingAt.Store(time.Now().UnixMilli())
	return true
}

// Run drives Tick on a dedicated EventLoop until ctx is cancelled or the
// channel closes.
func (hb *Heartbeat) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-hb.ch.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	loop := NewEventLoop()
	loop.Register(PriorityMonitor, hb.Tick)
	loop.Run(ctx)
}
