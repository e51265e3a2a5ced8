package core

// Dialer establishes outbound TCP connections, adapted directly from the
// teacher's network.Dialer (core/network.go). ConnDialer adds
// singleflight-deduped dialing on top: concurrent callers racing to set up
// a replication session against the same address share one dial instead of
// opening redundant sockets.

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/singleflight"
)

// Dialer establishes outbound TCP connections with a timeout and TCP
// keepalive.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a dialer with the given settings.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to address over TCP.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("core: dial %s: %w", address, err)
	}
	return conn, nil
}

// ConnDialer protects against dial storms: if a burst of goroutines all
// call Dial for the same address while no dial to it is in flight yet, only
// one DialContext happens and every caller in that burst gets back the same
// net.Conn. This is deliberate, not a bug to route around — one connection
// per peer address is exactly what the engine wants, since one Channel/Mux
// pair multiplexes arbitrarily many CSPs and subscriptions over a single
// socket. Callers that need their own dedicated connection (none do in this
// engine) should bypass ConnDialer and use Dialer directly. Forget runs
// immediately after each call completes so a later, non-concurrent Dial for
// the same address dials fresh rather than replaying a stale result: this
// type only collapses dials that race each other, it does not cache a
// connection across the lifetime of a peer session. That longer-lived
// one-connection-per-peer guarantee comes from Client owning a single Mux
// for as long as it stays connected, not from anything here.
type ConnDialer struct {
	dialer *Dialer
	group  singleflight.Group
}

// NewConnDialer wraps d with dial-storm deduplication.
func NewConnDialer(d *Dialer) *ConnDialer {
	return &ConnDialer{dialer: d}
}

// Dial connects to address, coalescing concurrent callers racing to reach
// the same address onto a single underlying dial.
func (cd *ConnDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	v, err, _ := cd.group.Do(address, func() (interface{}, error) {
		defer cd.group.Forget(address)
		return cd.dialer.Dial(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return v.(net.Conn), nil
}
