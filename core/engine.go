package core

// Engine (spec §6): the server-side process wiring together an AssetTree of
// views, the request Dispatcher, and a plain net.Listener accept loop — one
// Channel/Mux/Dispatcher triple per inbound connection. Grounded on the
// teacher's connection_pool_test.go startTestServer accept-loop shape,
// generalized from a test helper into the production listener.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engine is one node's server: it exposes an AssetTree's views to any peer
// that dials in. It dials no peers itself; OnConnect is the hook for running
// a ReplicationHub over each accepted connection.
type Engine struct {
	SelfID  uint8
	Tree    *AssetTree
	Codec   Codec
	Log     *logrus.Logger
	Metrics *Metrics

	// OnConnect, if set, is called with each inbound connection's freshly
	// built Mux — mirroring ClientConfig.OnConnect on the dialing side — so
	// the accepting side can run its own outbound ReplicationHub back over
	// the same socket. A hub pulls the remote side's changes into its local
	// view, so without this, replication only ever flows toward the side
	// that dialed.
	OnConnect func(mux *Mux)

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewEngine builds an engine around tree, identifying itself as selfID.
func NewEngine(selfID uint8, tree *AssetTree, codec Codec, log *logrus.Logger, metrics *Metrics) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{SelfID: selfID, Tree: tree, Codec: codec, Log: log, Metrics: metrics}
}

// Serve listens on addr and accepts connections until ctx is cancelled or
// Close shuts the listener down. Every connection it accepted is closed when
// it returns.
func (e *Engine) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("core: listen on %s: %w", addr, err)
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, ln)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var conns sync.Map // net.Conn -> struct{}
	defer conns.Range(func(c, _ any) bool {
		c.(net.Conn).Close()
		return true
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			e.Log.WithError(err).Warn("engine: accept failed")
			continue
		}
		conns.Store(conn, struct{}{})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer conns.Delete(conn)
			e.serveConn(ctx, conn)
		}()
	}
}

func (e *Engine) serveConn(ctx context.Context, conn net.Conn) {
	ch := NewChannel(conn, e.Codec, e.Log)
	mux := NewMux(ch, e.Log)
	subs := NewSubscriptionRegistry(mux)
	dispatcher := NewDispatcher(e.Tree, subs, mux, e.SelfID, e.Log, e.Metrics)
	hb := NewHeartbeat(ch, mux, e.Log, e.Metrics)

	mux.OnRequest = dispatcher.Handle
	mux.OnSystem = hb.OnSystemMessage

	go hb.Run(ctx)
	if e.OnConnect != nil {
		e.OnConnect(mux)
	}

	if err := mux.Run(ctx); err != nil {
		e.Log.WithError(err).WithField("remote", ch.RemoteAddr()).Debug("engine: connection ended")
	}
	subs.TerminateAll()
	dispatcher.Close()
}

// Close shuts every listener down, which makes each Serve close the
// connections it accepted, and waits for every connection to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, ln := range e.listeners {
		ln.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
