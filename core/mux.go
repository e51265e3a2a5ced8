package core

// Transaction Multiplexer (C3): allocates monotone transaction ids and
// routes each inbound frame pair (meta, data) to whichever waiter is
// registered under that TID — a blocking synchronous slot, a long-lived
// subscription callback, or (server side) the request dispatcher.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// SystemTID is the reserved TID for server-originated system messages
// (heartbeat).
const SystemTID int64 = 0

type waiterKind int

const (
	waiterSync waiterKind = iota
	waiterSubscription
)

type muxWaiter struct {
	kind waiterKind
	sync chan muxResult
	sub  func(ed EventDocument, ready bool)
}

type muxResult struct {
	ed  EventDocument
	err error
}

// RequestHandler processes an inbound request that arrived under a TID with
// no registered waiter — i.e. a fresh request on the server side.
type RequestHandler func(tid int64, csp *CSP, ed EventDocument)

// SystemHandler processes a TID-0 system message (heartbeat/heartbeatReply).
type SystemHandler func(ed EventDocument)

// Mux is the per-channel transaction multiplexer. One Mux owns one Channel
// for its whole lifetime.
type Mux struct {
	ch  *Channel
	log *logrus.Logger

	tidSeq int64 // atomic

	mu      sync.Mutex
	waiters map[int64]*muxWaiter

	cspMu    sync.RWMutex
	cspToCID map[string]int64
	cidToCSP map[int64]string
	nextCID  int64

	OnRequest RequestHandler
	OnSystem  SystemHandler
}

// NewMux creates a multiplexer bound to ch. log may be nil.
func NewMux(ch *Channel, log *logrus.Logger) *Mux {
	if log == nil {
		log = logrus.New()
	}
	return &Mux{
		ch:       ch,
		log:      log,
		waiters:  make(map[int64]*muxWaiter),
		cspToCID: make(map[string]int64),
		cidToCSP: make(map[int64]string),
	}
}

// NextTID allocates a TID strictly greater than every TID this Mux has
// handed out before, seeded from wall-clock milliseconds so TIDs issued
// across a reconnect never collide with ones issued before it even under
// clock skew (spec §3/§4.3).
func (m *Mux) NextTID() int64 {
	for {
		prev := atomic.LoadInt64(&m.tidSeq)
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&m.tidSeq, prev, next) {
			return next
		}
	}
}

// bindCSP assigns (or returns the existing) CID for csp on this connection.
func (m *Mux) bindCSP(csp string) int64 {
	m.cspMu.Lock()
	defer m.cspMu.Unlock()
	if cid, ok := m.cspToCID[csp]; ok {
		return cid
	}
	m.nextCID++
	cid := m.nextCID
	m.cspToCID[csp] = cid
	m.cidToCSP[cid] = csp
	return cid
}

// BindCSP exposes bindCSP for a derived CSP the dispatcher hands out (e.g. a
// set-proxy), so the CID advertised in that reply resolves on this same Mux
// the moment the client references it.
func (m *Mux) BindCSP(csp string) int64 { return m.bindCSP(csp) }

// cspForCID resolves a previously bound CID back to its CSP string.
func (m *Mux) cspForCID(cid int64) (string, bool) {
	m.cspMu.RLock()
	defer m.cspMu.RUnlock()
	csp, ok := m.cidToCSP[cid]
	return csp, ok
}

// resolveCSP extracts the CSP string named or aliased by a meta document,
// binding a fresh CID the first time a CSP is seen.
func (m *Mux) resolveCSP(meta MetaDocument) (string, int64, error) {
	if meta.HasCSP {
		cid := m.bindCSP(meta.CSP)
		return meta.CSP, cid, nil
	}
	if meta.HasCID {
		csp, ok := m.cspForCID(meta.CID)
		if !ok {
			return "", 0, ErrUnknownCID
		}
		return csp, meta.CID, nil
	}
	return "", 0, fmt.Errorf("core: meta document carries neither csp nor cid")
}

// registerWaiter installs w under tid, replacing whatever, if anything, was
// there before.
func (m *Mux) registerWaiter(tid int64, w *muxWaiter) {
	m.mu.Lock()
	m.waiters[tid] = w
	m.mu.Unlock()
}

// RegisterSync reserves tid for a single blocking reply.
func (m *Mux) RegisterSync(tid int64) {
	m.registerWaiter(tid, &muxWaiter{kind: waiterSync, sync: make(chan muxResult, 1)})
}

// RegisterSubscription installs a long-lived callback under tid. Unlike a
// sync waiter it is not removed when a reply arrives (spec §4.3).
func (m *Mux) RegisterSubscription(tid int64, onEvent func(ed EventDocument, ready bool)) {
	m.registerWaiter(tid, &muxWaiter{kind: waiterSubscription, sub: onEvent})
}

// Unregister removes whatever waiter is installed under tid.
func (m *Mux) Unregister(tid int64) {
	m.mu.Lock()
	delete(m.waiters, tid)
	m.mu.Unlock()
}

// Await blocks for the reply registered under tid via RegisterSync, subject
// to ctx's deadline. The waiter is always removed before Await returns.
func (m *Mux) Await(ctx context.Context, tid int64) (EventDocument, error) {
	m.mu.Lock()
	w, ok := m.waiters[tid]
	m.mu.Unlock()
	if !ok || w.kind != waiterSync {
		return EventDocument{}, fmt.Errorf("core: no sync waiter registered for tid %d", tid)
	}
	defer m.Unregister(tid)

	select {
	case res := <-w.sync:
		return res.ed, res.err
	case <-ctx.Done():
		return EventDocument{}, ErrTimeout
	case <-m.ch.Done():
		return EventDocument{}, ErrConnectionClosed
	}
}

// SendRequest writes a meta document (csp on first use, cid thereafter) and
// its data document as a single logical request under tid.
func (m *Mux) SendRequest(csp string, tid int64, ed EventDocument) error {
	meta := MetaDocument{TID: tid}
	m.cspMu.RLock()
	_, known := m.cspToCID[csp]
	m.cspMu.RUnlock()
	if known {
		meta.HasCID, meta.CID = true, m.bindCSP(csp)
	} else {
		meta.HasCSP, meta.CSP = true, csp
		m.bindCSP(csp)
	}
	return m.send(meta, ed, true)
}

// SendReply writes a reply document under tid. ready=false marks a
// streaming continuation (subscription push); ready=true marks the final
// document for that logical exchange.
func (m *Mux) SendReply(tid int64, ed EventDocument, ready bool) error {
	return m.send(MetaDocument{TID: tid}, ed, ready)
}

func (m *Mux) send(meta MetaDocument, ed EventDocument, ready bool) error {
	metaBytes, err := m.ch.codec.MarshalMeta(meta)
	if err != nil {
		return fmt.Errorf("core: marshal meta: %w", err)
	}
	dataBytes, err := m.ch.codec.MarshalEvent(ed)
	if err != nil {
		return fmt.Errorf("core: marshal event: %w", err)
	}
	if err := m.ch.WriteFrame(FrameHeader{IsMeta: true, Ready: true}, metaBytes); err != nil {
		return err
	}
	return m.ch.WriteFrame(FrameHeader{IsMeta: false, Ready: ready}, dataBytes)
}

// Run reads frame pairs until the channel closes, routing each to its
// waiter, to OnRequest (no waiter, TID != 0, server side), or to OnSystem
// (TID == 0). It returns the error that ended the channel.
func (m *Mux) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.ch.Close(ctx.Err())
			return ctx.Err()
		default:
		}

		metaHdr, metaPayload, err := m.ch.ReadFrame()
		if err != nil {
			m.failAllWaiters(err)
			return err
		}
		if !metaHdr.IsMeta {
			m.log.Warn("mux: expected meta frame, got data frame; dropping")
			continue
		}
		meta, err := m.ch.codec.UnmarshalMeta(metaPayload)
		if err != nil {
			m.log.WithError(err).Warn("mux: malformed meta document")
			continue
		}

		dataHdr, dataPayload, err := m.ch.ReadFrame()
		if err != nil {
			m.failAllWaiters(err)
			return err
		}
		if dataHdr.IsMeta {
			m.log.Warn("mux: expected data frame, got meta frame; dropping")
			continue
		}
		ed, err := m.ch.codec.UnmarshalEvent(dataPayload)
		if err != nil {
			m.log.WithError(err).Warn("mux: malformed data document")
			continue
		}

		m.route(meta, ed, dataHdr.Ready)
	}
}

func (m *Mux) route(meta MetaDocument, ed EventDocument, ready bool) {
	if meta.TID == SystemTID {
		if m.OnSystem != nil {
			m.OnSystem(ed)
		}
		return
	}

	m.mu.Lock()
	w, ok := m.waiters[meta.TID]
	m.mu.Unlock()

	if ok {
		switch w.kind {
		case waiterSync:
			select {
			case w.sync <- muxResult{ed: ed}:
			default:
			}
		case waiterSubscription:
			w.sub(ed, ready)
		}
		return
	}

	if m.OnRequest == nil {
		m.log.WithField("tid", meta.TID).Warn("mux: no waiter and no request handler for inbound tid")
		return
	}
	csp, _, err := m.resolveCSP(meta)
	var cspPtr *CSP
	if err == nil {
		cspPtr, err = ParseCSP(csp)
	}
	if err != nil {
		m.log.WithError(err).WithField("tid", meta.TID).Warn("mux: protocol violation resolving csp/cid")
		return
	}
	m.OnRequest(meta.TID, cspPtr, ed)
}

func (m *Mux) failAllWaiters(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tid, w := range m.waiters {
		if w.kind == waiterSync {
			select {
			case w.sync <- muxResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, err)}:
			default:
			}
		}
		delete(m.waiters, tid)
	}
}
