package core

// Collection-view handlers back the set-proxy pattern (spec §4.5): keySet,
// values and entrySet reply with {type: "set-proxy", csp, cid} instead of
// materializing their result inline, deferring element access to a derived
// CSP bound to a bounded snapshot cache. Grounded on the teacher's
// connection-local LRU use in csp.go — the same hashicorp/golang-lru package
// bounds this cache, and an evicted entry surfaces as ErrViewClosed to
// whatever later references it (spec §6: "a set-proxy operation after its
// backing view has been dropped").

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// collectionView is an immutable snapshot captured at keySet/values/entrySet
// time; the client walks it purely through the derived CSP afterward.
type collectionView struct {
	docs []Document
}

// lruCollections bounds how many outstanding set-proxy snapshots one
// connection can hold at once; the oldest is evicted first, at which point
// any further reference to its CSP is a closed view.
type lruCollections struct {
	cache *lru.Cache[string, *collectionView]
}

func newLRUCollections(size int) *lruCollections {
	c, err := lru.New[string, *collectionView](size)
	if err != nil {
		panic(fmt.Sprintf("core: failed to allocate collection cache: %v", err))
	}
	return &lruCollections{cache: c}
}

func (l *lruCollections) add(csp string, cv *collectionView) { l.cache.Add(csp, cv) }

func (l *lruCollections) lookup(csp string) (*collectionView, bool) { return l.cache.Get(csp) }

// replyCollection answers a keySet/values/entrySet request: it snapshots
// view's contents into docs shaped for kind, registers that snapshot under a
// freshly derived CSP bound to a CID on this connection, and replies with
// the set-proxy envelope instead of the collection itself.
func (d *Dispatcher) replyCollection(tid int64, csp *CSP, view *View, kind string) {
	keys := view.Store.Keys()
	docs := make([]Document, 0, len(keys))
	for _, k := range keys {
		switch kind {
		case "keySet":
			docs = append(docs, NewDocument(Field{Name: "key", Value: VString(k)}))
		case "values":
			v, _ := view.Store.Get(k)
			docs = append(docs, NewDocument(Field{Name: "value", Value: VBytes(v)}))
		case "entrySet":
			v, _ := view.Store.Get(k)
			docs = append(docs, NewDocument(Field{Name: "key", Value: VString(k)}, Field{Name: "value", Value: VBytes(v)}))
		}
	}

	derived := fmt.Sprintf("%s&collection=%s-%d", csp.WithView(csp.View), kind, tid)
	cid := d.mux.BindCSP(derived)
	d.collections.add(derived, &collectionView{docs: docs})

	reply := EventDocument{Name: "set-proxy", Args: NewDocument(
		Field{Name: "csp", Value: VString(derived)},
		Field{Name: "cid", Value: VInt64(cid)},
	)}
	if err := d.mux.SendReply(tid, reply, true); err != nil {
		d.log.WithError(err).Warn("dispatch: failed to send set-proxy reply")
	}
}

// dispatchCollectionEvent answers a request against a derived set-proxy CSP:
// size reports the snapshot's length, get(index) returns the entry at that
// position or null past the end — the only two operations needed to drain a
// bounded collection without ever materializing it in one reply.
func (d *Dispatcher) dispatchCollectionEvent(tid int64, cv *collectionView, ed EventDocument) {
	switch ed.Name {
	case "size":
		d.replyValue(tid, VInt32(int32(len(cv.docs))))
	case "get":
		index, err := requireArgInt(ed, "index")
		if err != nil {
			d.protocolViolation(tid, err)
			return
		}
		if index < 0 || int(index) >= len(cv.docs) {
			d.replyValue(tid, Null())
			return
		}
		if err := d.mux.SendReply(tid, EventDocument{Name: "reply", Args: cv.docs[index]}, true); err != nil {
			d.log.WithError(err).Warn("dispatch: failed to send set-proxy entry reply")
		}
	default:
		d.protocolViolation(tid, fmt.Errorf("%w: unhandled set-proxy event %q", ErrProtocolViolation, ed.Name))
	}
}
