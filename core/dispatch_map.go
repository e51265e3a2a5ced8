package core

// Map-view event handlers (spec §4.5): the full catalogue a view answers —
// put/remove (no return), the getAnd* pair that does return the prior
// value, the CAS-style putIfAbsent/replace/replaceForOld/removeWithValue
// primitives, and the read-only bulk queries a client can run against a
// view. putReturnsNull/removeReturnsNull (parsed onto the CSP in csp.go)
// suppress the old-value field on whichever of these replies would
// otherwise carry one.

import "fmt"

func isMapEvent(name string) bool {
	switch name {
	case "put", "get", "remove", "getAndPut", "getAndRemove",
		"putIfAbsent", "replace", "replaceForOld", "removeWithValue", "containsKey",
		"containsValue", "size", "clear", "keySet", "values", "entrySet", "registerSubscriber":
		return true
	}
	return false
}

func (d *Dispatcher) dispatchMapEvent(tid int64, csp *CSP, view *View, ed EventDocument) {
	switch ed.Name {
	case "put":
		d.handlePut(tid, view, ed)
	case "get":
		d.handleGet(tid, view, ed)
	case "remove":
		d.handleRemove(tid, view, ed)
	case "getAndPut":
		d.handleGetAndPut(tid, csp, view, ed)
	case "getAndRemove":
		d.handleGetAndRemove(tid, csp, view, ed)
	case "putIfAbsent":
		d.handlePutIfAbsent(tid, csp, view, ed)
	case "replace":
		d.handleReplace(tid, csp, view, ed)
	case "replaceForOld":
		d.handleReplaceForOld(tid, view, ed)
	case "removeWithValue":
		d.handleRemoveWithValue(tid, view, ed)
	case "containsKey":
		d.handleContainsKey(tid, view, ed)
	case "containsValue":
		d.handleContainsValue(tid, view, ed)
	case "keySet":
		d.handleKeySet(tid, csp, view)
	case "values":
		d.handleValues(tid, csp, view)
	case "entrySet":
		d.handleEntrySet(tid, csp, view)
	case "size":
		d.handleSize(tid, view)
	case "clear":
		d.handleClear(tid, view)
	case "registerSubscriber":
		d.handleRegisterSubscriber(tid, csp, view)
	default:
		d.protocolViolation(tid, fmt.Errorf("%w: unhandled map event %q", ErrProtocolViolation, ed.Name))
	}
}

// replyOldValue answers a mutating event that would normally carry the
// prior value: returnsNull (the CSP's putReturnsNull/removeReturnsNull flag)
// forces a null reply regardless of whether a prior value existed, matching
// the spec's "mutating events omit the old value from the reply" null
// policy (§4.5).
func (d *Dispatcher) replyOldValue(tid int64, returnsNull bool, old []byte, existed bool) {
	if returnsNull || !existed {
		d.replyValue(tid, Null())
		return
	}
	d.replyValue(tid, VBytes(old))
}

// handlePut sets key unconditionally. Its reply carries no value — "getAnd"
// is the mutating family's way to ask for the prior value.
func (d *Dispatcher) handlePut(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	view.Store.Put(key, value)
	view.Replication.OnChange(key, false, nowMillis())
	d.replyValue(tid, Null())
}

func (d *Dispatcher) handleGet(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	v, _ := view.Store.Get(key)
	d.replyValue(tid, VBytes(v))
}

// handleRemove deletes key unconditionally. Like put, its reply carries no
// value.
func (d *Dispatcher) handleRemove(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	view.Store.Remove(key)
	view.Replication.OnChange(key, true, nowMillis())
	d.replyValue(tid, Null())
}

func (d *Dispatcher) handleGetAndPut(tid int64, csp *CSP, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	old, existed := view.Store.Get(key)
	view.Store.Put(key, value)
	view.Replication.OnChange(key, false, nowMillis())
	d.replyOldValue(tid, csp.PutReturnsNull, old, existed)
}

func (d *Dispatcher) handleGetAndRemove(tid int64, csp *CSP, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	old, existed := view.Store.Remove(key)
	view.Replication.OnChange(key, true, nowMillis())
	d.replyOldValue(tid, csp.RemoveReturnsNull, old, existed)
}

func (d *Dispatcher) handlePutIfAbsent(tid int64, csp *CSP, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	prev, existed := view.Store.PutIfAbsent(key, value)
	if !existed {
		view.Replication.OnChange(key, false, nowMillis())
	}
	d.replyOldValue(tid, csp.PutReturnsNull, prev, existed)
}

// handleReplace sets key to value only if it is currently present, CAS-
// looping against a concurrent writer the same way replaceForOld does, and
// reports the value it replaced.
func (d *Dispatcher) handleReplace(tid int64, csp *CSP, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	for {
		old, ok := view.Store.Get(key)
		if !ok {
			d.replyValue(tid, Null())
			return
		}
		if view.Store.ReplaceIfEqual(key, old, value) {
			view.Replication.OnChange(key, false, nowMillis())
			d.replyOldValue(tid, csp.PutReturnsNull, old, true)
			return
		}
	}
}

func (d *Dispatcher) handleReplaceForOld(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	oldValue, err := requireBytes(ed, "oldValue")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	newValue, err := requireBytes(ed, "newValue")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	ok := view.Store.ReplaceIfEqual(key, oldValue, newValue)
	if ok {
		view.Replication.OnChange(key, false, nowMillis())
	}
	d.replyValue(tid, VBool(ok))
}

func (d *Dispatcher) handleRemoveWithValue(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	ok := view.Store.RemoveIfEqual(key, value)
	if ok {
		view.Replication.OnChange(key, true, nowMillis())
	}
	d.replyValue(tid, VBool(ok))
}

func (d *Dispatcher) handleContainsKey(tid int64, view *View, ed EventDocument) {
	key, err := requireString(ed, "key")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	_, ok := view.Store.Get(key)
	d.replyValue(tid, VBool(ok))
}

func (d *Dispatcher) handleContainsValue(tid int64, view *View, ed EventDocument) {
	value, err := requireBytes(ed, "value")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	d.replyValue(tid, VBool(view.Store.ContainsValue(value)))
}

func (d *Dispatcher) handleKeySet(tid int64, csp *CSP, view *View) {
	d.replyCollection(tid, csp, view, "keySet")
}

func (d *Dispatcher) handleValues(tid int64, csp *CSP, view *View) {
	d.replyCollection(tid, csp, view, "values")
}

func (d *Dispatcher) handleEntrySet(tid int64, csp *CSP, view *View) {
	d.replyCollection(tid, csp, view, "entrySet")
}

func (d *Dispatcher) handleSize(tid int64, view *View) {
	d.replyValue(tid, VInt32(int32(view.Store.Size())))
}

func (d *Dispatcher) handleClear(tid int64, view *View) {
	for _, k := range view.Store.Keys() {
		view.Store.Remove(k)
		view.Replication.OnChange(k, true, nowMillis())
	}
	d.replyValue(tid, Null())
}

// handleRegisterSubscriber registers tid as a long-lived subscription and
// replies once with the view's current contents as a non-terminal push,
// matching the spec's "subscription begins with the current snapshot" flow
// (§6). That snapshot is the only push: no code publishes later map changes
// (local writes or replication applies) to a map subscription, which stays
// registered until unRegisterSubscriber terminates it.
func (d *Dispatcher) handleRegisterSubscriber(tid int64, csp *CSP, view *View) {
	sub := d.subs.Register(tid, csp.Raw, SubKindMap)
	docs := make([]Document, 0, view.Store.Size())
	for _, k := range view.Store.Keys() {
		v, _ := view.Store.Get(k)
		docs = append(docs, NewDocument(
			Field{Name: "key", Value: VString(k)},
			Field{Name: "value", Value: VBytes(v)},
		))
	}
	snapshot := EventDocument{Name: "snapshot", Args: NewDocument(Field{Name: "entries", Value: VSeq(docs...)})}
	if err := d.mux.SendReply(sub.TID, snapshot, false); err != nil {
		d.log.WithError(err).Warn("dispatch: failed to send subscribe snapshot")
	}
}
