package core

// Topic event handlers (spec §6): a topic is a fire-and-forget broadcast
// channel layered over the same CSP/TID machinery as a map-view
// subscription — publishing under a topic's CSP fans the message out to
// every TID currently subscribed to it. Grounded on the teacher's
// MessageQueue Enqueue/BroadcastNext split (core/messages.go): one side
// appends, the other drains and ships. Unsubscription is handled generically
// by Dispatcher.Handle's unRegisterSubscriber case, which calls
// TopicBroker.unsubscribeAll before sending the subscription's terminal
// document.

import (
	"fmt"
	"sync"
)

func isTopicEvent(name string) bool {
	switch name {
	case "publish", "registerTopicSubscriber":
		return true
	}
	return false
}

// TopicBroker tracks which TIDs are subscribed to which topic name within
// one view's CSP.
type TopicBroker struct {
	mu     sync.Mutex
	topics map[string]map[int64]bool
}

func newTopicBroker() *TopicBroker {
	return &TopicBroker{topics: make(map[string]map[int64]bool)}
}

func (b *TopicBroker) subscribe(topic string, tid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[int64]bool)
		b.topics[topic] = subs
	}
	subs[tid] = true
}

func (b *TopicBroker) subscribers(topic string) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, len(b.topics[topic]))
	for tid := range b.topics[topic] {
		out = append(out, tid)
	}
	return out
}

// unsubscribeAll removes tid from every topic it is subscribed to. A
// subscriber's topic membership isn't tracked by topic name alone, so
// tearing one down on unRegisterSubscriber means scanning every topic —
// acceptable since topic counts are small relative to subscriber churn.
func (b *TopicBroker) unsubscribeAll(tid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.topics {
		delete(subs, tid)
	}
}

func (d *Dispatcher) dispatchTopicEvent(tid int64, csp *CSP, view *View, ed EventDocument) {
	switch ed.Name {
	case "publish":
		d.handlePublish(tid, csp, ed)
	case "registerTopicSubscriber":
		d.handleRegisterTopicSubscriber(tid, csp, ed)
	default:
		d.protocolViolation(tid, fmt.Errorf("%w: unhandled topic event %q", ErrProtocolViolation, ed.Name))
	}
	_ = view
}

func (d *Dispatcher) handlePublish(tid int64, csp *CSP, ed EventDocument) {
	topic, err := requireString(ed, "topic")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	message, err := requireBytes(ed, "message")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	out := EventDocument{Name: "message", Args: NewDocument(
		Field{Name: "topic", Value: VString(topic)},
		Field{Name: "message", Value: VBytes(message)},
	)}
	for _, subTID := range d.topics.subscribers(csp.WithView(csp.View) + "#" + topic) {
		if err := d.subs.Publish(subTID, out); err != nil {
			d.log.WithError(err).WithField("tid", subTID).Warn("dispatch: failed to publish to topic subscriber")
		}
	}
	d.replyValue(tid, Null())
}

// handleRegisterTopicSubscriber registers tid as a long-lived topic
// subscription (spec §4.5). Its terminal document — onEndOfSubscription,
// rather than the map family's reply: null — is decided by SubKindTopic and
// sent by SubscriptionRegistry.Terminate when unRegisterSubscriber arrives.
func (d *Dispatcher) handleRegisterTopicSubscriber(tid int64, csp *CSP, ed EventDocument) {
	topic, err := requireString(ed, "topic")
	if err != nil {
		d.protocolViolation(tid, err)
		return
	}
	d.subs.Register(tid, csp.Raw, SubKindTopic)
	d.topics.subscribe(csp.WithView(csp.View)+"#"+topic, tid)
}
