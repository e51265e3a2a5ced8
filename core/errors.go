package core

import "errors"

// Error kinds from the wire protocol's disposition table. Each is a sentinel
// so callers can use errors.Is across the reconnect/timeout/close paths.
var (
	// ErrProtocolViolation marks a null argument or unknown event name. The
	// connection is kept open; the offending request simply gets no reply.
	ErrProtocolViolation = errors.New("core: protocol violation")

	// ErrTimeout marks a synchronous waiter that was cancelled by its
	// deadline before a reply arrived.
	ErrTimeout = errors.New("core: request timed out")

	// ErrConnectionClosed marks a channel that stopped delivering frames,
	// either because of an IO error or an explicit Close.
	ErrConnectionClosed = errors.New("core: connection closed")

	// ErrAssertionViolation marks an invariant break inside the replication
	// engine (a CAS loop observing an impossible state). It is fatal to the
	// owning session.
	ErrAssertionViolation = errors.New("core: assertion violation")

	// ErrSubscriberInvalid is returned by SubscriptionRegistry.Publish when
	// no subscription is registered under the target tid. Returning it tears
	// nothing down and sends no terminal reply.
	ErrSubscriberInvalid = errors.New("core: subscriber invalid")

	// ErrUnknownCID is returned when a request names a CID that was never
	// bound to a CSP on this connection.
	ErrUnknownCID = errors.New("core: unknown cid")

	// ErrViewClosed is returned by a set-proxy operation after its backing
	// view has been dropped.
	ErrViewClosed = errors.New("core: view closed")
)
