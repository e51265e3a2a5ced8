package core

// Framed Channel (C1): length-prefixed framing over a single net.Conn, with
// a coalescing outbound buffer and reconnect-friendly close semantics.
// Grounded on the teacher's connection_pool.go dial/lifecycle shape and
// network.go's single-writer-per-socket discipline, generalized from a
// libp2p host to a raw TCP framed protocol.

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Channel is the full-duplex transport of framed documents over one TCP
// socket. Callers drive the read side with ReadFrame in a loop (the
// Multiplexer owns that loop); the write side is safe for concurrent use.
type Channel struct {
	conn  net.Conn
	codec Codec
	log   *logrus.Logger

	writeMu  sync.Mutex
	writeBuf []byte
	flushing bool

	lastActivity struct {
		mu sync.RWMutex
		t  time.Time
	}

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

// NewChannel wraps conn with framing and the given codec. log may be nil, in
// which case a default logrus.New() logger is used.
func NewChannel(conn net.Conn, codec Codec, log *logrus.Logger) *Channel {
	if log == nil {
		log = logrus.New()
	}
	c := &Channel{
		conn:    conn,
		codec:   codec,
		log:     log,
		closeCh: make(chan struct{}),
	}
	c.touch()
	return c
}

// Codec returns the codec this channel was constructed with.
func (c *Channel) Codec() Codec { return c.codec }

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Channel) touch() {
	c.lastActivity.mu.Lock()
	c.lastActivity.t = time.Now()
	c.lastActivity.mu.Unlock()
}

// LastActivity returns the time of the last successfully read frame.
func (c *Channel) LastActivity() time.Time {
	c.lastActivity.mu.RLock()
	defer c.lastActivity.mu.RUnlock()
	return c.lastActivity.t
}

// WriteFrame enqueues a header+payload pair onto the channel's outbound
// buffer. If another goroutine is already draining the buffer to the
// socket, this call appends and returns immediately: the in-progress drain
// picks the new bytes up on its next pass, which is how concurrent writers
// on a contended channel end up coalesced into fewer socket writes instead
// of serializing one syscall per frame. The goroutine that finds the buffer
// idle becomes the drain holder and keeps writing until the buffer is empty
// again.
func (c *Channel) WriteFrame(h FrameHeader, payload []byte) error {
	c.writeMu.Lock()
	buf, err := appendFrame(c.writeBuf, h, payload)
	if err != nil {
		c.writeMu.Unlock()
		return err
	}
	c.writeBuf = buf
	if c.flushing {
		c.writeMu.Unlock()
		return nil
	}
	c.flushing = true
	c.writeMu.Unlock()

	return c.drain()
}

func (c *Channel) drain() error {
	for {
		c.writeMu.Lock()
		if len(c.writeBuf) == 0 {
			c.flushing = false
			c.writeMu.Unlock()
			return nil
		}
		chunk := c.writeBuf
		c.writeBuf = nil
		c.writeMu.Unlock()

		if _, err := c.conn.Write(chunk); err != nil {
			c.writeMu.Lock()
			c.flushing = false
			c.writeMu.Unlock()
			closeErr := fmt.Errorf("core: channel write: %w", err)
			c.Close(closeErr)
			return closeErr
		}
	}
}

// ReadFrame reads the next header+payload pair, blocking until one arrives
// or the connection fails. Only the owning reader goroutine should call
// this (spec §4.1: one dedicated read task per channel).
func (c *Channel) ReadFrame() (FrameHeader, []byte, error) {
	h, payload, err := ReadFrame(c.conn)
	if err != nil {
		closeErr := fmt.Errorf("core: channel read: %w", err)
		c.Close(closeErr)
		return FrameHeader{}, nil, closeErr
	}
	c.touch()
	return h, payload, nil
}

// Close shuts the channel down idempotently, releasing the socket and
// waking anything selecting on Done. The first error passed wins and is
// later returned by Err.
func (c *Channel) Close(err error) error {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.closeErr = err
		_ = c.conn.Close()
		close(c.closeCh)
		c.log.WithError(err).Debug("channel closed")
	})
	return nil
}

// Done returns a channel closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.closeCh }

// Err returns the error that caused the channel to close, or nil if it is
// still open.
func (c *Channel) Err() error {
	select {
	case <-c.closeCh:
		return c.closeErr
	default:
		return nil
	}
}
