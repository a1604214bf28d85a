package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beacon/protocol"
)

var (
	// ErrConnClosed resolves every Pending that is still outstanding
	// when the connection is closed or fails.
	ErrConnClosed = errors.New("connection is closed")

	// ErrDesync means a reply frame arrived with no outstanding request
	// to pair it with. RESP carries no correlation IDs, so once the
	// pairing is off by one there is no way to recover it; the
	// connection is torn down like any other protocol violation.
	ErrDesync = fmt.Errorf("%w: reply frame with no outstanding request", protocol.ErrProtocol)
)

const readBufferSize = 4096

// Options configures a Dial.
type Options struct {
	// Password, when non empty, is sent as an AUTH command before Dial
	// returns. An AUTH rejection fails the whole Dial.
	Password string

	// OnError receives connection failures (at most once per connection
	// lifetime) and pub/sub handler panics. It is invoked from the
	// connection's read loop, so it must not block. Explicitly closing
	// the connection does not invoke it.
	OnError func(error)

	Log *zap.Logger
}

// Conn is one logical client connection to a RESP server.
//
// It owns exactly one socket, one streaming decoder, one FIFO of
// outstanding commands and one pub/sub subscription registry. All
// decode, classify and dispatch work happens on a single read loop
// goroutine, which is what makes arrival order a sufficient correlation
// mechanism. Commands never block the caller: Do returns a Pending that
// the read loop resolves.
//
// A Conn is safe for concurrent use. Once it has failed or been closed
// it never recovers; reconnection is the caller's policy, not ours.
type Conn struct {
	// writeMu serializes writers. It is held across the pending-queue
	// append and the socket write together, so queue order always
	// equals wire order. The read loop never takes it: a writer stuck
	// on a full send buffer must not stall reply dispatch.
	writeMu sync.Mutex

	// mu guards the pending queue and the closed state. It is only
	// ever held for pointer shuffling, never across I/O. Lock order is
	// writeMu before mu; teardown and the read loop take mu alone.
	mu       sync.Mutex
	conn     net.Conn
	pending  []*Pending
	closed   bool
	closeErr error

	router *router

	// done is closed on teardown, whatever the cause.
	done chan struct{}

	errOnce sync.Once
	onError func(error)

	log *zap.Logger
}

// Dial connects to a RESP server at addr (host:port).
//
// When Options.Password is set the AUTH exchange completes before Dial
// returns, so a returned Conn is always ready for traffic.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	var dialer net.Dialer

	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &Conn{
		conn:    nc,
		done:    make(chan struct{}),
		onError: opts.OnError,
		log:     log,
	}
	c.router = newRouter(c, log.Named("pubsub"))

	if opts.Password != "" {
		if err := c.auth(ctx, opts.Password); err != nil {
			nc.Close()
			return nil, fmt.Errorf("AUTH failed: %w", err)
		}
	}

	go c.readLoop()

	return c, nil
}

// auth performs the AUTH round trip synchronously. The read loop hasn't
// started yet, so nothing else can interleave on the socket.
func (c *Conn) auth(ctx context.Context, password string) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := protocol.WriteCommand(c.conn, []byte("AUTH"), []byte(password)); err != nil {
		return err
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return err
		}

		dec.Feed(buf[:n])

		v, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if ok {
			return v.ErrorOrNil()
		}
	}
}

// Do sends a command and returns its completion handle without waiting
// for the reply. Pipelining is just calling Do repeatedly before
// Wait-ing: replies resolve handles strictly in send order.
func (c *Conn) Do(name string, args ...[]byte) *Pending {
	p := newPending()

	cmd := make([][]byte, 0, len(args)+1)
	cmd = append(cmd, []byte(name))
	cmd = append(cmd, args...)
	buf := protocol.AppendCommand(nil, cmd...)

	c.writeMu.Lock()

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		c.writeMu.Unlock()
		p.resolve(protocol.Value{}, err)
		return p
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	// If teardown races this write it resolves p for us and closes the
	// socket, which also unblocks the Write below.
	_, err := c.conn.Write(buf)
	c.writeMu.Unlock()

	if err != nil {
		c.fail(fmt.Errorf("failed to write command %s: %w", name, err))
	}

	return p
}

// Command sends a command and waits for its reply.
func (c *Conn) Command(ctx context.Context, name string, args ...[]byte) (protocol.Value, error) {
	return c.Do(name, args...).Wait(ctx)
}

// writeRaw writes a command that must not consume a reply slot. The
// pub/sub path uses it: subscribe acknowledgements are routed by shape,
// not by queue position.
func (c *Conn) writeRaw(args ...[]byte) error {
	buf := protocol.AppendCommand(nil, args...)

	c.writeMu.Lock()

	if err := c.closedState(); err != nil {
		c.writeMu.Unlock()
		return err
	}

	_, err := c.conn.Write(buf)
	c.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("failed to write %s: %w", args[0], err)
		c.fail(err)
	}

	return err
}

// closedState returns the teardown cause if the connection is closed,
// nil otherwise.
func (c *Conn) closedState() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		return nil
	}

	return c.closeErr
}

// Close shuts the connection down and resolves every outstanding
// Pending with ErrConnClosed. It is idempotent and does not invoke
// OnError.
func (c *Conn) Close() error {
	c.teardown(ErrConnClosed, false)
	return nil
}

// Done is closed once the connection has been closed or has failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// fail tears the connection down because of cause. Unlike Close it
// reports cause through OnError.
func (c *Conn) fail(cause error) {
	c.teardown(cause, true)
}

func (c *Conn) teardown(cause error, notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	c.closeErr = cause
	outstanding := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Unblocks the read loop if it's sitting in a Read.
	if err := c.conn.Close(); err != nil {
		c.log.Debug("Socket did not close cleanly", zap.Error(err))
	}

	c.router.clear()

	for _, p := range outstanding {
		p.resolve(protocol.Value{}, cause)
	}

	if notify && c.onError != nil {
		c.errOnce.Do(func() { c.onError(cause) })
	}

	close(c.done)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeErr != nil {
		return c.closeErr
	}

	return ErrConnClosed
}

// reportHandlerError surfaces a pub/sub handler failure without
// terminating the connection. These intentionally bypass errOnce: the
// once-only guarantee is for the fatal error that ends the connection.
func (c *Conn) reportHandlerError(err error) {
	c.log.Error("Pub/sub handler failed", zap.Error(err))

	if c.onError != nil {
		c.onError(err)
	}
}

// readLoop is the connection's single execution context: it reads
// whatever the socket delivers, feeds the decoder, and classifies each
// complete frame as either a pub/sub push or the reply to the oldest
// outstanding command.
func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	dec := protocol.NewDecoder()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.conn.Read(buf)

		if n > 0 {
			dec.Feed(buf[:n])

			if derr := c.dispatchBuffered(dec); derr != nil {
				log.Warn("Stream is unrecoverable, closing connection", zap.Error(derr))
				c.fail(derr)
				return
			}
		}

		if err != nil {
			if c.isClosed() {
				// Teardown already ran; the Read failure is our own
				// Close unblocking us.
				return
			}

			log.Warn("Connection read failed", zap.Error(err))
			c.fail(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}
	}
}

// dispatchBuffered drains every complete frame currently buffered in
// the decoder. A returned error is always fatal to the connection.
func (c *Conn) dispatchBuffered(dec *protocol.Decoder) error {
	for {
		v, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if isPushFrame(v) {
			c.router.dispatch(v)
			continue
		}

		p, ok := c.popPending()
		if !ok {
			return ErrDesync
		}

		p.resolve(v, v.ErrorOrNil())
	}
}

func (c *Conn) popPending() (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil, false
	}

	p := c.pending[0]
	c.pending = c.pending[1:]

	return p, true
}

// isPushFrame decides whether a frame belongs to the pub/sub router
// rather than the command queue. Push frames and command replies share
// one socket and one grammar; the payload shape is the only thing that
// tells them apart: an array whose first element names a pub/sub event.
func isPushFrame(v protocol.Value) bool {
	if v.Kind != protocol.KindArray || v.Null || len(v.Elems) == 0 {
		return false
	}

	head := v.Elems[0]
	if head.Kind != protocol.KindBulkString && head.Kind != protocol.KindSimpleString {
		return false
	}

	switch string(head.Str) {
	case "message", "pmessage", "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		return true
	default:
		return false
	}
}
