package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/beacon/internal/glob"
	"github.com/luma/beacon/protocol"
)

var ErrNoChannels = errors.New("subscribe needs at least one channel or pattern")

// MessageHandler receives one published message. channel is the actual
// channel the message was published to, even for pattern subscriptions.
//
// Handlers run on the connection's read loop: a handler that blocks
// stalls every command reply and every other channel on this
// connection. Hand long work off to another goroutine.
type MessageHandler func(channel string, payload protocol.Value)

// Subscription is the handle returned by Subscribe and PSubscribe. It
// ties one handler to a set of channel names or patterns until
// Unsubscribe is called or the connection ends.
type Subscription struct {
	conn    *Conn
	pattern bool
	names   []string
	handler MessageHandler
}

// Names returns the channels or patterns this subscription covers.
func (s *Subscription) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Matches reports whether a published channel name would be delivered
// to this subscription: exact equality for channel subscriptions, glob
// matching for pattern subscriptions.
func (s *Subscription) Matches(channel string) bool {
	for _, name := range s.names {
		if s.pattern {
			if glob.Match(name, channel) {
				return true
			}
		} else if name == channel {
			return true
		}
	}

	return false
}

// Unsubscribe removes the subscription's handler. Names left with no
// other handler are unsubscribed on the wire as well. Unsubscribing
// twice is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	verb, ackVerb := "UNSUBSCRIBE", "unsubscribe"
	if s.pattern {
		verb, ackVerb = "PUNSUBSCRIBE", "punsubscribe"
	}

	orphaned := s.conn.router.unregister(s)
	if len(orphaned) == 0 {
		return nil
	}

	return s.conn.sendSubscribeCmd(ctx, verb, ackVerb, orphaned)
}

// Subscribe registers handler for every named channel and issues the
// SUBSCRIBE on the wire. It returns once the server has acknowledged
// every channel. Multiple subscriptions may target the same channel;
// each gets its own handler invocation per message.
func (c *Conn) Subscribe(ctx context.Context, channels []string, handler MessageHandler) (*Subscription, error) {
	return c.subscribe(ctx, false, channels, handler)
}

// PSubscribe is Subscribe for glob-style channel patterns (see the
// internal/glob package for the accepted syntax).
func (c *Conn) PSubscribe(ctx context.Context, patterns []string, handler MessageHandler) (*Subscription, error) {
	return c.subscribe(ctx, true, patterns, handler)
}

func (c *Conn) subscribe(ctx context.Context, pattern bool, names []string, handler MessageHandler) (*Subscription, error) {
	if len(names) == 0 {
		return nil, ErrNoChannels
	}

	verb, ackVerb := "SUBSCRIBE", "subscribe"
	if pattern {
		verb, ackVerb = "PSUBSCRIBE", "psubscribe"
	}

	sub := &Subscription{
		conn:    c,
		pattern: pattern,
		names:   append([]string(nil), names...),
		handler: handler,
	}

	c.router.register(sub)

	if err := c.sendSubscribeCmd(ctx, verb, ackVerb, names); err != nil {
		c.router.unregister(sub)
		return nil, err
	}

	return sub, nil
}

// sendSubscribeCmd writes a (p)(un)subscribe command and waits for the
// server's per-name acknowledgement frames. The acks arrive as push
// frames consumed by the router, never through the command queue.
func (c *Conn) sendSubscribeCmd(ctx context.Context, verb, ackVerb string, names []string) error {
	acks := make([]<-chan struct{}, len(names))
	for i, name := range names {
		acks[i] = c.router.expectAck(ackVerb, name)
	}

	args := make([][]byte, 0, len(names)+1)
	args = append(args, []byte(verb))
	for _, name := range names {
		args = append(args, []byte(name))
	}

	if err := c.writeRaw(args...); err != nil {
		return err
	}

	for i, ack := range acks {
		select {
		case <-ack:

		case <-c.done:
			return c.closedErr()

		case <-ctx.Done():
			return fmt.Errorf("waiting for %s ack of %q: %w", verb, names[i], ctx.Err())
		}
	}

	return nil
}

// router owns the channel-name-to-handler registry and consumes every
// push frame the read loop classifies as pub/sub traffic.
type router struct {
	conn *Conn
	log  *zap.Logger

	mu       sync.Mutex
	channels map[string][]*Subscription
	patterns map[string][]*Subscription

	// acks holds one-shot channels waiting for (p)(un)subscribe
	// acknowledgements, keyed by verb and name, FIFO per key.
	acks map[string][]chan struct{}
}

func newRouter(conn *Conn, log *zap.Logger) *router {
	return &router{
		conn:     conn,
		log:      log,
		channels: make(map[string][]*Subscription),
		patterns: make(map[string][]*Subscription),
		acks:     make(map[string][]chan struct{}),
	}
}

func (r *router) register(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registry := r.registryFor(sub)
	for _, name := range sub.names {
		registry[name] = append(registry[name], sub)
	}
}

// unregister removes the subscription and returns the names that are
// left with no handler at all.
func (r *router) unregister(sub *Subscription) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	registry := r.registryFor(sub)
	orphaned := make([]string, 0, len(sub.names))

	for _, name := range sub.names {
		subs := registry[name]
		kept := subs[:0]
		for _, other := range subs {
			if other != sub {
				kept = append(kept, other)
			}
		}

		if len(kept) == len(subs) {
			// Already removed; keep Unsubscribe idempotent.
			continue
		}

		if len(kept) == 0 {
			delete(registry, name)
			orphaned = append(orphaned, name)
		} else {
			registry[name] = kept
		}
	}

	return orphaned
}

func (r *router) registryFor(sub *Subscription) map[string][]*Subscription {
	if sub.pattern {
		return r.patterns
	}
	return r.channels
}

// expectAck registers interest in the next acknowledgement frame for
// verb/name. The returned channel is closed when it arrives.
func (r *router) expectAck(verb, name string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan struct{})
	key := verb + " " + name
	r.acks[key] = append(r.acks[key], ch)

	return ch
}

func (r *router) ack(verb, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := verb + " " + name
	queue := r.acks[key]
	if len(queue) == 0 {
		// Server-initiated, e.g. an unsubscribe ack after teardown
		// raced an explicit one. Nothing is waiting; drop it.
		return
	}

	close(queue[0])
	if len(queue) == 1 {
		delete(r.acks, key)
	} else {
		r.acks[key] = queue[1:]
	}
}

// clear drops all registry state on connection teardown. Goroutines
// blocked on an ack observe the connection's done channel instead.
func (r *router) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.channels = make(map[string][]*Subscription)
	r.patterns = make(map[string][]*Subscription)
	r.acks = make(map[string][]chan struct{})
}

// dispatch consumes one push frame. It runs on the connection's read
// loop; handler invocations are synchronous.
func (r *router) dispatch(v protocol.Value) {
	verb := string(v.Elems[0].Bytes())

	switch verb {
	case "message":
		if len(v.Elems) != 3 {
			r.log.Warn("Dropping malformed message frame", zap.Int("elements", len(v.Elems)))
			return
		}
		channel := string(v.Elems[1].Bytes())
		r.deliver(r.snapshot(r.channels, channel), channel, v.Elems[2])

	case "pmessage":
		if len(v.Elems) != 4 {
			r.log.Warn("Dropping malformed pmessage frame", zap.Int("elements", len(v.Elems)))
			return
		}
		pattern := string(v.Elems[1].Bytes())
		channel := string(v.Elems[2].Bytes())
		r.deliver(r.snapshot(r.patterns, pattern), channel, v.Elems[3])

	case "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		if len(v.Elems) < 2 {
			r.log.Warn("Dropping malformed ack frame", zap.String("verb", verb))
			return
		}
		r.ack(verb, string(v.Elems[1].Bytes()))

	default:
		// isPushFrame only routes the verbs above here.
		r.log.Warn("Dropping unroutable push frame", zap.String("verb", verb))
	}
}

// snapshot copies the handler list for a name so dispatch doesn't hold
// the lock while user code runs.
func (r *router) snapshot(registry map[string][]*Subscription, name string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Subscription(nil), registry[name]...)
}

// deliver invokes every matching handler. One panicking handler must
// not take down the read loop or starve its siblings, so each
// invocation is fenced with a recover and failures are reported through
// the connection's error callback.
func (r *router) deliver(subs []*Subscription, channel string, payload protocol.Value) {
	for _, sub := range subs {
		r.invoke(sub, channel, payload)
	}
}

func (r *router) invoke(sub *Subscription, channel string, payload protocol.Value) {
	defer func() {
		if rec := recover(); rec != nil {
			r.conn.reportHandlerError(
				fmt.Errorf("pub/sub handler for channel %q panicked: %v", channel, rec))
		}
	}()

	sub.handler(channel, payload)
}
