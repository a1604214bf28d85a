package client

import (
	"context"
	"sync"

	"github.com/luma/beacon/protocol"
)

type outcome struct {
	value protocol.Value
	err   error
}

// Pending is the completion handle for one in-flight command.
//
// RESP has no request IDs; a reply is matched to its command purely by
// arrival order, so a Pending is created when the command bytes are
// written and resolved by the connection's read loop when the matching
// reply frame is classified. Exactly one outcome is ever delivered,
// whether that is the reply, a server error, or a connection failure.
type Pending struct {
	once sync.Once
	ch   chan outcome
}

func newPending() *Pending {
	return &Pending{ch: make(chan outcome, 1)}
}

// Wait blocks until the command's reply arrives, the connection dies,
// or ctx is done.
//
// A RESP error frame is returned both as the raw Value and as a
// *protocol.ServerError; server errors are scoped to this command and
// say nothing about the connection. Any other error means the reply
// will never arrive.
func (p *Pending) Wait(ctx context.Context) (protocol.Value, error) {
	select {
	case out := <-p.ch:
		return out.value, out.err

	case <-ctx.Done():
		return protocol.Value{}, ctx.Err()
	}
}

// resolve delivers the outcome. Duplicate deliveries are dropped so a
// reply racing a connection teardown settles the handle exactly once.
func (p *Pending) resolve(v protocol.Value, err error) {
	p.once.Do(func() {
		p.ch <- outcome{value: v, err: err}
	})
}
