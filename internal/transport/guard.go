package transport

import (
	"context"
	"io"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/retry"
)

// Guard returns an Opener that stops calling op while breaker is open.
// Refused opens fail with a ChannelError wrapping retry.ErrOpen.  Opens
// abandoned because ctx ended do not count as failures.
func Guard(op Opener, breaker *retry.Breaker) Opener {
	return &guardedOpener{op: op, breaker: breaker}
}

type guardedOpener struct {
	op      Opener
	breaker *retry.Breaker
}

func (g *guardedOpener) Open(ctx context.Context, id Identity, dest Destination) (Channel, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, &tunerr.ChannelError{Op: "exec", Target: describe(id, dest), Err: err}
	}
	ch, err := g.op.Open(ctx, id, dest)
	if err != nil && ctx.Err() != nil {
		g.breaker.Release()
		return nil, err
	}
	g.breaker.Record(err)
	return ch, err
}

// Close closes the wrapped opener if it holds resources.
func (g *guardedOpener) Close() error {
	if c, ok := g.op.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
