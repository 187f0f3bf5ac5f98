// Package transport opens remote channels: a byte stream that ends in a
// helper process (netcat by default) running inside a container, which in
// turn connects to the forwarded destination.
//
// Every backend shells out to, or streams through, the orchestration
// platform's exec facility.  Backends only differ in how the process is
// started and torn down; the Channel they return behaves the same.
package transport

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// State is the lifecycle phase of a channel.
type State int32

const (
	Opening State = iota
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Channel is a bidirectional byte stream to a remote helper process.
// Reads return the helper's stdout; writes feed its stdin.
type Channel interface {
	io.ReadWriteCloser

	// CloseWrite signals end of input to the remote helper while still
	// allowing its remaining output to be read.
	CloseWrite() error

	// Kill terminates the remote helper without waiting for it to exit.
	// It is safe to call concurrently with Close.
	Kill() error

	// Command is the helper command line, for diagnostics.
	Command() string

	// State reports the channel's lifecycle phase.
	State() State
}

// Identity selects the container a channel runs in.
type Identity struct {
	Cluster   string
	Task      string
	Container string // empty selects the platform default
}

func (id Identity) String() string {
	s := id.Cluster + "/" + id.Task
	if id.Container != "" {
		s += "/" + id.Container
	}
	return s
}

// Destination is where the remote helper connects to.
type Destination struct {
	Host string
	Port int
}

func (d Destination) String() string {
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// Opener starts remote channels.  Open blocks until the channel is ready
// to carry payload bytes, ctx is cancelled, or the open fails.  Failures
// are reported as *errors.ChannelError.
type Opener interface {
	Open(ctx context.Context, id Identity, dest Destination) (Channel, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, id Identity, dest Destination) (Channel, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, id Identity, dest Destination) (Channel, error) {
	return f(ctx, id, dest)
}

// stateCell is an atomic State shared by the backends.
type stateCell struct{ v atomic.Int32 }

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }

// finish moves the cell to s unless it is already terminal.
func (c *stateCell) finish(s State) {
	for {
		cur := c.v.Load()
		if State(cur) == Closed || State(cur) == Failed {
			return
		}
		if c.v.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// tailBuffer keeps the last max bytes written to it.  It collects the
// diagnostic stream of a helper so failures can quote it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

const stderrTail = 4096

func describe(id Identity, dest Destination) string {
	return fmt.Sprintf("%s -> %s", id, dest)
}
