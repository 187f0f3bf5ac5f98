// Package session represents a single bridged connection: one accepted
// local socket paired with exactly one remote channel.
//
// A Session moves through Connecting → Bridging → Closing → Closed.
// Close is idempotent and closes both endpoints; concurrent callers all
// block until the session is terminal.  Kill force-terminates the remote
// side and may be called while a cooperative Close is still waiting.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ecstunnel/internal/transport"
	"ecstunnel/util"
)

// State is the lifecycle phase of a session.
type State int32

const (
	Connecting State = iota
	Bridging
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Bridging:
		return "bridging"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Attach when the session was closed while its
// channel was still being opened.
var ErrClosed = errors.New("session closed")

// Session encapsulates the runtime state of one forwarded connection.
type Session struct {
	ID      string
	Forward string // label of the owning forward, for diagnostics
	Local   net.Conn
	Logger  *util.Logger
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	channel transport.Channel

	bytesIn  atomic.Int64 // remote → local
	bytesOut atomic.Int64 // local → remote

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New creates a session in the Connecting state.  The session's context
// is derived from parent and is cancelled as soon as Close or Kill is
// called, which aborts a channel open that is still in flight.
func New(parent context.Context, local net.Conn, forward string, logger *util.Logger) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	if logger == nil {
		logger = util.Discard()
	}
	return &Session{
		ID:      id,
		Forward: forward,
		Local:   local,
		Logger:  logger.With(id[:8]),
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		state:   Connecting,
		done:    make(chan struct{}),
	}
}

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the attached remote channel, or nil while connecting.
func (s *Session) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Attach hands ownership of ch to the session and moves it to Bridging.
// If the session is already closing, ch is closed and ErrClosed returned.
func (s *Session) Attach(ch transport.Channel) error {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		ch.Close() //nolint:errcheck
		return ErrClosed
	}
	s.channel = ch
	s.state = Bridging
	s.mu.Unlock()
	return nil
}

// MarkClosing records that one side of the bridge has ended.
func (s *Session) MarkClosing() {
	s.mu.Lock()
	if s.state < Closing {
		s.state = Closing
	}
	s.mu.Unlock()
}

// AddIn records n bytes relayed from the remote channel to the local socket.
func (s *Session) AddIn(n int) { s.bytesIn.Add(int64(n)) }

// AddOut records n bytes relayed from the local socket to the remote channel.
func (s *Session) AddOut(n int) { s.bytesOut.Add(int64(n)) }

// BytesIn returns the cumulative remote → local byte count.
func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

// BytesOut returns the cumulative local → remote byte count.
func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Done is closed once the session reaches the Closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close closes the local socket and the remote channel.  The channel's
// own Close bounds how long the remote process is given to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.MarkClosing()
		s.cancel()

		var errs []error
		if err := s.Local.Close(); err != nil && !util.IsHarmless(err) {
			errs = append(errs, err)
		}
		if ch := s.Channel(); ch != nil {
			if err := ch.Close(); err != nil && !util.IsHarmless(err) {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)

		s.mu.Lock()
		s.state = Closed
		s.mu.Unlock()
		close(s.done)
	})
	<-s.done
	return s.closeErr
}

// Kill force-terminates the remote channel and shuts the local socket
// without waiting.  A pending or later Close still completes normally.
func (s *Session) Kill() {
	s.MarkClosing()
	s.cancel()
	if tc, ok := s.Local.(*net.TCPConn); ok {
		tc.SetLinger(0) //nolint:errcheck
	}
	s.Local.Close() //nolint:errcheck
	if ch := s.Channel(); ch != nil {
		ch.Kill() //nolint:errcheck
	}
}
