package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/metrics"
	"ecstunnel/internal/session"
	"ecstunnel/internal/transport"
	"ecstunnel/util"
)

const (
	// DefaultShutdownTimeout is the cooperative close grace period.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultDrainTimeout bounds the surviving direction after a half-close.
	DefaultDrainTimeout = 5 * time.Second

	// killGrace is how long a killed session may take to report closed.
	killGrace = time.Second
)

// Options configures an Engine.
type Options struct {
	Opener       transport.Opener
	Logger       *util.Logger
	Metrics      *metrics.Collector
	DrainTimeout time.Duration
	ListenHost   string // util.LoopbackHost when empty
}

// Engine owns every forward and coordinates shutdown.
type Engine struct {
	opener       transport.Opener
	logger       *util.Logger
	metrics      *metrics.Collector
	drainTimeout time.Duration
	listenHost   string

	reg    *registry
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewEngine creates an engine with no forwards.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = util.Discard()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.ListenHost == "" {
		opts.ListenHost = util.LoopbackHost
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opener:       opts.Opener,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		drainTimeout: opts.DrainTimeout,
		listenHost:   opts.ListenHost,
		reg:          newRegistry(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// AddForward validates spec, binds its listener and starts accepting.
// A port already forwarded by this engine is a ConfigError wrapping
// ErrDuplicatePort, and leaves the existing forward untouched.  Bind
// failures are returned as *errors.NetworkError.
func (e *Engine) AddForward(spec Spec) (*Forwarder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if e.opener == nil {
		return nil, fmt.Errorf("engine has no channel opener")
	}
	if err := e.reg.reserve(spec.LocalPort); err != nil {
		return nil, err
	}

	addr := util.FormatAddr(e.listenHost, spec.LocalPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		e.reg.release(spec.LocalPort)
		return nil, tunerr.Wrap("listen", addr, err)
	}

	f := newForwarder(e, spec, ln)
	if err := e.reg.bind(f); err != nil {
		ln.Close()
		return nil, err
	}
	go f.serve()

	e.logger.Verbose("forward %s listening on %s", spec, ln.Addr())
	return f, nil
}

// RemoveForward closes the forward on port: its listener first, then
// its sessions, each given up to timeout to close cooperatively.
func (e *Engine) RemoveForward(port int, timeout time.Duration) error {
	f, sessions := e.reg.unbind(port)
	if f == nil {
		return fmt.Errorf("forward on port %d: %w", port, tunerr.ErrNotFound)
	}
	deadline := time.Now().Add(timeout)
	f.stop()
	e.closeSessions(sessions, timeout)
	if !f.wait(time.Until(deadline) + killGrace) {
		f.logger.Warn("connection handlers still running after %v", timeout)
	}
	e.reg.forget(f)
	e.logger.Verbose("forward %s removed", f.spec)
	return nil
}

// ForwardInfo describes one active forward.
type ForwardInfo struct {
	Spec     Spec
	Addr     string
	Sessions int
	Since    time.Time
}

// Forwards returns the active forwards ordered by local port.
func (e *Engine) Forwards() []ForwardInfo {
	fs := e.reg.active()
	out := make([]ForwardInfo, 0, len(fs))
	for _, f := range fs {
		out = append(out, ForwardInfo{
			Spec:     f.spec,
			Addr:     f.ln.Addr().String(),
			Sessions: e.reg.sessionCount(f),
			Since:    f.started,
		})
	}
	return out
}

// Close stops every accept loop, then closes every session, waiting up
// to timeout for channels to terminate before killing the rest.  It is
// idempotent; later calls return the first call's result.
func (e *Engine) Close(timeout time.Duration) error {
	e.closeOnce.Do(func() {
		e.closeErr = e.shutdown(timeout)
	})
	return e.closeErr
}

func (e *Engine) shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	forwards, sessions := e.reg.drain()
	for _, f := range forwards {
		f.stop()
	}
	e.logger.Debug("listeners closed; closing %d session(s)", len(sessions))

	e.closeSessions(sessions, timeout)
	e.cancel()

	for _, f := range forwards {
		if !f.wait(time.Until(deadline) + killGrace) {
			f.logger.Warn("connection handlers still running at shutdown")
		}
	}
	e.reg.clear()

	if c, ok := e.opener.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// closeSessions closes sessions concurrently.  Those still open after
// timeout are killed and logged; this is never an error.
func (e *Engine) closeSessions(sessions []*session.Session, timeout time.Duration) {
	if len(sessions) == 0 {
		return
	}
	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Debug("session close: %v", err)
		}
		return
	case <-timer.C:
	}

	for _, s := range sessions {
		if s.State() == session.Closed {
			continue
		}
		s.Kill()
		e.metrics.ForcedKill()
		s.Logger.Warn("killed: %v", tunerr.ErrShutdownTimeout)
	}

	select {
	case <-done:
	case <-time.After(killGrace):
		e.logger.Warn("some sessions did not report closed after being killed")
	}
}
