package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/retry"
	"ecstunnel/internal/session"
	"ecstunnel/util"
)

// proxyHeadTimeout bounds how long a proxy client may take to send its
// request head.
const proxyHeadTimeout = 30 * time.Second

// Forwarder owns one listening socket.  Its accept loop runs on its own
// goroutine; each accepted connection is handled on another.
type Forwarder struct {
	spec    Spec
	ln      net.Listener
	engine  *Engine
	logger  *util.Logger
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	acceptDone chan struct{}
	handlers   sync.WaitGroup
	stopOnce   sync.Once
}

func newForwarder(e *Engine, spec Spec, ln net.Listener) *Forwarder {
	ctx, cancel := context.WithCancel(e.ctx)
	return &Forwarder{
		spec:       spec,
		ln:         ln,
		engine:     e,
		logger:     e.logger.With(fmt.Sprintf(":%d", spec.LocalPort)),
		started:    time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
	}
}

// Spec returns the forward as it was configured.
func (f *Forwarder) Spec() Spec { return f.spec }

// Addr returns the listening address.
func (f *Forwarder) Addr() net.Addr { return f.ln.Addr() }

// serve accepts connections until the listener is closed.
func (f *Forwarder) serve() {
	defer close(f.acceptDone)

	backoff := retry.AcceptBackoff()
	failures := 0
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || f.ctx.Err() != nil {
				return
			}
			if tunerr.IsTemporary(err) {
				failures++
				delay := backoff.Delay(failures)
				f.logger.Warn("accept: %v; retrying in %v", err, delay)
				select {
				case <-time.After(delay):
				case <-f.ctx.Done():
					return
				}
				continue
			}
			f.logger.Error("accept: %v", tunerr.Wrap("accept", f.ln.Addr().String(), err))
			return
		}
		failures = 0
		f.handlers.Add(1)
		go f.handle(conn)
	}
}

// handle runs one connection from accept to close.
func (f *Forwarder) handle(conn net.Conn) {
	defer f.handlers.Done()

	e := f.engine
	sess := session.New(f.ctx, conn, f.spec.String(), f.logger)
	if err := e.reg.addSession(f, sess); err != nil {
		conn.Close()
		return
	}
	e.metrics.SessionOpened()
	defer func() {
		sess.Close() //nolint:errcheck
		e.reg.removeSession(f, sess)
		e.metrics.SessionClosed()
		sess.Logger.Verbose("closed after %v (in=%d out=%d)",
			time.Since(sess.Started).Truncate(time.Millisecond), sess.BytesIn(), sess.BytesOut())
	}()
	sess.Logger.Verbose("accepted %s", conn.RemoteAddr())

	dest := f.spec.Destination()
	var prefix []byte
	if f.spec.Mode == ModeProxy {
		conn.SetReadDeadline(time.Now().Add(proxyHeadTimeout)) //nolint:errcheck
		req, err := readProxyRequest(conn)
		if err != nil {
			sess.Logger.Warn("proxy: %v", err)
			writeProxyError(conn, err)
			return
		}
		conn.SetReadDeadline(time.Time{}) //nolint:errcheck
		sess.Logger.Verbose("proxy %s %s", req.Method, req.Destination)
		if req.Connect {
			if _, err := io.WriteString(conn, connectEstablished); err != nil {
				return
			}
		}
		dest = req.Destination
		prefix = req.Prefix
	}

	ch, err := e.opener.Open(sess.Context(), f.spec.Target, dest)
	if err != nil {
		if sess.Context().Err() != nil {
			sess.Logger.Debug("open aborted: %v", err)
			return
		}
		e.metrics.ChannelFailed()
		e.metrics.RecordError(err.Error())
		sess.Logger.Error("%v", err)
		return
	}
	if err := sess.Attach(ch); err != nil {
		return
	}
	sess.Logger.Debug("bridging via %q", ch.Command())

	if err := bridge(sess, prefix, e.drainTimeout, e.metrics); err != nil {
		e.metrics.RecordError(err.Error())
		sess.Logger.Error("%v", err)
	}
}

// stop closes the listener, releasing the port, and waits for the
// accept loop to exit.  Live sessions are not touched.
func (f *Forwarder) stop() {
	f.stopOnce.Do(func() {
		f.cancel()
		if err := f.ln.Close(); err != nil && !util.IsHarmless(err) {
			f.logger.Debug("close listener: %v", err)
		}
	})
	<-f.acceptDone
}

// wait blocks until every connection handler has returned, or timeout.
func (f *Forwarder) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.handlers.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
