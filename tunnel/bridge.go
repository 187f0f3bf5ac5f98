package tunnel

import (
	"errors"
	"time"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/metrics"
	"ecstunnel/internal/session"
	"ecstunnel/util"
)

const (
	dirOut = "local->remote"
	dirIn  = "remote->local"
)

type pumpResult struct {
	dir string
	err error
}

// bridge relays bytes between the session's local socket and its
// channel until both directions end, then closes the session.
//
// When one direction ends, by EOF or by an I/O error, its destination
// is half-closed and the opposite direction gets up to drain to finish.
// prefix, if any, is written to the channel before relaying starts.
func bridge(sess *session.Session, prefix []byte, drain time.Duration, m *metrics.Collector) error {
	defer sess.Close() //nolint:errcheck

	local := sess.Local
	remote := sess.Channel()

	out := func(n int) {
		sess.AddOut(n)
		m.BytesSent(int64(n))
	}
	in := func(n int) {
		sess.AddIn(n)
		m.BytesReceived(int64(n))
	}

	if len(prefix) > 0 {
		n, err := remote.Write(prefix)
		if n > 0 {
			out(n)
		}
		if err != nil {
			return &tunerr.BridgeError{Direction: dirOut, Session: sess.ID, Err: err}
		}
	}

	results := make(chan pumpResult, 2)
	go func() {
		_, err := util.Pump(remote, local, out)
		remote.CloseWrite() //nolint:errcheck
		results <- pumpResult{dirOut, err}
	}()
	go func() {
		_, err := util.Pump(local, remote, in)
		util.CloseWrite(local)
		results <- pumpResult{dirIn, err}
	}()

	first := <-results
	sess.MarkClosing()
	sess.Logger.Debug("%s finished: %v", first.dir, first.err)

	var second pumpResult
	timer := time.NewTimer(drain)
	select {
	case second = <-results:
	case <-timer.C:
		sess.Logger.Debug("%s still open after %v, closing", oppositeOf(first.dir), drain)
		sess.Close() //nolint:errcheck
		second = <-results
	}
	timer.Stop()

	var errs []error
	for _, r := range []pumpResult{first, second} {
		if !util.IsHarmless(r.err) {
			errs = append(errs, &tunerr.BridgeError{Direction: r.dir, Session: sess.ID, Err: r.err})
		}
	}
	// The direction that lost the race after a forced close only reports
	// that its endpoint went away.
	if first.err != nil && len(errs) > 1 {
		errs = errs[:1]
	}
	return errors.Join(errs...)
}

func oppositeOf(dir string) string {
	if dir == dirOut {
		return dirIn
	}
	return dirOut
}
