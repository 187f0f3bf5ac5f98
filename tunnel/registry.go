package tunnel

import (
	"sort"
	"sync"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/session"
)

// registry is the only state shared between accept loops, session
// handlers and the engine.  Every access goes through mu.
type registry struct {
	mu       sync.Mutex
	closed   bool
	forwards map[int]*Forwarder // nil while the listener is being bound
	sessions map[*Forwarder]map[string]*session.Session
}

func newRegistry() *registry {
	return &registry{
		forwards: make(map[int]*Forwarder),
		sessions: make(map[*Forwarder]map[string]*session.Session),
	}
}

// reserve claims port before its listener is bound.
func (r *registry) reserve(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return tunerr.ErrEngineClosed
	}
	if _, taken := r.forwards[port]; taken {
		return &tunerr.ConfigError{
			Field:   "local",
			Value:   port,
			Message: "local port already forwarded",
			Err:     tunerr.ErrDuplicatePort,
		}
	}
	r.forwards[port] = nil
	return nil
}

// bind attaches f to the port it reserved.
func (r *registry) bind(f *Forwarder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return tunerr.ErrEngineClosed
	}
	r.forwards[f.spec.LocalPort] = f
	r.sessions[f] = make(map[string]*session.Session)
	return nil
}

// release drops a reservation that never got a listener.
func (r *registry) release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.forwards[port]; ok && f == nil {
		delete(r.forwards, port)
	}
}

// unbind removes the forward on port and returns it with its sessions.
// New sessions are refused for it from here on.
func (r *registry) unbind(port int) (*Forwarder, []*session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.forwards[port]
	if f == nil {
		return nil, nil
	}
	delete(r.forwards, port)
	return f, sessionList(r.sessions[f])
}

// forget drops the session bookkeeping of an unbound forward.
func (r *registry) forget(f *Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, f)
}

// addSession registers s under f unless the engine or forward is closing.
func (r *registry) addSession(f *Forwarder, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.forwards[f.spec.LocalPort] != f {
		return tunerr.ErrEngineClosed
	}
	r.sessions[f][s.ID] = s
	return nil
}

func (r *registry) removeSession(f *Forwarder, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.sessions[f]; ok {
		delete(m, s.ID)
	}
}

// sessionCount returns the number of live sessions of f.
func (r *registry) sessionCount(f *Forwarder) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[f])
}

// drain marks the registry closed and returns everything it tracks.
// Reserved ports without a listener are skipped.
func (r *registry) drain() ([]*Forwarder, []*session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var fs []*Forwarder
	for _, f := range r.forwards {
		if f != nil {
			fs = append(fs, f)
		}
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].spec.LocalPort < fs[j].spec.LocalPort })
	var ss []*session.Session
	for _, m := range r.sessions {
		ss = append(ss, sessionList(m)...)
	}
	return fs, ss
}

// clear forgets every forward and session.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwards = make(map[int]*Forwarder)
	r.sessions = make(map[*Forwarder]map[string]*session.Session)
}

// active returns the bound forwards ordered by local port.
func (r *registry) active() []*Forwarder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fs []*Forwarder
	for _, f := range r.forwards {
		if f != nil {
			fs = append(fs, f)
		}
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].spec.LocalPort < fs[j].spec.LocalPort })
	return fs
}

func (r *registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func sessionList(m map[string]*session.Session) []*session.Session {
	out := make([]*session.Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
