package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses attempts.
var ErrOpen = errors.New("circuit open")

// State is the breaker's phase.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen refuses attempts until the cooldown has passed.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// MaxFailures is the run of consecutive failures that opens the
	// breaker (default 5).
	MaxFailures int
	// Cooldown is how long the breaker stays open (default 30s).
	Cooldown time.Duration
	// OnStateChange runs under the breaker's lock.
	OnStateChange func(from, to State)
}

// Breaker stops calls to a dependency after a run of failures.  After
// the cooldown exactly one probe is let through; its outcome closes or
// reopens the breaker.  Concurrent callers are refused while the probe
// is in flight.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	openedAt    time.Time
	maxFailures int
	cooldown    time.Duration
	onChange    func(from, to State)
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		onChange:    cfg.OnStateChange,
		now:         time.Now,
	}
}

// Allow reports whether an attempt may proceed.  Every nil return must
// be followed by exactly one call to Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w after %d consecutive failures, retry in %v",
				ErrOpen, b.failures, wait.Round(time.Second))
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of an allowed attempt.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	probe := b.state == StateHalfOpen
	b.probing = false
	if err == nil {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if probe || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// Release ends an allowed attempt that was abandoned before it had an
// outcome, freeing the probe slot without changing state.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Execute runs fn if the breaker allows it and records the result.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current phase.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
