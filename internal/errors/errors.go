// Package errors provides domain-specific error types for ecs-tunnel.
//
// Startup failures (ConfigError, DiscoveryError) abort the process.
// Per-connection failures (ChannelError, BridgeError) are contained to a
// single session and only ever reported through the logger.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrEngineClosed    = errors.New("tunnel engine is closed")
	ErrDuplicatePort   = errors.New("local port already forwarded")
	ErrNoForwards      = errors.New("no forwards (-L/-H) given")
	ErrNotFound        = errors.New("not found")
	ErrNotConnected    = errors.New("not connected")
	ErrShutdownTimeout = errors.New("session did not terminate within the shutdown grace period")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a local socket operation.
type NetworkError struct {
	Op        string // operation: "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the operation may succeed if repeated
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "session"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
	Err     error       // sentinel cause, if any (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DiscoveryError is a failed service or task lookup.  Err wraps
// ErrNotFound when the platform answered with nothing; anything else is
// a failure to ask.
type DiscoveryError struct {
	Kind    string // "service" or "task"
	Cluster string
	Service string
	Err     error
}

func (e *DiscoveryError) Error() string {
	where := "cluster " + e.Cluster
	if e.Service != "" {
		where = fmt.Sprintf("service %s in %s", e.Service, where)
	}
	if errors.Is(e.Err, ErrNotFound) {
		return fmt.Sprintf("discovery: no %s found for %s: %v", e.Kind, where, e.Err)
	}
	return fmt.Sprintf("discovery: %s lookup failed for %s: %v", e.Kind, where, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ChannelError is a failure to start or negotiate a remote channel.  It
// is scoped to one connection attempt.
type ChannelError struct {
	Op      string // "exec", "start", "negotiate"
	Target  string // cluster/task/container
	Command string // remote command line
	Stderr  string // tail of the transport's diagnostic output
	Err     error
}

func (e *ChannelError) Error() string {
	msg := fmt.Sprintf("channel %s %s: %v", e.Op, e.Target, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ChannelError) Unwrap() error { return e.Err }

// BridgeError is an I/O failure after bridging has begun.  It closes the
// affected session only.
type BridgeError struct {
	Direction string // "local->remote" or "remote->local"
	Session   string
	Err       error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s [%s]: %v", e.Direction, e.Session, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTemporary reports whether err represents a temporary condition,
// such as an accept failing because the process ran out of descriptors.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsStartup reports whether err should abort the process before any
// tunnel is opened.
func IsStartup(err error) bool {
	var ce *ConfigError
	var de *DiscoveryError
	return errors.As(err, &ce) || errors.As(err, &de) || errors.Is(err, ErrNoForwards)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
