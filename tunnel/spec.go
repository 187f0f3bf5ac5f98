// Package tunnel implements the tunnel engine: local listeners whose
// accepted connections are each bridged to a freshly opened remote
// channel.
package tunnel

import (
	"fmt"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/transport"
	"ecstunnel/util"
)

// Mode selects how a forward picks the destination of its channels.
type Mode int

const (
	// ModeLocal connects to a port on the container's own loopback.
	ModeLocal Mode = iota
	// ModeRemoteBridge connects to a host reachable from the container.
	ModeRemoteBridge
	// ModeProxy reads the destination from an HTTP proxy request.
	ModeProxy
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemoteBridge:
		return "remote-bridge"
	case ModeProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Spec describes one forward.  It is immutable once the forward exists.
type Spec struct {
	Mode       Mode
	LocalPort  int
	RemoteHost string // ModeRemoteBridge only
	RemotePort int    // unused by ModeProxy
	Target     transport.Identity
}

// LocalSpec is "local_port:remote_port".
func LocalSpec(localPort, remotePort int, target transport.Identity) Spec {
	return Spec{Mode: ModeLocal, LocalPort: localPort, RemotePort: remotePort, Target: target}
}

// BridgeSpec is "local_port:remote_host:remote_port".
func BridgeSpec(localPort int, remoteHost string, remotePort int, target transport.Identity) Spec {
	return Spec{Mode: ModeRemoteBridge, LocalPort: localPort, RemoteHost: remoteHost, RemotePort: remotePort, Target: target}
}

// ProxySpec is an HTTP proxy on localPort.
func ProxySpec(localPort int, target transport.Identity) Spec {
	return Spec{Mode: ModeProxy, LocalPort: localPort, Target: target}
}

// Validate checks port ranges and the fields each mode requires.
func (s Spec) Validate() error {
	if s.LocalPort < 1 || s.LocalPort > 65535 {
		return &tunerr.ConfigError{Field: "local", Value: s.LocalPort, Message: "local port out of range 1-65535"}
	}
	if s.Target.Task == "" && s.Target.Cluster == "" {
		return &tunerr.ConfigError{Field: "task", Message: "forward has no target container"}
	}
	switch s.Mode {
	case ModeLocal:
		if s.RemoteHost != "" {
			return &tunerr.ConfigError{Field: "local", Value: s, Message: "local forwards take no remote host"}
		}
	case ModeRemoteBridge:
		if !transport.ValidHost(s.RemoteHost) {
			return &tunerr.ConfigError{Field: "local", Value: s, Message: fmt.Sprintf("invalid remote host %q", s.RemoteHost)}
		}
	case ModeProxy:
		if s.RemoteHost != "" || s.RemotePort != 0 {
			return &tunerr.ConfigError{Field: "http-proxy", Value: s.LocalPort, Message: "proxy forwards take no destination"}
		}
		return nil
	default:
		return &tunerr.ConfigError{Field: "mode", Value: int(s.Mode), Message: "unknown forward mode"}
	}
	if s.RemotePort < 1 || s.RemotePort > 65535 {
		return &tunerr.ConfigError{Field: "local", Value: s, Message: "remote port out of range 1-65535"}
	}
	return nil
}

// Destination is the fixed destination of a local or bridge forward.
func (s Spec) Destination() transport.Destination {
	if s.Mode == ModeRemoteBridge {
		return transport.Destination{Host: s.RemoteHost, Port: s.RemotePort}
	}
	return transport.Destination{Host: util.LoopbackHost, Port: s.RemotePort}
}

func (s Spec) String() string {
	switch s.Mode {
	case ModeProxy:
		return fmt.Sprintf("%d (http proxy)", s.LocalPort)
	case ModeRemoteBridge:
		return fmt.Sprintf("%d:%s:%d", s.LocalPort, s.RemoteHost, s.RemotePort)
	default:
		return fmt.Sprintf("%d:%d", s.LocalPort, s.RemotePort)
	}
}
