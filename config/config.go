// Package config defines the runtime configuration for ecs-tunnel and
// parses the forward definitions given on the command line.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	tunerr "ecstunnel/internal/errors"
)

// Platforms that can run the remote helper.
const (
	PlatformECS        = "ecs"
	PlatformKubernetes = "kubernetes"
	PlatformSSH        = "ssh"
)

// Config holds every tuneable for one ecs-tunnel run.
type Config struct {
	// ── Target ───────────────────────────────────────────────────────
	Platform  string
	Cluster   string // ECS cluster, kube context, or [user@]host[:port]
	Service   string
	Task      string
	Container string

	// ── Forwards ─────────────────────────────────────────────────────
	Locals      []string // raw -L bind specs
	HTTPProxies []int    // -H ports

	// ── AWS ──────────────────────────────────────────────────────────
	Region  string
	Profile string
	AWSExec string

	// ── Kubernetes ───────────────────────────────────────────────────
	Namespace  string
	Kubeconfig string

	// ── SSH ──────────────────────────────────────────────────────────
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Remote helper ────────────────────────────────────────────────
	NetcatExec    string
	RemoteCommand string // template with {exec} {host} {port}

	// ── Timing ───────────────────────────────────────────────────────
	ShutdownTimeout  time.Duration
	CloseTimeout     time.Duration
	NegotiateTimeout time.Duration
	DrainTimeout     time.Duration

	// ── Channel-open breaker ─────────────────────────────────────────
	BreakerFailures int // consecutive open failures before refusing; 0 disables
	BreakerCooldown time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose    bool
	DryRun     bool
	ConfigFile string
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		Platform:         DefaultPlatform,
		Region:           DefaultRegion,
		AWSExec:          DefaultAWSExec,
		Namespace:        DefaultNamespace,
		NetcatExec:       DefaultNetcatExec,
		RemoteCommand:    DefaultRemoteCommand,
		ShutdownTimeout:  DefaultShutdownTimeout,
		CloseTimeout:     DefaultCloseTimeout,
		NegotiateTimeout: DefaultNegotiateTimeout,
		DrainTimeout:     DefaultDrainTimeout,
		BreakerCooldown:  DefaultBreakerCooldown,
	}
}

// ── Bind-spec parser ─────────────────────────────────────────────────

// BindSpec is one parsed -L value.
type BindSpec struct {
	LocalPort  int
	RemoteHost string // empty → the container's own loopback
	RemotePort int
}

func (b BindSpec) String() string {
	if b.RemoteHost == "" {
		return fmt.Sprintf("%d:%d", b.LocalPort, b.RemotePort)
	}
	return fmt.Sprintf("%d:%s:%d", b.LocalPort, b.RemoteHost, b.RemotePort)
}

// bindRe matches LOCAL_PORT:[REMOTE_ADDR:]REMOTE_PORT.
var bindRe = regexp.MustCompile(`^(\d+):(?:([\w\-.]+):)?(\d+)$`)

// ParseBindSpec parses "8080:9090" or "8080:10.0.0.5:9090".
func ParseBindSpec(spec string) (BindSpec, error) {
	m := bindRe.FindStringSubmatch(spec)
	if m == nil {
		return BindSpec{}, &tunerr.ConfigError{
			Field:   "local",
			Value:   spec,
			Message: "invalid bind syntax",
			Hint:    "expected LOCAL_PORT:[REMOTE_ADDR:]REMOTE_PORT, e.g. 8080:80 or 5432:db.internal:5432",
		}
	}
	local, err := parsePort("local", spec, m[1])
	if err != nil {
		return BindSpec{}, err
	}
	remote, err := parsePort("local", spec, m[3])
	if err != nil {
		return BindSpec{}, err
	}
	return BindSpec{LocalPort: local, RemoteHost: m[2], RemotePort: remote}, nil
}

func parsePort(field, spec, s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, &tunerr.ConfigError{
			Field:   field,
			Value:   spec,
			Message: fmt.Sprintf("port %s out of range 1-65535", s),
		}
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from an SSH target such
// as "ops@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid SSH target %q; expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid SSH port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Binds parses every -L value.
func (c *Config) Binds() ([]BindSpec, error) {
	out := make([]BindSpec, 0, len(c.Locals))
	for _, s := range c.Locals {
		b, err := ParseBindSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Validate checks that the configuration is internally consistent.
// It returns ErrNoForwards when neither -L nor -H was given.
func (c *Config) Validate() error {
	if c.Cluster == "" {
		return &tunerr.ConfigError{
			Field:   "cluster",
			Message: "is required",
			Hint:    "use -c CLUSTER_NAME",
		}
	}

	switch c.Platform {
	case PlatformECS, PlatformKubernetes:
	case PlatformSSH:
		if _, _, _, err := ParseTunnelSpec(c.Cluster); err != nil {
			return &tunerr.ConfigError{Field: "cluster", Value: c.Cluster, Message: err.Error()}
		}
	default:
		return &tunerr.ConfigError{
			Field:   "platform",
			Value:   c.Platform,
			Message: "unknown platform",
			Hint:    "one of ecs, kubernetes, ssh",
		}
	}

	if c.Platform == PlatformECS && c.Region == "" {
		return &tunerr.ConfigError{Field: "region", Message: "is required for ecs"}
	}
	if c.NetcatExec == "" {
		return &tunerr.ConfigError{Field: "remote-port-netcat-exec", Message: "must not be empty"}
	}

	binds, err := c.Binds()
	if err != nil {
		return err
	}

	seen := make(map[int]string)
	claim := func(port int, what string) error {
		if prev, dup := seen[port]; dup {
			return &tunerr.ConfigError{
				Field:   what,
				Value:   port,
				Message: "local port already used by " + prev,
				Err:     tunerr.ErrDuplicatePort,
			}
		}
		seen[port] = what
		return nil
	}
	for _, b := range binds {
		if err := claim(b.LocalPort, "local"); err != nil {
			return err
		}
	}
	for _, p := range c.HTTPProxies {
		if p < 1 || p > 65535 {
			return &tunerr.ConfigError{Field: "http-proxy", Value: p, Message: "port out of range 1-65535"}
		}
		if err := claim(p, "http-proxy"); err != nil {
			return err
		}
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"shutdown-timeout", c.ShutdownTimeout},
		{"close-timeout", c.CloseTimeout},
		{"negotiate-timeout", c.NegotiateTimeout},
		{"drain-timeout", c.DrainTimeout},
	} {
		if d.v <= 0 {
			return &tunerr.ConfigError{Field: d.name, Value: d.v, Message: "must be positive"}
		}
	}

	if c.BreakerFailures < 0 {
		return &tunerr.ConfigError{Field: "open-breaker-failures", Value: c.BreakerFailures, Message: "must not be negative"}
	}
	if c.BreakerFailures > 0 && c.BreakerCooldown <= 0 {
		return &tunerr.ConfigError{Field: "open-breaker-cooldown", Value: c.BreakerCooldown, Message: "must be positive"}
	}

	if len(binds) == 0 && len(c.HTTPProxies) == 0 {
		return tunerr.ErrNoForwards
	}
	return nil
}
