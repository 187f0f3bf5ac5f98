package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	tunerr "ecstunnel/internal/errors"
)

// ── ParseBindSpec ────────────────────────────────────────────────────

func TestParseBindSpec(t *testing.T) {
	tests := []struct {
		input   string
		want    BindSpec
		wantErr bool
	}{
		{"8080:9090", BindSpec{LocalPort: 8080, RemotePort: 9090}, false},
		{"8080:10.0.0.5:9090", BindSpec{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 9090}, false},
		{"5432:db-primary.internal:5432", BindSpec{LocalPort: 5432, RemoteHost: "db-primary.internal", RemotePort: 5432}, false},
		{"abc:9090", BindSpec{}, true},
		{"8080", BindSpec{}, true},
		{"8080:", BindSpec{}, true},
		{"0:80", BindSpec{}, true},
		{"8080:70000", BindSpec{}, true},
		{"8080:host name:80", BindSpec{}, true},
		{"8080:a:b:80", BindSpec{}, true},
		{"", BindSpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBindSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBindSpec(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				var ce *tunerr.ConfigError
				if !errors.As(err, &ce) {
					t.Errorf("error %T should be a ConfigError", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}

// ── ParseTunnelSpec ──────────────────────────────────────────────────

func TestParseTunnelSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Config.Validate ──────────────────────────────────────────────────

func valid() *Config {
	c := Defaults()
	c.Cluster = "prod"
	c.Locals = []string{"8080:80"}
	return c
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid local", func(c *Config) {}, false},
		{"valid proxy only", func(c *Config) { c.Locals = nil; c.HTTPProxies = []int{3128} }, false},
		{"valid kubernetes", func(c *Config) { c.Platform = PlatformKubernetes }, false},
		{"valid ssh", func(c *Config) { c.Platform = PlatformSSH; c.Cluster = "ops@bastion:2222" }, false},
		{"no cluster", func(c *Config) { c.Cluster = "" }, true},
		{"unknown platform", func(c *Config) { c.Platform = "nomad" }, true},
		{"bad bind", func(c *Config) { c.Locals = []string{"abc:9090"} }, true},
		{"proxy out of range", func(c *Config) { c.HTTPProxies = []int{0} }, true},
		{"duplicate local", func(c *Config) { c.Locals = []string{"8080:80", "8080:81"} }, true},
		{"local clashes with proxy", func(c *Config) { c.HTTPProxies = []int{8080} }, true},
		{"zero shutdown", func(c *Config) { c.ShutdownTimeout = 0 }, true},
		{"empty netcat", func(c *Config) { c.NetcatExec = "" }, true},
		{"ecs without region", func(c *Config) { c.Region = "" }, true},
		{"breaker enabled", func(c *Config) { c.BreakerFailures = 3 }, false},
		{"negative breaker failures", func(c *Config) { c.BreakerFailures = -1 }, true},
		{"breaker without cooldown", func(c *Config) { c.BreakerFailures = 3; c.BreakerCooldown = 0 }, true},
		{"cooldown ignored when disabled", func(c *Config) { c.BreakerCooldown = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_NoForwards(t *testing.T) {
	c := valid()
	c.Locals = nil
	err := c.Validate()
	if !errors.Is(err, tunerr.ErrNoForwards) {
		t.Fatalf("err = %v, want ErrNoForwards", err)
	}
	if !tunerr.IsStartup(err) {
		t.Error("no forwards should abort startup")
	}
}

func TestValidate_DuplicateIsConfigError(t *testing.T) {
	c := valid()
	c.Locals = []string{"8080:80", "8080:10.0.0.5:81"}
	err := c.Validate()

	var ce *tunerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if !errors.Is(err, tunerr.ErrDuplicatePort) {
		t.Error("should wrap ErrDuplicatePort")
	}
}

func TestValidate_ErrorMessagesHaveHints(t *testing.T) {
	c := valid()
	c.Locals = []string{"nope"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "hint:") {
		t.Errorf("error %v should carry a hint", err)
	}
}

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.Region != "eu-west-1" || c.AWSExec != "aws" || c.NetcatExec != "nc" {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", c.ShutdownTimeout)
	}
	if c.Platform != PlatformECS {
		t.Errorf("Platform = %q", c.Platform)
	}
	if c.BreakerFailures != 0 {
		t.Errorf("BreakerFailures = %d, breaker must be off by default", c.BreakerFailures)
	}
}
