package config

// loader.go - configuration loading from a YAML file and the environment.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. Config file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	tunerr "ecstunnel/internal/errors"
)

// EnvPrefix prefixes every supported environment variable.
const EnvPrefix = "ECS_TUNNEL"

// ── Environment ──────────────────────────────────────────────────────

// envSettings mirrors the ECS_TUNNEL_* variables.  Keys come from
// split_words rather than explicit tags, which would also match the
// unprefixed name (HTTP_PROXY in particular).  Booleans are pointers so
// that an unset variable leaves the current value alone.
type envSettings struct {
	Platform      string   `split_words:"true"`
	Cluster       string   `split_words:"true"`
	Service       string   `split_words:"true"`
	Task          string   `split_words:"true"`
	Container     string   `split_words:"true"`
	Local         []string `split_words:"true"`
	HttpProxy     []int    `split_words:"true"`
	Region        string   `split_words:"true"`
	Profile       string   `split_words:"true"`
	AwsExec       string   `split_words:"true"`
	Namespace     string   `split_words:"true"`
	Kubeconfig    string   `split_words:"true"`
	NetcatExec    string   `split_words:"true"`
	RemoteCommand string   `split_words:"true"`

	SshKey        string `split_words:"true"`
	SshAgent      *bool  `split_words:"true"`
	SshPassword   *bool  `split_words:"true"`
	StrictHostkey *bool  `split_words:"true"`
	KnownHosts    string `split_words:"true"`

	ShutdownTimeout time.Duration `split_words:"true"`
	DrainTimeout    time.Duration `split_words:"true"`

	OpenBreakerFailures int           `split_words:"true"`
	OpenBreakerCooldown time.Duration `split_words:"true"`

	Verbose *bool `split_words:"true"`
}

// LoadFromEnv overlays ECS_TUNNEL_* variables onto cfg.  Only variables
// that are set override the existing value.
func LoadFromEnv(cfg *Config) error {
	var env envSettings
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return &tunerr.ConfigError{Field: "env", Message: err.Error()}
	}

	setString(&cfg.Platform, env.Platform)
	setString(&cfg.Cluster, env.Cluster)
	setString(&cfg.Service, env.Service)
	setString(&cfg.Task, env.Task)
	setString(&cfg.Container, env.Container)
	setString(&cfg.Region, env.Region)
	setString(&cfg.Profile, env.Profile)
	setString(&cfg.AWSExec, env.AwsExec)
	setString(&cfg.Namespace, env.Namespace)
	setString(&cfg.Kubeconfig, env.Kubeconfig)
	setString(&cfg.NetcatExec, env.NetcatExec)
	setString(&cfg.RemoteCommand, env.RemoteCommand)
	setString(&cfg.SSHKeyPath, env.SshKey)
	setString(&cfg.KnownHostsPath, env.KnownHosts)
	setBool(&cfg.UseSSHAgent, env.SshAgent)
	setBool(&cfg.SSHPassword, env.SshPassword)
	setBool(&cfg.StrictHostKey, env.StrictHostkey)
	setBool(&cfg.Verbose, env.Verbose)

	if len(env.Local) > 0 {
		cfg.Locals = env.Local
	}
	if len(env.HttpProxy) > 0 {
		cfg.HTTPProxies = env.HttpProxy
	}
	if env.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = env.ShutdownTimeout
	}
	if env.DrainTimeout > 0 {
		cfg.DrainTimeout = env.DrainTimeout
	}
	if env.OpenBreakerFailures > 0 {
		cfg.BreakerFailures = env.OpenBreakerFailures
	}
	if env.OpenBreakerCooldown > 0 {
		cfg.BreakerCooldown = env.OpenBreakerCooldown
	}
	return nil
}

// ── Config file ──────────────────────────────────────────────────────

// fileConfig is the YAML layout accepted by --config.
type fileConfig struct {
	Platform  string `yaml:"platform"`
	Cluster   string `yaml:"cluster"`
	Service   string `yaml:"service"`
	Task      string `yaml:"task"`
	Container string `yaml:"container"`

	Local     []string `yaml:"local"`
	HTTPProxy []int    `yaml:"http_proxy"`

	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
	AWSExec string `yaml:"aws_exec"`

	Kubernetes struct {
		Namespace  string `yaml:"namespace"`
		Kubeconfig string `yaml:"kubeconfig"`
	} `yaml:"kubernetes"`

	SSH struct {
		Key           string `yaml:"key"`
		Agent         *bool  `yaml:"agent"`
		Password      *bool  `yaml:"password"`
		StrictHostKey *bool  `yaml:"strict_hostkey"`
		KnownHosts    string `yaml:"known_hosts"`
	} `yaml:"ssh"`

	NetcatExec    string `yaml:"netcat_exec"`
	RemoteCommand string `yaml:"remote_command"`

	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	CloseTimeout     string `yaml:"close_timeout"`
	NegotiateTimeout string `yaml:"negotiate_timeout"`
	DrainTimeout     string `yaml:"drain_timeout"`

	OpenBreaker struct {
		Failures int    `yaml:"failures"`
		Cooldown string `yaml:"cooldown"`
	} `yaml:"open_breaker"`

	Verbose *bool `yaml:"verbose"`
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &tunerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	if err := Decode(bytes.NewReader(data), cfg); err != nil {
		var ce *tunerr.ConfigError
		if errors.As(err, &ce) {
			return err
		}
		return &tunerr.ConfigError{Field: "config", Value: path, Message: err.Error()}
	}
	return nil
}

// Decode overlays YAML read from r onto cfg.  Unknown keys are an error.
func Decode(r io.Reader, cfg *Config) error {
	var f fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	setString(&cfg.Platform, f.Platform)
	setString(&cfg.Cluster, f.Cluster)
	setString(&cfg.Service, f.Service)
	setString(&cfg.Task, f.Task)
	setString(&cfg.Container, f.Container)
	setString(&cfg.Region, f.Region)
	setString(&cfg.Profile, f.Profile)
	setString(&cfg.AWSExec, f.AWSExec)
	setString(&cfg.Namespace, f.Kubernetes.Namespace)
	setString(&cfg.Kubeconfig, f.Kubernetes.Kubeconfig)
	setString(&cfg.SSHKeyPath, f.SSH.Key)
	setString(&cfg.KnownHostsPath, f.SSH.KnownHosts)
	setBool(&cfg.UseSSHAgent, f.SSH.Agent)
	setBool(&cfg.SSHPassword, f.SSH.Password)
	setBool(&cfg.StrictHostKey, f.SSH.StrictHostKey)
	setString(&cfg.NetcatExec, f.NetcatExec)
	setString(&cfg.RemoteCommand, f.RemoteCommand)
	setBool(&cfg.Verbose, f.Verbose)

	if len(f.Local) > 0 {
		cfg.Locals = f.Local
	}
	if len(f.HTTPProxy) > 0 {
		cfg.HTTPProxies = f.HTTPProxy
	}
	if f.OpenBreaker.Failures > 0 {
		cfg.BreakerFailures = f.OpenBreaker.Failures
	}

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_timeout", f.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"close_timeout", f.CloseTimeout, &cfg.CloseTimeout},
		{"negotiate_timeout", f.NegotiateTimeout, &cfg.NegotiateTimeout},
		{"drain_timeout", f.DrainTimeout, &cfg.DrainTimeout},
		{"open_breaker.cooldown", f.OpenBreaker.Cooldown, &cfg.BreakerCooldown},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return &tunerr.ConfigError{Field: "config", Value: d.raw, Message: fmt.Sprintf("%s: %v", d.key, err)}
		}
		*d.dst = v
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
