// Package cmd wires up the CLI flags and runs the tunnel engine.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"ecstunnel/config"
	"ecstunnel/internal/discovery"
	tunerr "ecstunnel/internal/errors"
	"ecstunnel/internal/metrics"
	"ecstunnel/internal/retry"
	"ecstunnel/internal/transport"
	"ecstunnel/tunnel"
	"ecstunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X ecstunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// platform builds the discovery and exec backends for one run.  The
// resolver is nil when the platform has nothing to discover.
type platform func(ctx context.Context, cfg *config.Config, logger *util.Logger) (discovery.Resolver, transport.Opener, error)

// Execute parses args, opens every requested forward and blocks until
// ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr, buildPlatform)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, build platform) error {
	fl := config.Defaults()
	fs := flag.NewFlagSet("ecs-tunnel", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── target ───────────────────────────────────────────────────
	fs.StringVarP(&fl.Cluster, "cluster", "c", "", "Cluster name (kube context, or [user@]host[:port] for ssh)")
	fs.StringVarP(&fl.Service, "service", "s", "", "Service name (first service when omitted)")
	fs.StringVarP(&fl.Task, "task", "t", "", "Task ID or pod name (first running task when omitted)")
	fs.StringVarP(&fl.Container, "container", "n", "", "Container name")
	fs.StringVar(&fl.Platform, "platform", fl.Platform, "Platform: ecs, kubernetes or ssh")

	// ── forwards ─────────────────────────────────────────────────
	fs.StringArrayVarP(&fl.Locals, "local", "L", nil, "Forward LOCAL_PORT:[REMOTE_ADDR:]REMOTE_PORT (repeatable)")
	fs.IntSliceVarP(&fl.HTTPProxies, "http-proxy", "H", nil, "HTTP proxy on PORT (repeatable)")

	// ── AWS ──────────────────────────────────────────────────────
	fs.StringVar(&fl.Region, "region", fl.Region, "AWS region")
	fs.StringVar(&fl.Profile, "profile", "", "AWS profile")
	fs.StringVar(&fl.AWSExec, "aws-exec", fl.AWSExec, "aws CLI executable")

	// ── Kubernetes ───────────────────────────────────────────────
	fs.StringVar(&fl.Namespace, "namespace", fl.Namespace, "Kubernetes namespace")
	fs.StringVar(&fl.Kubeconfig, "kubeconfig", "", "Kubeconfig path (default loading rules when empty)")

	// ── SSH ──────────────────────────────────────────────────────
	fs.StringVar(&fl.SSHKeyPath, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&fl.SSHPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&fl.UseSSHAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&fl.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&fl.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")

	// ── remote helper ────────────────────────────────────────────
	fs.StringVar(&fl.NetcatExec, "remote-port-netcat-exec", fl.NetcatExec, "Helper executable inside the container")
	fs.StringVar(&fl.RemoteCommand, "remote-command", fl.RemoteCommand, "Helper command template ({exec} {host} {port})")

	// ── timing ───────────────────────────────────────────────────
	fs.DurationVar(&fl.ShutdownTimeout, "shutdown-timeout", fl.ShutdownTimeout, "Grace period for sessions on exit")
	fs.DurationVar(&fl.CloseTimeout, "close-timeout", fl.CloseTimeout, "Grace period for one remote helper to exit")
	fs.DurationVar(&fl.NegotiateTimeout, "negotiate-timeout", fl.NegotiateTimeout, "Bound on exec session setup")
	fs.DurationVar(&fl.DrainTimeout, "drain-timeout", fl.DrainTimeout, "Bound on a half-closed session")
	fs.IntVar(&fl.BreakerFailures, "open-breaker-failures", 0, "Refuse channel opens after N consecutive failures (0 = off)")
	fs.DurationVar(&fl.BreakerCooldown, "open-breaker-cooldown", fl.BreakerCooldown, "How long a tripped breaker refuses opens")

	// ── output ───────────────────────────────────────────────────
	fs.BoolVarP(&fl.Verbose, "verbose", "v", false, "Debug output")
	fs.BoolVar(&fl.DryRun, "dry-run", false, "Validate and print the planned forwards, open nothing")
	fs.StringVar(&fl.ConfigFile, "config", "", "YAML config file")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs, stderr) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp || len(args) == 0 {
		printUsage(fs, stderr)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "ecs-tunnel %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := load(fs, fl)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := util.LogNormal
	if cfg.Verbose {
		level = util.LogDebug
	}
	logger := util.NewLogger(int(level))
	logger.SetOutput(stderr)

	if cfg.DryRun {
		return dryRun(cfg, stdout)
	}

	resolver, opener, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cfg.BreakerFailures > 0 {
		opener = transport.Guard(opener, retry.NewBreaker(retry.BreakerConfig{
			MaxFailures: cfg.BreakerFailures,
			Cooldown:    cfg.BreakerCooldown,
			OnStateChange: func(from, to retry.State) {
				logger.Warn("channel opens: breaker %s -> %s", from, to)
			},
		}))
	}

	// ── discovery ────────────────────────────────────────────────
	target := discovery.Target{Cluster: cfg.Cluster, Service: cfg.Service, Task: cfg.Task}
	if resolver != nil {
		if err := discovery.ResolveRetry(ctx, resolver, &target, retry.DiscoveryBackoff()); err != nil {
			closeOpener(opener)
			return err
		}
	}
	printBanner(stdout, cfg, target)

	// ── engine ───────────────────────────────────────────────────
	m := metrics.New()
	engine := tunnel.NewEngine(tunnel.Options{
		Opener:       opener,
		Logger:       logger,
		Metrics:      m,
		DrainTimeout: cfg.DrainTimeout,
	})
	id := transport.Identity{Cluster: cfg.Cluster, Task: target.Task, Container: cfg.Container}

	specs, err := forwardSpecs(cfg, id)
	if err != nil {
		engine.Close(cfg.ShutdownTimeout) //nolint:errcheck
		return err
	}
	for _, spec := range specs {
		if _, err := engine.AddForward(spec); err != nil {
			engine.Close(cfg.ShutdownTimeout) //nolint:errcheck
			return err
		}
		printForward(stdout, spec)
	}
	fmt.Fprintln(stdout, "Press CTRL-C to stop")

	<-ctx.Done()
	logger.Verbose("shutting down %d forward(s)", len(specs))
	err = engine.Close(cfg.ShutdownTimeout)
	logger.Verbose("metrics: %s", m.JSON())
	return err
}

// load applies the config file, then the environment, then every flag
// the user set explicitly.
func load(fs *flag.FlagSet, fl *config.Config) (*config.Config, error) {
	cfg := config.Defaults()
	if fl.ConfigFile != "" {
		if err := config.LoadFile(fl.ConfigFile, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	apply := map[string]func(){
		"cluster":                 func() { cfg.Cluster = fl.Cluster },
		"service":                 func() { cfg.Service = fl.Service },
		"task":                    func() { cfg.Task = fl.Task },
		"container":               func() { cfg.Container = fl.Container },
		"platform":                func() { cfg.Platform = fl.Platform },
		"local":                   func() { cfg.Locals = fl.Locals },
		"http-proxy":              func() { cfg.HTTPProxies = fl.HTTPProxies },
		"region":                  func() { cfg.Region = fl.Region },
		"profile":                 func() { cfg.Profile = fl.Profile },
		"aws-exec":                func() { cfg.AWSExec = fl.AWSExec },
		"namespace":               func() { cfg.Namespace = fl.Namespace },
		"kubeconfig":              func() { cfg.Kubeconfig = fl.Kubeconfig },
		"ssh-key":                 func() { cfg.SSHKeyPath = fl.SSHKeyPath },
		"ssh-password":            func() { cfg.SSHPassword = fl.SSHPassword },
		"ssh-agent":               func() { cfg.UseSSHAgent = fl.UseSSHAgent },
		"strict-hostkey":          func() { cfg.StrictHostKey = fl.StrictHostKey },
		"known-hosts":             func() { cfg.KnownHostsPath = fl.KnownHostsPath },
		"remote-port-netcat-exec": func() { cfg.NetcatExec = fl.NetcatExec },
		"remote-command":          func() { cfg.RemoteCommand = fl.RemoteCommand },
		"shutdown-timeout":        func() { cfg.ShutdownTimeout = fl.ShutdownTimeout },
		"close-timeout":           func() { cfg.CloseTimeout = fl.CloseTimeout },
		"negotiate-timeout":       func() { cfg.NegotiateTimeout = fl.NegotiateTimeout },
		"drain-timeout":           func() { cfg.DrainTimeout = fl.DrainTimeout },
		"open-breaker-failures":   func() { cfg.BreakerFailures = fl.BreakerFailures },
		"open-breaker-cooldown":   func() { cfg.BreakerCooldown = fl.BreakerCooldown },
		"verbose":                 func() { cfg.Verbose = fl.Verbose },
		"dry-run":                 func() { cfg.DryRun = fl.DryRun },
		"config":                  func() { cfg.ConfigFile = fl.ConfigFile },
	}
	fs.Visit(func(f *flag.Flag) {
		if fn, ok := apply[f.Name]; ok {
			fn()
		}
	})
	return cfg, nil
}

// forwardSpecs turns -L and -H values into engine forwards, in the
// order given.
func forwardSpecs(cfg *config.Config, id transport.Identity) ([]tunnel.Spec, error) {
	binds, err := cfg.Binds()
	if err != nil {
		return nil, err
	}
	specs := make([]tunnel.Spec, 0, len(binds)+len(cfg.HTTPProxies))
	for _, b := range binds {
		if b.RemoteHost == "" {
			specs = append(specs, tunnel.LocalSpec(b.LocalPort, b.RemotePort, id))
		} else {
			specs = append(specs, tunnel.BridgeSpec(b.LocalPort, b.RemoteHost, b.RemotePort, id))
		}
	}
	for _, p := range cfg.HTTPProxies {
		specs = append(specs, tunnel.ProxySpec(p, id))
	}
	return specs, nil
}

// ── backends ─────────────────────────────────────────────────────────

func buildPlatform(ctx context.Context, cfg *config.Config, logger *util.Logger) (discovery.Resolver, transport.Opener, error) {
	commands := transport.CommandBuilder{Exec: cfg.NetcatExec, Template: cfg.RemoteCommand}

	switch cfg.Platform {
	case config.PlatformKubernetes:
		client, restConfig, err := transport.NewKubernetesClient(cfg.Kubeconfig, cfg.Cluster)
		if err != nil {
			return nil, nil, &tunerr.ConfigError{Field: "kubeconfig", Value: cfg.Kubeconfig, Message: err.Error(), Err: err}
		}
		resolver := &discovery.Kubernetes{Client: client, Namespace: cfg.Namespace}
		return resolver, &transport.KubernetesOpener{
			Client:           client,
			RESTConfig:       restConfig,
			Namespace:        cfg.Namespace,
			Commands:         commands,
			NegotiateTimeout: cfg.NegotiateTimeout,
			CloseTimeout:     cfg.CloseTimeout,
			Logger:           logger.With("k8s"),
		}, nil

	case config.PlatformSSH:
		user, host, port, err := config.ParseTunnelSpec(cfg.Cluster)
		if err != nil {
			return nil, nil, err
		}
		if user == "" {
			user = os.Getenv("USER")
		}
		o := transport.NewSSHOpener(&transport.SSHConfig{
			User:          user,
			Host:          host,
			Port:          port,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
		}, commands, logger.With("ssh"))
		o.CloseTimeout = cfg.CloseTimeout
		if err := o.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return nil, o, nil

	default:
		resolver := &discovery.ECS{
			AWSExec: cfg.AWSExec,
			Region:  cfg.Region,
			Profile: cfg.Profile,
			Logger:  logger.With("discovery"),
		}
		return resolver, &transport.ECSOpener{
			AWSExec:          cfg.AWSExec,
			Region:           cfg.Region,
			Profile:          cfg.Profile,
			Commands:         commands,
			NegotiateTimeout: cfg.NegotiateTimeout,
			CloseTimeout:     cfg.CloseTimeout,
			Logger:           logger.With("ecs"),
		}, nil
	}
}

func closeOpener(o transport.Opener) {
	if c, ok := o.(io.Closer); ok {
		c.Close() //nolint:errcheck
	}
}

// ── output ───────────────────────────────────────────────────────────

func printBanner(w io.Writer, cfg *config.Config, t discovery.Target) {
	switch cfg.Platform {
	case config.PlatformSSH:
		if t.Task != "" {
			fmt.Fprintf(w, "Starting tunnel for container %s on host %s\n", t.Task, cfg.Cluster)
		} else {
			fmt.Fprintf(w, "Starting tunnel on host %s\n", cfg.Cluster)
		}
	case config.PlatformKubernetes:
		fmt.Fprintf(w, "Starting tunnel for pod %s in service %s under context %s in namespace %s\n",
			t.Task, orUnknown(t.Service), cfg.Cluster, cfg.Namespace)
	default:
		fmt.Fprintf(w, "Starting tunnel for task %s in service %s under cluster %s in region %s\n",
			t.Task, orUnknown(t.Service), cfg.Cluster, cfg.Region)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func printForward(w io.Writer, spec tunnel.Spec) {
	local := util.LoopbackAddr(spec.LocalPort)
	switch spec.Mode {
	case tunnel.ModeProxy:
		fmt.Fprintf(w, "Setup HTTP Proxy: %s\n", local)
	case tunnel.ModeRemoteBridge:
		fmt.Fprintf(w, "Setup tunnel: %s (Possibly http://%s) -> %s:%d\n", local, local, spec.RemoteHost, spec.RemotePort)
	default:
		fmt.Fprintf(w, "Setup tunnel: %s (Possibly http://%s) -> %d\n", local, local, spec.RemotePort)
	}
}

func dryRun(cfg *config.Config, w io.Writer) error {
	id := transport.Identity{Cluster: cfg.Cluster, Task: cfg.Task, Container: cfg.Container}
	if id.Task == "" {
		id.Task = "<discovered>"
	}
	specs, err := forwardSpecs(cfg, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Dry run: platform %s, target %s\n", cfg.Platform, id)
	for _, spec := range specs {
		printForward(w, spec)
	}
	return nil
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `ecs-tunnel v%s

Forward local ports into a container through the platform's exec channel.

Usage:
  ecs-tunnel -c CLUSTER [-s SERVICE] [-t TASK] [-n CONTAINER] -L SPEC... -H PORT...

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  ecs-tunnel -c prod -L 8080:80                     Container port 80 on 127.0.0.1:8080
  ecs-tunnel -c prod -s api -L 5432:db.internal:5432  Database reachable from the task
  ecs-tunnel -c prod -H 3128                        HTTP proxy through the task
  ecs-tunnel --platform kubernetes -c kind-dev -L 8080:8080
  ecs-tunnel --platform ssh -c ops@bastion -t web -L 8080:80

Shutdown waits up to %v for sessions to close (--shutdown-timeout).
`, config.DefaultShutdownTimeout)
}
