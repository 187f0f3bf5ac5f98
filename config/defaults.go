package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file, and environment variable loading.

const (
	DefaultPlatform   = PlatformECS
	DefaultRegion     = "eu-west-1"
	DefaultAWSExec    = "aws"
	DefaultNetcatExec = "nc"
	DefaultNamespace  = "default"

	// DefaultRemoteCommand is the helper command run per connection.
	DefaultRemoteCommand = "{exec} {host} {port}"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultShutdownTimeout is how long Close waits for sessions to end
	// cooperatively before killing them.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultCloseTimeout bounds how long one channel waits for its
	// remote helper to exit after end of input.
	DefaultCloseTimeout = 2 * time.Second

	// DefaultNegotiateTimeout bounds exec session setup.
	DefaultNegotiateTimeout = 30 * time.Second

	// DefaultDrainTimeout is how long the surviving direction of a
	// half-closed session may keep flowing.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultBreakerCooldown is how long new channel opens are refused
	// once the breaker trips.
	DefaultBreakerCooldown = 15 * time.Second
)
