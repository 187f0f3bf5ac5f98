package transport

import (
	"context"
	"strings"
	"time"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/util"
)

// SessionStartMarker is the line the AWS session manager plugin prints
// once the exec session is attached.  Everything before it is chatter.
const SessionStartMarker = "Starting session with SessionId:"

const (
	DefaultNegotiateTimeout = 30 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
)

// ECSOpener opens channels with `aws ecs execute-command`.
type ECSOpener struct {
	AWSExec  string // aws CLI executable
	Region   string
	Profile  string // optional
	Commands CommandBuilder

	NegotiateTimeout time.Duration
	CloseTimeout     time.Duration
	Logger           *util.Logger
}

// Args returns the aws CLI arguments that run line in the container.
func (o *ECSOpener) Args(id Identity, line string) []string {
	args := []string{"ecs", "execute-command",
		"--cluster", id.Cluster,
		"--task", id.Task,
	}
	if id.Container != "" {
		args = append(args, "--container", id.Container)
	}
	args = append(args, "--interactive", "--command", line, "--region", o.Region)
	if o.Profile != "" {
		args = append(args, "--profile", o.Profile)
	}
	return args
}

// Open starts the aws CLI and waits for the exec session to attach.
func (o *ECSOpener) Open(ctx context.Context, id Identity, dest Destination) (Channel, error) {
	logger := o.Logger
	if logger == nil {
		logger = util.Discard()
	}
	target := describe(id, dest)

	line, err := o.Commands.Line(dest)
	if err != nil {
		return nil, &tunerr.ChannelError{Op: "exec", Target: target, Err: err}
	}

	exe := o.AWSExec
	if exe == "" {
		exe = "aws"
	}
	argv := append([]string{exe}, o.Args(id, line)...)
	logger.Debug("exec: %s", strings.Join(argv, " "))

	p, err := startProcess(argv, line, orDefault(o.CloseTimeout, DefaultCloseTimeout), logger)
	if err != nil {
		return nil, &tunerr.ChannelError{Op: "start", Target: target, Command: line, Err: err}
	}
	if err := p.negotiate(ctx, SessionStartMarker, orDefault(o.NegotiateTimeout, DefaultNegotiateTimeout)); err != nil {
		p.Close() //nolint:errcheck
		return nil, &tunerr.ChannelError{
			Op:      "negotiate",
			Target:  target,
			Command: line,
			Stderr:  p.Stderr(),
			Err:     err,
		}
	}
	logger.Verbose("channel open: %s", target)
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
