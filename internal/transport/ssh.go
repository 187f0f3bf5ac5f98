package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/util"
)

// SSHConfig holds everything needed to reach a bastion host.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// SSHOpener runs the helper on a host reached over SSH.  When the
// identity names a task, the helper runs inside that Docker container
// on the host via `docker exec -i`.
//
// A single SSH connection is shared by every channel.  It is dialled
// lazily, or eagerly with Connect, and redialled if it drops.
type SSHOpener struct {
	Commands     CommandBuilder
	CloseTimeout time.Duration

	config *SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
	alive  bool
}

// NewSSHOpener creates an opener for cfg.  Nothing is dialled yet.
func NewSSHOpener(cfg *SSHConfig, commands CommandBuilder, logger *util.Logger) *SSHOpener {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = util.Discard()
	}
	return &SSHOpener{Commands: commands, config: cfg, logger: logger}
}

// Connect dials the bastion unless a live connection already exists.
func (o *SSHOpener) Connect(ctx context.Context) error {
	_, err := o.connect(ctx)
	return err
}

func (o *SSHOpener) connect(ctx context.Context) (*ssh.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.alive && o.client != nil {
		return o.client, nil
	}

	cfg := o.config
	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, tunerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, tunerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	addr := util.FormatAddr(cfg.Host, cfg.Port)
	o.logger.Verbose("SSH: dialing %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, tunerr.Wrap("dial", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         cfg.ConnTimeout,
	})
	if err != nil {
		tcpConn.Close()
		return nil, tunerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	o.client = client
	o.alive = true
	go o.monitor(client)
	o.logger.Verbose("SSH connection to %s established", addr)
	return client, nil
}

// monitor blocks until client disconnects and marks it dead.
func (o *SSHOpener) monitor(client *ssh.Client) {
	err := client.Wait()

	o.mu.Lock()
	if o.client == client {
		o.alive = false
		o.client = nil
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Debug("SSH connection closed: %v", err)
	} else {
		o.logger.Debug("SSH connection closed")
	}
}

// RemoteLine returns the command run on the bastion for id and dest.
func (o *SSHOpener) RemoteLine(id Identity, dest Destination) (string, error) {
	line, err := o.Commands.Line(dest)
	if err != nil {
		return "", err
	}
	container := id.Task
	if container == "" {
		container = id.Container
	}
	if container == "" {
		return line, nil
	}
	if !nameRe.MatchString(container) {
		return "", fmt.Errorf("invalid container name %q", container)
	}
	return "docker exec -i " + container + " " + line, nil
}

// Open starts the helper in a new session on the shared connection.
func (o *SSHOpener) Open(ctx context.Context, id Identity, dest Destination) (Channel, error) {
	target := describe(id, dest)
	line, err := o.RemoteLine(id, dest)
	if err != nil {
		return nil, &tunerr.ChannelError{Op: "exec", Target: target, Err: err}
	}

	client, err := o.connect(ctx)
	if err != nil {
		return nil, &tunerr.ChannelError{Op: "start", Target: target, Command: line, Err: err}
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, &tunerr.ChannelError{Op: "start", Target: target, Command: line,
			Err: tunerr.WrapSSH("session", o.config.Host, o.config.Port, err)}
	}

	ch := &sshChannel{
		sess:         sess,
		line:         line,
		stderr:       newTailBuffer(stderrTail),
		closeTimeout: orDefault(o.CloseTimeout, DefaultCloseTimeout),
		exited:       make(chan struct{}),
	}
	if ch.stdin, err = sess.StdinPipe(); err == nil {
		ch.stdout, err = sess.StdoutPipe()
	}
	if err != nil {
		sess.Close()
		return nil, &tunerr.ChannelError{Op: "start", Target: target, Command: line, Err: err}
	}
	sess.Stderr = ch.stderr

	o.logger.Debug("ssh exec: %s", line)
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, &tunerr.ChannelError{Op: "start", Target: target, Command: line,
			Stderr: ch.stderr.String(), Err: err}
	}
	ch.state.store(Open)
	go func() {
		err := sess.Wait()
		if err != nil {
			o.logger.Debug("ssh exec %q ended: %v", line, err)
		}
		close(ch.exited)
	}()
	o.logger.Verbose("channel open: %s", target)
	return ch, nil
}

// Close tears down the shared SSH connection.
func (o *SSHOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.alive = false
	if o.client != nil {
		err := o.client.Close()
		o.client = nil
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// sshChannel is a Channel over one SSH exec session.
type sshChannel struct {
	sess         *ssh.Session
	line         string
	stdin        io.WriteCloser
	stdout       io.Reader
	stderr       *tailBuffer
	closeTimeout time.Duration
	state        stateCell
	exited       chan struct{}
	closeOnce    sync.Once
}

func (c *sshChannel) Read(b []byte) (int, error) { return c.stdout.Read(b) }

func (c *sshChannel) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *sshChannel) CloseWrite() error { return c.stdin.Close() }

func (c *sshChannel) Command() string { return c.line }

func (c *sshChannel) State() State { return c.state.load() }

// Close sends EOF and waits up to the close timeout for the remote
// command to exit before killing the session.
func (c *sshChannel) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		timer := time.NewTimer(c.closeTimeout)
		select {
		case <-c.exited:
		case <-timer.C:
			c.Kill() //nolint:errcheck
			<-c.exited
		}
		timer.Stop()
		c.sess.Close()
		c.state.finish(Closed)
	})
	return nil
}

// Kill signals the remote command and closes the session channel.
func (c *sshChannel) Kill() error {
	c.sess.Signal(ssh.SIGKILL) //nolint:errcheck
	err := c.sess.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
