package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ecstunnel/util"
)

// procChannel is a Channel whose stream is the stdio of a local child
// process, such as the aws CLI running an ECS exec session.
//
// The child runs in its own process group so that Close and Kill reach
// the helpers it spawns as well.  Its lifetime is not bound to the
// context passed to Open: only Close and Kill end it.
type procChannel struct {
	cmd    *exec.Cmd
	line   string
	stdin  *os.File
	outR   *os.File
	stdout *bufio.Reader
	stderr *tailBuffer
	logger *util.Logger

	closeTimeout time.Duration
	state        stateCell

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func startProcess(argv []string, line string, closeTimeout time.Duration, logger *util.Logger) (*procChannel, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, err
	}

	p := &procChannel{
		line:         line,
		stdin:        inW,
		outR:         outR,
		stdout:       bufio.NewReaderSize(outR, util.DefaultBufSize),
		stderr:       newTailBuffer(stderrTail),
		logger:       logger,
		closeTimeout: closeTimeout,
		exited:       make(chan struct{}),
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = p.stderr
	cmd.WaitDelay = closeTimeout
	setProcessGroup(cmd)
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, err
	}
	// The child holds its own copies.
	inR.Close()
	outW.Close()

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
		logger.Debug("helper pid %d exited: %v", cmd.Process.Pid, p.waitErr)
	}()
	return p, nil
}

// negotiate consumes the helper's stdout until a line containing marker
// has been read.  Bytes after the marker line are payload.
func (p *procChannel) negotiate(ctx context.Context, marker string, timeout time.Duration) error {
	res := make(chan error, 1)
	go func() {
		for {
			line, err := p.stdout.ReadString('\n')
			if strings.Contains(line, marker) {
				res <- nil
				return
			}
			if s := strings.TrimSpace(line); s != "" {
				p.logger.Debug("helper: %s", s)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = errors.New("helper exited before the session started")
				}
				res <- err
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-res:
	case <-ctx.Done():
		p.abort()
		<-res
		err = ctx.Err()
	case <-timer.C:
		p.abort()
		<-res
		err = fmt.Errorf("no session after %s", timeout)
	}
	if err != nil {
		p.state.finish(Failed)
		return err
	}

	// Drop line terminators the marker line left behind, but never
	// block waiting for more.
	for p.stdout.Buffered() > 0 {
		b, _ := p.stdout.Peek(1)
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		p.stdout.Discard(1) //nolint:errcheck
	}
	p.state.store(Open)
	return nil
}

// abort kills the helper and unblocks any pending stdout read.
func (p *procChannel) abort() {
	p.Kill() //nolint:errcheck
	p.outR.Close()
}

func (p *procChannel) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *procChannel) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procChannel) CloseWrite() error {
	if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (p *procChannel) Command() string { return p.line }

func (p *procChannel) State() State { return p.state.load() }

// Stderr returns the tail of the helper's diagnostic output.
func (p *procChannel) Stderr() string { return p.stderr.String() }

// Close ends the helper's input, asks it to terminate and waits up to
// the close timeout before killing it.
func (p *procChannel) Close() error {
	p.closeOnce.Do(func() {
		p.CloseWrite() //nolint:errcheck
		select {
		case <-p.exited:
		default:
			terminate(p.cmd.Process) //nolint:errcheck
			timer := time.NewTimer(p.closeTimeout)
			select {
			case <-p.exited:
			case <-timer.C:
				p.logger.Debug("helper pid %d ignored SIGTERM, killing", p.cmd.Process.Pid)
				p.Kill() //nolint:errcheck
				<-p.exited
			}
			timer.Stop()
		}
		p.outR.Close()
		p.state.finish(Closed)
	})
	return nil
}

// Kill sends SIGKILL to the helper's process group.
func (p *procChannel) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return kill(p.cmd.Process)
}
