package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/util"
)

// NewKubernetesClient loads kubeconfig (the default loading rules when
// empty) and selects kubeContext when given.
func NewKubernetesClient(kubeconfig, kubeContext string) (kubernetes.Interface, *rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("k8s config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return cs, cfg, nil
}

// ExecutorFunc builds a remote command executor for a pod exec request.
type ExecutorFunc func(pod, container string, argv []string) (remotecommand.Executor, error)

// KubernetesOpener opens channels through the pod exec subresource.  The
// identity's task names the pod and its container the container.
type KubernetesOpener struct {
	Client           kubernetes.Interface
	Namespace        string
	Commands         CommandBuilder
	NegotiateTimeout time.Duration
	CloseTimeout     time.Duration
	Logger           *util.Logger

	// NewExecutor defaults to an SPDY executor built from RESTConfig.
	NewExecutor ExecutorFunc
	RESTConfig  *rest.Config
}

func (o *KubernetesOpener) executor(pod, container string, argv []string) (remotecommand.Executor, error) {
	if o.NewExecutor != nil {
		return o.NewExecutor(pod, container, argv)
	}
	req := o.Client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(o.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   argv,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
			TTY:       false,
		}, scheme.ParameterCodec)
	return remotecommand.NewSPDYExecutor(o.RESTConfig, "POST", req.URL())
}

// Open checks the pod is running, then starts the helper in it.  It
// returns once the exec streams are established, which the executor
// signals by starting to read stdin.
func (o *KubernetesOpener) Open(ctx context.Context, id Identity, dest Destination) (Channel, error) {
	logger := o.Logger
	if logger == nil {
		logger = util.Discard()
	}
	target := describe(id, dest)
	fail := func(op string, err error) error {
		return &tunerr.ChannelError{Op: op, Target: target, Err: err}
	}

	argv, err := o.Commands.Argv(dest)
	if err != nil {
		return nil, fail("exec", err)
	}

	pod, err := o.Client.CoreV1().Pods(o.Namespace).Get(ctx, id.Task, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fail("exec", fmt.Errorf("pod %s/%s: %w", o.Namespace, id.Task, tunerr.ErrNotFound))
	}
	if err != nil {
		return nil, fail("exec", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fail("exec", fmt.Errorf("pod %s is %s", pod.Name, pod.Status.Phase))
	}
	if id.Container != "" && !hasContainer(pod, id.Container) {
		return nil, fail("exec", fmt.Errorf("container %s in pod %s: %w", id.Container, pod.Name, tunerr.ErrNotFound))
	}

	exec, err := o.executor(pod.Name, id.Container, argv)
	if err != nil {
		return nil, fail("exec", fmt.Errorf("create executor: %w", err))
	}

	ch := newStreamChannel(strings.Join(argv, " "), orDefault(o.CloseTimeout, DefaultCloseTimeout))
	go ch.run(exec, logger)
	if err := ch.negotiate(ctx, orDefault(o.NegotiateTimeout, DefaultNegotiateTimeout)); err != nil {
		return nil, &tunerr.ChannelError{
			Op:      "negotiate",
			Target:  target,
			Command: ch.line,
			Stderr:  ch.stderr.String(),
			Err:     err,
		}
	}
	logger.Verbose("channel open: %s", target)
	return ch, nil
}

// readNotifier calls onRead before every Read of r.
type readNotifier struct {
	r      io.Reader
	onRead func()
}

func (n readNotifier) Read(p []byte) (int, error) {
	n.onRead()
	return n.r.Read(p)
}

func hasContainer(pod *corev1.Pod, name string) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name == name {
			return true
		}
	}
	return false
}

// streamChannel is a Channel over a remotecommand stream.  Its context
// is independent of the one passed to Open.
type streamChannel struct {
	line         string
	closeTimeout time.Duration
	state        stateCell

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *tailBuffer

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{} // closed on the executor's first stdin read
	done   chan struct{}
	err    error // stream result, valid once done is closed

	closeOnce sync.Once
}

func newStreamChannel(line string, closeTimeout time.Duration) *streamChannel {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &streamChannel{
		line:         line,
		closeTimeout: closeTimeout,
		stderr:       newTailBuffer(stderrTail),
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
	ch.stdinR, ch.stdinW = io.Pipe()
	ch.stdoutR, ch.stdoutW = io.Pipe()
	ch.state.store(Open)
	return ch
}

func (c *streamChannel) run(exec remotecommand.Executor, logger *util.Logger) {
	defer close(c.done)
	var once sync.Once
	err := exec.StreamWithContext(c.ctx, remotecommand.StreamOptions{
		Stdin: readNotifier{c.stdinR, func() {
			once.Do(func() { close(c.ready) })
		}},
		Stdout: c.stdoutW,
		Stderr: c.stderr,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("k8s exec stream ended: %v: %s", err, strings.TrimSpace(c.stderr.String()))
		c.state.finish(Failed)
	}
	c.err = err
	c.stdoutW.Close()
	c.stdinR.Close()
}

// negotiate waits for the exec streams to come up.  A stream that ends
// first, a timeout and ctx ending all tear the channel down.
func (c *streamChannel) negotiate(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		select {
		case <-c.ready:
			return nil
		default:
		}
		err = c.err
		if err == nil {
			err = errors.New("helper exited before the session started")
		}
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("no session after %s", timeout)
	}
	c.Kill() //nolint:errcheck
	<-c.done
	c.state.finish(Failed)
	return err
}

func (c *streamChannel) Read(b []byte) (int, error) { return c.stdoutR.Read(b) }

func (c *streamChannel) Write(b []byte) (int, error) { return c.stdinW.Write(b) }

func (c *streamChannel) CloseWrite() error { return c.stdinW.Close() }

func (c *streamChannel) Command() string { return c.line }

func (c *streamChannel) State() State { return c.state.load() }

// Close ends the helper's input and gives the stream the close timeout
// to finish before cancelling it.
func (c *streamChannel) Close() error {
	c.closeOnce.Do(func() {
		c.stdinW.Close()
		timer := time.NewTimer(c.closeTimeout)
		select {
		case <-c.done:
		case <-timer.C:
			c.Kill() //nolint:errcheck
			<-c.done
		}
		timer.Stop()
		c.stdoutR.Close()
		c.state.finish(Closed)
	})
	return nil
}

// Kill cancels the stream, which tears down the exec connection.
func (c *streamChannel) Kill() error {
	c.cancel()
	c.stdoutR.CloseWithError(io.ErrClosedPipe)
	return nil
}
