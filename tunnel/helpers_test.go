package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"ecstunnel/internal/transport"
	"ecstunnel/util"
)

var testTarget = transport.Identity{Cluster: "prod", Task: "0123abcd", Container: "app"}

// tcpChannel is a Channel over a loopback TCP connection, standing in
// for a helper process inside the container.
type tcpChannel struct {
	*net.TCPConn
	cmd    string
	closes atomic.Int32
	kills  atomic.Int32
	block  chan struct{} // Close waits on this until Kill
	once   sync.Once
}

func (c *tcpChannel) Command() string        { return c.cmd }
func (c *tcpChannel) State() transport.State { return transport.Open }

func (c *tcpChannel) Close() error {
	c.closes.Add(1)
	if c.block != nil {
		<-c.block
	}
	return c.TCPConn.Close()
}

func (c *tcpChannel) Kill() error {
	c.kills.Add(1)
	if c.block != nil {
		c.once.Do(func() { close(c.block) })
	}
	c.TCPConn.SetLinger(0) //nolint:errcheck
	return nil
}

// dialOpener opens channels by dialing upstream on the loopback
// interface, whatever destination was asked for.
type dialOpener struct {
	upstream int
	block    bool
	fail     error

	mu       sync.Mutex
	dests    []transport.Destination
	channels []*tcpChannel
}

func (o *dialOpener) Open(ctx context.Context, id transport.Identity, dest transport.Destination) (transport.Channel, error) {
	o.mu.Lock()
	o.dests = append(o.dests, dest)
	o.mu.Unlock()
	if o.fail != nil {
		return nil, o.fail
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", util.LoopbackAddr(o.upstream))
	if err != nil {
		return nil, err
	}
	ch := &tcpChannel{TCPConn: conn.(*net.TCPConn), cmd: "nc " + dest.String()}
	if o.block {
		ch.block = make(chan struct{})
	}
	o.mu.Lock()
	o.channels = append(o.channels, ch)
	o.mu.Unlock()
	return ch, nil
}

func (o *dialOpener) destinations() []transport.Destination {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]transport.Destination(nil), o.dests...)
}

func (o *dialOpener) opened() []*tcpChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*tcpChannel(nil), o.channels...)
}

// echoServer echoes every connection and half-closes after the peer's
// EOF.  It returns its port.
func echoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
				c.(*net.TCPConn).CloseWrite()
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t testing.TB) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b := <-accepted
	require.NotNil(t, b)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a.(*net.TCPConn), b.(*net.TCPConn)
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := util.FindFreePort()
	require.NoError(t, err)
	return port
}

// roundTrip writes msg to c and reads the same number of bytes back.
func roundTrip(t *testing.T, c net.Conn, msg string) string {
	t.Helper()
	_, err := io.WriteString(c, msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}

var errRefused = errors.New("helper refused")
