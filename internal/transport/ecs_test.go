//go:build !windows

package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tunerr "ecstunnel/internal/errors"
)

// fakeAWS writes an executable shell script standing in for the aws CLI.
func fakeAWS(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aws")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestECSOpener_Args(t *testing.T) {
	o := &ECSOpener{Region: "eu-west-1", Profile: "staging"}
	args := o.Args(Identity{Cluster: "prod", Task: "abc", Container: "web"}, "nc 127.0.0.1 8080")
	assert.Equal(t, []string{
		"ecs", "execute-command",
		"--cluster", "prod",
		"--task", "abc",
		"--container", "web",
		"--interactive",
		"--command", "nc 127.0.0.1 8080",
		"--region", "eu-west-1",
		"--profile", "staging",
	}, args)

	o.Profile = ""
	args = o.Args(Identity{Cluster: "prod", Task: "abc"}, "nc h 1")
	assert.NotContains(t, args, "--profile")
	assert.NotContains(t, args, "--container")
}

func TestECSOpener_RelaysAfterBanner(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	aws := fakeAWS(t, `echo "$@" > `+argsFile+`
echo ""
echo "Starting session with SessionId: ecs-execute-command-0123"
exec cat`)

	o := &ECSOpener{AWSExec: aws, Region: "eu-west-1", CloseTimeout: time.Second}
	ch, err := o.Open(context.Background(), Identity{Cluster: "prod", Task: "abc"},
		Destination{Host: "10.0.0.5", Port: 9090})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, Open, ch.State())
	assert.Equal(t, "nc 10.0.0.5 9090", ch.Command())

	_, err = ch.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, ch.CloseWrite())

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "banner must not leak into the payload")

	require.NoError(t, ch.Close())
	assert.Equal(t, Closed, ch.State())

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(recorded),
		"ecs execute-command --cluster prod --task abc --interactive --command nc 10.0.0.5 9090 --region eu-west-1")
}

func TestECSOpener_FailureQuotesStderr(t *testing.T) {
	aws := fakeAWS(t, `echo "An error occurred (InvalidParameterException): task not found" >&2
exit 254`)

	o := &ECSOpener{AWSExec: aws, Region: "eu-west-1", CloseTimeout: time.Second}
	_, err := o.Open(context.Background(), Identity{Cluster: "prod", Task: "gone"},
		Destination{Host: "127.0.0.1", Port: 80})
	require.Error(t, err)

	var ce *tunerr.ChannelError
	require.True(t, errors.As(err, &ce), "want ChannelError, got %T", err)
	assert.Equal(t, "negotiate", ce.Op)
	assert.Contains(t, ce.Stderr, "InvalidParameterException")
	assert.Contains(t, err.Error(), "task not found")
}

func TestECSOpener_MissingExecutable(t *testing.T) {
	o := &ECSOpener{AWSExec: filepath.Join(t.TempDir(), "no-such-aws"), Region: "eu-west-1"}
	_, err := o.Open(context.Background(), Identity{Cluster: "c", Task: "t"},
		Destination{Host: "127.0.0.1", Port: 80})
	var ce *tunerr.ChannelError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "start", ce.Op)
}

func TestECSOpener_NegotiateTimeout(t *testing.T) {
	aws := fakeAWS(t, `sleep 30`)

	o := &ECSOpener{
		AWSExec:          aws,
		Region:           "eu-west-1",
		NegotiateTimeout: 200 * time.Millisecond,
		CloseTimeout:     200 * time.Millisecond,
	}
	start := time.Now()
	_, err := o.Open(context.Background(), Identity{Cluster: "c", Task: "t"},
		Destination{Host: "127.0.0.1", Port: 80})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestECSOpener_ContextCancelAbortsOpen(t *testing.T) {
	aws := fakeAWS(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	o := &ECSOpener{AWSExec: aws, Region: "eu-west-1", CloseTimeout: 200 * time.Millisecond}
	_, err := o.Open(ctx, Identity{Cluster: "c", Task: "t"}, Destination{Host: "127.0.0.1", Port: 80})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProcChannel_CloseKillsStubbornHelper(t *testing.T) {
	aws := fakeAWS(t, `trap '' TERM
echo "Starting session with SessionId: x"
while :; do sleep 0.1; done`)

	o := &ECSOpener{AWSExec: aws, Region: "eu-west-1", CloseTimeout: 300 * time.Millisecond}
	ch, err := o.Open(context.Background(), Identity{Cluster: "c", Task: "t"},
		Destination{Host: "127.0.0.1", Port: 80})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, ch.Close())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, Closed, ch.State())

	_, err = ch.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestProcChannel_KeepsPayloadOnBannerLine(t *testing.T) {
	aws := fakeAWS(t, `printf 'noise\r\nStarting session with SessionId: x\r\n\r\npayload'`)

	o := &ECSOpener{AWSExec: aws, Region: "r", CloseTimeout: time.Second}
	ch, err := o.Open(context.Background(), Identity{Cluster: "c", Task: "t"},
		Destination{Host: "127.0.0.1", Port: 80})
	require.NoError(t, err)
	defer ch.Close()

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(got), "payload"), "got %q", got)
}
