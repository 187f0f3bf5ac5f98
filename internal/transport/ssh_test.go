package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tunerr "ecstunnel/internal/errors"
	"ecstunnel/util"
)

func TestSSHOpener_RemoteLine(t *testing.T) {
	o := NewSSHOpener(&SSHConfig{Host: "bastion"}, CommandBuilder{}, nil)
	dest := Destination{Host: "127.0.0.1", Port: 5432}

	line, err := o.RemoteLine(Identity{Cluster: "ops@bastion"}, dest)
	require.NoError(t, err)
	assert.Equal(t, "nc 127.0.0.1 5432", line)

	line, err = o.RemoteLine(Identity{Cluster: "ops@bastion", Task: "db-1"}, dest)
	require.NoError(t, err)
	assert.Equal(t, "docker exec -i db-1 nc 127.0.0.1 5432", line)

	line, err = o.RemoteLine(Identity{Cluster: "ops@bastion", Container: "web"}, dest)
	require.NoError(t, err)
	assert.Equal(t, "docker exec -i web nc 127.0.0.1 5432", line)

	_, err = o.RemoteLine(Identity{Task: "db;reboot"}, dest)
	assert.Error(t, err)
}

func TestSSHOpener_Defaults(t *testing.T) {
	cfg := &SSHConfig{Host: "bastion"}
	NewSSHOpener(cfg, CommandBuilder{}, util.Discard())
	assert.Equal(t, 22, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ConnTimeout)
}

func TestSSHOpener_DialFailureIsChannelError(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	keyPath := t.TempDir() + "/id"
	writeTestKey(t, keyPath)

	o := NewSSHOpener(&SSHConfig{
		User:        "ops",
		Host:        util.LoopbackHost,
		Port:        port,
		KeyPath:     keyPath,
		ConnTimeout: time.Second,
	}, CommandBuilder{}, nil)
	defer o.Close()

	_, err = o.Open(context.Background(), Identity{}, Destination{Host: "127.0.0.1", Port: 80})
	var ce *tunerr.ChannelError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "start", ce.Op)
	assert.NoError(t, o.Close())
}
