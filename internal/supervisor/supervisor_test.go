package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor accepts one connection and answers with the given reply.
func fakeSupervisor(t *testing.T, reply string) (string, <-chan restartRequest) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "supervisor.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	received := make(chan restartRequest, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req restartRequest
		if json.Unmarshal(line, &req) == nil {
			received <- req
		}
		if reply != "" {
			conn.Write([]byte(reply + "\n"))
		}
	}()
	return socketPath, received
}

func TestRequestRestartAcked(t *testing.T) {
	socketPath, received := fakeSupervisor(t, `{"ok":true}`)
	c := NewClientWithSocket(socketPath)

	require.True(t, c.Supervised())
	require.NoError(t, c.RequestRestart(context.Background(), "planned upgrade"))

	select {
	case req := <-received:
		assert.Equal(t, "restart", req.Type)
		assert.Equal(t, "planned upgrade", req.Reason)
	case <-time.After(time.Second):
		t.Fatal("supervisor never saw the request")
	}
}

func TestRequestRestartDeclined(t *testing.T) {
	socketPath, _ := fakeSupervisor(t, `{"ok":false}`)
	c := NewClientWithSocket(socketPath)

	err := c.RequestRestart(context.Background(), "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declined")
}

func TestRequestRestartUnsupervised(t *testing.T) {
	c := NewClientWithSocket("")
	assert.False(t, c.Supervised())
	assert.ErrorIs(t, c.RequestRestart(context.Background(), "r"), ErrNotSupervised)
}

func TestRequestRestartNoSocket(t *testing.T) {
	c := NewClientWithSocket(filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, c.RequestRestart(context.Background(), "r"))
}

func TestRequestRestartNoAck(t *testing.T) {
	socketPath, _ := fakeSupervisor(t, "")
	c := NewClientWithSocket(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.Error(t, c.RequestRestart(ctx, "r"))
}
