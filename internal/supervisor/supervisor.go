// Package supervisor talks to the process supervisor, when one is
// present, over the unix socket it advertises in the environment.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// SocketEnv names the unix socket the supervisor listens on. When unset
// the process is running unsupervised.
const SocketEnv = "KYNETIC_SUPERVISOR_SOCKET"

const ackTimeout = 5 * time.Second

// ErrNotSupervised is returned when no supervisor socket is configured.
var ErrNotSupervised = errors.New("no supervisor socket configured")

type restartRequest struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ack struct {
	OK bool `json:"ok"`
}

// Client requests restarts from the supervisor.
type Client struct {
	socketPath string
}

// NewClient reads the socket path from the environment.
func NewClient() *Client {
	return &Client{socketPath: os.Getenv(SocketEnv)}
}

// NewClientWithSocket is for tests and explicit wiring.
func NewClientWithSocket(path string) *Client {
	return &Client{socketPath: path}
}

// Supervised reports whether a supervisor socket is configured.
func (c *Client) Supervised() bool {
	return c.socketPath != ""
}

// RequestRestart sends one JSON line {"type":"restart","reason":...} and
// waits for {"ok":true} within the ack timeout.
func (c *Client) RequestRestart(ctx context.Context, reason string) error {
	if c.socketPath == "" {
		return ErrNotSupervised
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ackTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	line, err := json.Marshal(restartRequest{Type: "restart", Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to encode restart request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to send restart request: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("no supervisor ack: %w", err)
	}
	var response ack
	if err := json.Unmarshal(reply, &response); err != nil {
		return fmt.Errorf("bad supervisor ack: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("supervisor declined restart")
	}
	return nil
}
