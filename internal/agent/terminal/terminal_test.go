package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/logger"
)

func TestCreateCapturesMergedOutput(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sh", []string{"-c", "echo out; echo err 1>&2"}, nil, "", 0)
	require.NoError(t, err)

	exit, err := session.WaitExit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)

	output, truncated, exitInfo := session.Drain()
	assert.Contains(t, output, "out")
	assert.Contains(t, output, "err")
	assert.False(t, truncated)
	require.NotNil(t, exitInfo)
	assert.Equal(t, 0, *exitInfo.ExitCode)
}

func TestDrainIsIncremental(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sh", []string{"-c", "echo first"}, nil, "", 0)
	require.NoError(t, err)
	_, err = session.WaitExit(context.Background())
	require.NoError(t, err)

	output, _, _ := session.Drain()
	assert.Contains(t, output, "first")

	// A second drain returns nothing new.
	output, _, _ = session.Drain()
	assert.Empty(t, output)
}

func TestOutputCapSetsTruncated(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sh", []string{"-c", "yes x | head -c 4096"}, nil, "", 1024)
	require.NoError(t, err)
	_, err = session.WaitExit(context.Background())
	require.NoError(t, err)

	output, truncated, _ := session.Drain()
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(output), 1024)
}

func TestNonZeroExitCode(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sh", []string{"-c", "exit 3"}, nil, "", 0)
	require.NoError(t, err)

	exit, err := session.WaitExit(context.Background())
	require.NoError(t, err)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 3, *exit.ExitCode)
}

func TestKillReportsSignal(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sleep", []string{"30"}, nil, "", 0)
	require.NoError(t, err)

	exit := session.Kill()
	require.NotNil(t, exit.Signal)
	assert.Contains(t, strings.ToLower(*exit.Signal), "kill")
}

func TestWaitExitHonorsContext(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sleep", []string{"30"}, nil, "", 0)
	require.NoError(t, err)
	defer session.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = session.WaitExit(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnvPassedToCommand(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sh", []string{"-c", "echo $TEST_TERMINAL_VAR"},
		map[string]string{"TEST_TERMINAL_VAR": "hello-env"}, "", 0)
	require.NoError(t, err)
	_, err = session.WaitExit(context.Background())
	require.NoError(t, err)

	output, _, _ := session.Drain()
	assert.Contains(t, output, "hello-env")
}

func TestReleaseKillsAndForgets(t *testing.T) {
	m := NewManager(logger.NewNop())

	session, err := m.Create("sleep", []string{"30"}, nil, "", 0)
	require.NoError(t, err)

	m.Release(session.ID)
	assert.True(t, session.Exited())
	_, ok := m.Get(session.ID)
	assert.False(t, ok)

	// Releasing an unknown id is a no-op.
	m.Release("missing")
}

func TestReleaseAll(t *testing.T) {
	m := NewManager(logger.NewNop())

	s1, err := m.Create("sleep", []string{"30"}, nil, "", 0)
	require.NoError(t, err)
	s2, err := m.Create("sleep", []string{"30"}, nil, "", 0)
	require.NoError(t, err)

	m.ReleaseAll()
	assert.True(t, s1.Exited())
	assert.True(t, s2.Exited())
	_, ok := m.Get(s1.ID)
	assert.False(t, ok)
}
