package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events/bus"
)

func TestContextReportParser(t *testing.T) {
	parser := ContextReportParser{}

	usage, ok := parser.Parse("context: 62% (124k/200k) model=claude-x")
	require.True(t, ok)
	assert.InDelta(t, 0.62, usage.Percentage, 0.001)
	assert.Equal(t, "claude-x", usage.ModelID)

	usage, ok = parser.Parse("context: 7.5%")
	require.True(t, ok)
	assert.InDelta(t, 0.075, usage.Percentage, 0.001)
	assert.Empty(t, usage.ModelID)

	_, ok = parser.Parse("some unrelated stderr noise")
	assert.False(t, ok)
}

func TestUsageTrackerSampleAppliesReport(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.NewNop())
	defer eventBus.Close()

	tracker := NewUsageTracker(nil, time.Hour, time.Second, eventBus, logger.NewNop())
	lines := make(chan string)
	go tracker.Watch(lines)
	defer close(lines)

	state := NewState("k1", "acp-1", "")

	done := make(chan struct{})
	go func() {
		tracker.Sample(context.Background(), state)
		close(done)
	}()

	// Give the sampler a moment to register, then emit the report.
	time.Sleep(20 * time.Millisecond)
	lines <- "context: 41% model=claude-x"

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sample did not complete")
	}

	usage := state.ContextUsage()
	require.NotNil(t, usage)
	assert.InDelta(t, 0.41, usage.Percentage, 0.001)
}

func TestUsageTrackerDebounce(t *testing.T) {
	tracker := NewUsageTracker(nil, time.Hour, 50*time.Millisecond, nil, logger.NewNop())
	state := NewState("k1", "acp-1", "")

	// First sample times out (no watcher feeding reports).
	start := time.Now()
	tracker.Sample(context.Background(), state)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// Second sample inside the debounce window returns immediately.
	start = time.Now()
	tracker.Sample(context.Background(), state)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestUsageTrackerTimeoutIsNonFatal(t *testing.T) {
	tracker := NewUsageTracker(nil, time.Millisecond, 30*time.Millisecond, nil, logger.NewNop())
	state := NewState("k1", "acp-1", "")
	state.SetContextUsage(Usage{Percentage: 0.5})

	tracker.Sample(context.Background(), state)

	// The stale sample survives a failed refresh.
	usage := state.ContextUsage()
	require.NotNil(t, usage)
	assert.InDelta(t, 0.5, usage.Percentage, 0.001)
}
