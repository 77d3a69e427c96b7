package session

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/events/bus"
)

// ReportParser extracts a usage sample from one line of the agent's stderr.
type ReportParser interface {
	Parse(line string) (Usage, bool)
}

// contextReportPattern matches the agent's /context report, e.g.
// "context: 62% (124k/200k) model=claude-x".
var contextReportPattern = regexp.MustCompile(`context:\s*(\d+(?:\.\d+)?)%(?:.*?\bmodel=(\S+))?`)

// ContextReportParser parses the default /context report format.
type ContextReportParser struct{}

// Parse extracts the usage percentage and optional model id.
func (ContextReportParser) Parse(line string) (Usage, bool) {
	match := contextReportPattern.FindStringSubmatch(line)
	if match == nil {
		return Usage{}, false
	}
	percent, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return Usage{}, false
	}
	return Usage{Percentage: percent / 100, ModelID: match[2]}, true
}

// UsageTracker watches the agent's stderr for context-usage reports and
// applies them to session states on demand. Sampling is debounced per
// session and bounded by a timeout; failures are non-fatal.
type UsageTracker struct {
	parser   ReportParser
	debounce time.Duration
	timeout  time.Duration
	bus      bus.EventBus
	logger   *logger.Logger

	mu          sync.Mutex
	lastSampled map[string]time.Time
	waiters     []chan Usage
}

// NewUsageTracker creates a tracker. Zero durations fall back to a 30s
// debounce and a 10s timeout.
func NewUsageTracker(parser ReportParser, debounce, timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *UsageTracker {
	if parser == nil {
		parser = ContextReportParser{}
	}
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &UsageTracker{
		parser:      parser,
		debounce:    debounce,
		timeout:     timeout,
		bus:         eventBus,
		logger:      log.WithComponent("usage-tracker"),
		lastSampled: make(map[string]time.Time),
	}
}

// Watch consumes stderr lines until the channel closes, delivering every
// parsed report to pending samplers. Run it once per agent spawn.
func (t *UsageTracker) Watch(lines <-chan string) {
	for line := range lines {
		usage, ok := t.parser.Parse(line)
		if !ok {
			continue
		}
		usage.SampledAt = time.Now()

		t.mu.Lock()
		waiters := t.waiters
		t.waiters = nil
		t.mu.Unlock()

		for _, waiter := range waiters {
			waiter <- usage
		}
	}
}

// Sample requests a fresh usage reading for the session and applies it to
// the state. Debounced per session key; a timeout or missing report leaves
// the previous sample in place and publishes usage.error.
func (t *UsageTracker) Sample(ctx context.Context, state *State) {
	t.mu.Lock()
	if last, ok := t.lastSampled[state.SessionKey]; ok && time.Since(last) < t.debounce {
		t.mu.Unlock()
		return
	}
	t.lastSampled[state.SessionKey] = time.Now()

	waiter := make(chan Usage, 1)
	t.waiters = append(t.waiters, waiter)
	t.mu.Unlock()

	select {
	case usage := <-waiter:
		state.SetContextUsage(usage)
		t.publish(ctx, events.UsageUpdated, state, map[string]any{
			"percentage": usage.Percentage,
			"model_id":   usage.ModelID,
		})
	case <-time.After(t.timeout):
		t.dropWaiter(waiter)
		t.logger.Warn("usage sample timed out",
			zap.String("session_key", state.SessionKey))
		t.publish(ctx, events.UsageError, state, map[string]any{
			"error": "usage sample timed out",
		})
	case <-ctx.Done():
		t.dropWaiter(waiter)
	}
}

func (t *UsageTracker) dropWaiter(waiter chan Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.waiters {
		if w == waiter {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			break
		}
	}
}

func (t *UsageTracker) publish(ctx context.Context, eventType string, state *State, data map[string]any) {
	if t.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "usage-tracker", data)
	subject := events.BuildSessionSubject(eventType, state.ACPSessionID)
	if err := t.bus.Publish(ctx, subject, event); err != nil {
		t.logger.Warn("failed to publish usage event", zap.Error(err))
	}
}
