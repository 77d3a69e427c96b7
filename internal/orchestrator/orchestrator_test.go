package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/agent/lifecycle"
	"github.com/kynetic/kynetic/internal/checkpoint"
	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/events/bus"
	"github.com/kynetic/kynetic/internal/platform"
	"github.com/kynetic/kynetic/internal/session"
	"github.com/kynetic/kynetic/internal/storage"
	acpclient "github.com/kynetic/kynetic/pkg/acp/client"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

type promptRecord struct {
	SessionID string
	Source    string
	Text      string
}

// scriptedClient plays the agent: prompts with a user source stream the
// scripted chunks through the update handler before resolving.
type scriptedClient struct {
	mu            sync.Mutex
	onUpdate      acpclient.UpdateHandler
	sessionSeq    int
	prompts       []promptRecord
	chunks        []string
	promptErr     error
	systemErrOnce error
	promptGate    chan struct{}
	stopReason    string
}

func (c *scriptedClient) NewSession(ctx context.Context, cwd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionSeq++
	return fmt.Sprintf("acp-%d", c.sessionSeq), nil
}

func (c *scriptedClient) Prompt(ctx context.Context, sessionID, source string, blocks []protocol.ContentBlock) (*protocol.PromptResult, error) {
	text := ""
	if len(blocks) > 0 {
		text = blocks[0].Text
	}
	c.mu.Lock()
	c.prompts = append(c.prompts, promptRecord{SessionID: sessionID, Source: source, Text: text})
	if source == "system" && c.systemErrOnce != nil {
		err := c.systemErrOnce
		c.systemErrOnce = nil
		c.mu.Unlock()
		return nil, err
	}
	handler := c.onUpdate
	gate := c.promptGate
	chunks := c.chunks
	err := c.promptErr
	reason := c.stopReason
	c.mu.Unlock()

	if gate != nil && source == "user" {
		<-gate
	}
	if err != nil && source == "user" {
		return nil, err
	}
	if source == "user" && handler != nil {
		for _, chunk := range chunks {
			content := protocol.TextBlock(chunk)
			handler(sessionID, protocol.SessionUpdate{
				Kind:    protocol.UpdateAgentMessageChunk,
				Content: &content,
			})
		}
	}
	if reason == "" {
		reason = protocol.StopReasonEndTurn
	}
	return &protocol.PromptResult{StopReason: reason}, nil
}

func (c *scriptedClient) Cancel(ctx context.Context, sessionID string) error { return nil }

func (c *scriptedClient) OnUpdate(h acpclient.UpdateHandler) {
	c.mu.Lock()
	c.onUpdate = h
	c.mu.Unlock()
}

func (c *scriptedClient) recordedPrompts() []promptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]promptRecord(nil), c.prompts...)
}

type fakeRuntime struct {
	mu      sync.Mutex
	client  *scriptedClient
	spawns  int
	stops   int
	tracked []string
}

func (r *fakeRuntime) Spawn(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns++
	return nil
}

func (r *fakeRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRuntime) State() lifecycle.State { return lifecycle.StateHealthy }

func (r *fakeRuntime) Client() ACPClient { return r.client }

func (r *fakeRuntime) TrackSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, id)
}

type sendRecord struct {
	Channel string
	Text    string
	ReplyTo string
	ID      string
}

type editRecord struct {
	MessageID string
	Text      string
}

type fakeChannel struct {
	mu        sync.Mutex
	streaming bool
	sends     []sendRecord
	edits     []editRecord
	nextID    int
	inbound   chan platform.NormalizedMessage
}

func newFakeChannel(streaming bool) *fakeChannel {
	return &fakeChannel{streaming: streaming, inbound: make(chan platform.NormalizedMessage, 8)}
}

func (c *fakeChannel) Start(ctx context.Context) error { return nil }
func (c *fakeChannel) Stop(ctx context.Context) error  { return nil }

func (c *fakeChannel) SendMessage(ctx context.Context, channel, text string, opts platform.SendOptions) (platform.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("out-%d", c.nextID)
	c.sends = append(c.sends, sendRecord{Channel: channel, Text: text, ReplyTo: opts.ReplyTo, ID: id})
	return platform.MessageRef{MessageID: id}, nil
}

func (c *fakeChannel) EditMessage(ctx context.Context, channel, messageID, text string) (platform.EditResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, editRecord{MessageID: messageID, Text: text})
	return platform.EditResult{MessageID: messageID}, nil
}

func (c *fakeChannel) StartTyping(ctx context.Context, channel string) {}

func (c *fakeChannel) StopTyping(channel string) {}

func (c *fakeChannel) SupportsStreaming() bool { return c.streaming }

func (c *fakeChannel) Messages() <-chan platform.NormalizedMessage { return c.inbound }

func (c *fakeChannel) sentMessages() []sendRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sendRecord(nil), c.sends...)
}

func (c *fakeChannel) editedMessages() []editRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]editRecord(nil), c.edits...)
}

type testHarness struct {
	orch    *Orchestrator
	client  *scriptedClient
	runtime *fakeRuntime
	channel *fakeChannel
	store   *storage.MemoryStore
	bus     bus.EventBus
	cps     *checkpoint.Store
	baseDir string
}

func newHarness(t *testing.T, streamingChannel bool) *testHarness {
	t.Helper()
	baseDir := t.TempDir()
	log := logger.NewNop()
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	store := storage.NewMemoryStore()
	router := session.NewRouter([]string{"kyn"})
	sessions := session.NewManager(router, store, session.ManagerConfig{}, log)
	client := &scriptedClient{}
	runtime := &fakeRuntime{client: client}
	channel := newFakeChannel(streamingChannel)
	cps := checkpoint.NewStore(baseDir)

	orch := New(Config{
		AgentName:       "kyn",
		BaseDir:         baseDir,
		ShutdownTimeout: 2 * time.Second,
		Streaming:       config.StreamingConfig{MinChars: 1, IdleMs: 20},
	}, Deps{
		Bus:         memBus,
		Runtime:     runtime,
		Router:      router,
		Sessions:    sessions,
		Store:       store,
		Channel:     channel,
		Checkpoints: cps,
		Logger:      log,
	})

	return &testHarness{
		orch: orch, client: client, runtime: runtime, channel: channel,
		store: store, bus: memBus, cps: cps, baseDir: baseDir,
	}
}

func (h *testHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Start(context.Background()))
	t.Cleanup(func() { _ = h.orch.Stop(context.Background()) })
}

func inboundMessage(id, text string) platform.NormalizedMessage {
	return platform.NormalizedMessage{
		ID:      id,
		Text:    text,
		Sender:  platform.Sender{ID: "u1", Platform: "discord"},
		Channel: "c1",
	}
}

func TestHelloPathBufferedChannel(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"He", "llo", "", ", user!"}
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	sends := h.channel.sentMessages()
	require.Len(t, sends, 1)
	assert.Equal(t, "Hello, user!", sends[0].Text)
	assert.Equal(t, "c1", sends[0].Channel)
	assert.Equal(t, "m1", sends[0].ReplyTo)

	// One prompt.sent, then four chunks and a stop, in log order.
	eventRecords, err := h.store.ListEvents(context.Background(), "acp-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, eventRecords, 6)
	assert.Equal(t, storage.EventPromptSent, eventRecords[0].Type)
	for _, record := range eventRecords[1:] {
		assert.Equal(t, storage.EventSessionUpdate, record.Type)
	}
	var last map[string]string
	require.NoError(t, json.Unmarshal(eventRecords[5].Payload, &last))
	assert.Equal(t, "stop", last["sessionUpdate"])

	conv, err := h.store.GetConversationBySessionKey(context.Background(), "kyn:discord:channel:c1")
	require.NoError(t, err)
	turns, err := h.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, storage.RoleUser, turns[0].Role)
	assert.Equal(t, turns[0].StartSeq, turns[0].EndSeq)
	assert.Equal(t, storage.RoleAssistant, turns[1].Role)
	assert.Equal(t, turns[0].EndSeq+1, turns[1].StartSeq)
	assert.Equal(t, turns[1].StartSeq+4, turns[1].EndSeq)
	assert.Equal(t, "m1", turns[0].MessageID)
}

func TestStreamingChannelSendsThenEdits(t *testing.T) {
	h := newHarness(t, true)
	h.client.chunks = []string{"first part ", "second part"}
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	sends := h.channel.sentMessages()
	require.Len(t, sends, 1)
	edits := h.channel.editedMessages()
	require.NotEmpty(t, edits)
	final := edits[len(edits)-1]
	assert.Equal(t, sends[0].ID, final.MessageID)
	assert.Equal(t, "first part second part", final.Text)
}

func TestIdentityInjectedOnceForNewSession(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"ok"}
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "one")))
	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m2", "two")))

	prompts := h.client.recordedPrompts()
	require.Len(t, prompts, 3)
	assert.Equal(t, "system", prompts[0].Source)
	assert.Contains(t, prompts[0].Text, "persistent general assistant")
	assert.Equal(t, "user", prompts[1].Source)
	assert.Equal(t, "one", prompts[1].Text)
	assert.Equal(t, "user", prompts[2].Source)
}

func TestWakeBeforeIdentityAndCheckpointConsumed(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"ok"}
	require.NoError(t, h.cps.Write(&checkpoint.Checkpoint{
		SessionID:     "S",
		RestartReason: "planned",
		WakeContext:   checkpoint.WakeContext{Prompt: "continue task X"},
	}))

	consumed := make(chan struct{}, 1)
	_, err := h.bus.Subscribe(events.CheckpointConsumed, func(ctx context.Context, event *bus.Event) error {
		select {
		case consumed <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	h.start(t)
	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	prompts := h.client.recordedPrompts()
	require.Len(t, prompts, 3)
	assert.Equal(t, "system", prompts[0].Source)
	assert.Contains(t, prompts[0].Text, "continue task X")
	assert.Contains(t, prompts[0].Text, "planned")
	assert.Equal(t, "system", prompts[1].Source)
	assert.Contains(t, prompts[1].Text, "persistent general assistant")
	assert.Equal(t, "user", prompts[2].Source)

	_, statErr := os.Stat(h.cps.Path())
	assert.True(t, os.IsNotExist(statErr), "checkpoint must be deleted after wake")

	select {
	case <-consumed:
	case <-time.After(time.Second):
		t.Fatal("checkpoint.consumed not published")
	}
}

func TestRotationSendsRestorationNotIdentity(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"answer"}
	h.start(t)

	// Seed a first exchange so the conversation has turns to replay.
	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "remember the plan")))

	// Report heavy context usage; the next message rotates.
	info := h.orch.Sessions()
	require.Len(t, info, 1)
	state, ok := h.orch.router.Get(info[0].SessionKey)
	require.True(t, ok)
	state.SetContextUsage(session.Usage{Percentage: 0.72, SampledAt: time.Now()})

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m2", "and now?")))

	prompts := h.client.recordedPrompts()
	// identity, user one, restoration, user two.
	require.Len(t, prompts, 4)
	restoration := prompts[2]
	assert.Equal(t, "system", restoration.Source)
	assert.Equal(t, "acp-2", restoration.SessionID)
	assert.Contains(t, restoration.Text, "recent history")
	assert.Contains(t, restoration.Text, "remember the plan")
	assert.Equal(t, "user", prompts[3].Source)
	assert.Equal(t, "acp-2", prompts[3].SessionID)
}

func TestConcurrentMessagesSameSessionBothDelivered(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"reply"}
	h.client.promptGate = make(chan struct{})
	h.start(t)

	results := make(chan error, 2)
	go func() {
		results <- h.orch.HandleMessage(context.Background(), inboundMessage("m1", "first"))
	}()
	go func() {
		results <- h.orch.HandleMessage(context.Background(), inboundMessage("m2", "second"))
	}()

	require.Eventually(t, func() bool {
		return h.orch.InFlight() == 2
	}, time.Second, 10*time.Millisecond)
	close(h.client.promptGate)

	require.NoError(t, <-results)
	require.NoError(t, <-results)

	sends := h.channel.sentMessages()
	require.Len(t, sends, 2)

	// Each message kept its own update stream: two prompt.sent records,
	// each followed by its chunk and stop.
	eventRecords, err := h.store.ListEvents(context.Background(), "acp-1", 1, 100)
	require.NoError(t, err)
	require.Len(t, eventRecords, 6)
	promptEvents := 0
	for _, record := range eventRecords {
		if record.Type == storage.EventPromptSent {
			promptEvents++
		}
	}
	assert.Equal(t, 2, promptEvents)
}

func TestWakeConsumedOnceWhenInjectionFails(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"ok"}
	h.client.systemErrOnce = fmt.Errorf("agent busy")
	require.NoError(t, h.cps.Write(&checkpoint.Checkpoint{
		SessionID:     "S",
		RestartReason: "planned",
		WakeContext:   checkpoint.WakeContext{Prompt: "continue task X"},
	}))
	h.start(t)

	// The wake prompt fails; the checkpoint is consumed regardless.
	require.Error(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))
	_, statErr := os.Stat(h.cps.Path())
	assert.True(t, os.IsNotExist(statErr), "checkpoint must be gone after the failed wake")

	// The next message must not replay the wake.
	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m2", "again")))
	prompts := h.client.recordedPrompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, "user", prompts[1].Source)
	assert.NotContains(t, prompts[1].Text, "continue task X")
}

func TestPromptErrorPublishesMessageError(t *testing.T) {
	h := newHarness(t, false)
	h.client.promptErr = fmt.Errorf("agent exploded")

	errored := make(chan struct{}, 1)
	_, err := h.bus.Subscribe(events.MessageError, func(ctx context.Context, event *bus.Event) error {
		select {
		case errored <- struct{}{}:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	h.start(t)
	require.Error(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	select {
	case <-errored:
	case <-time.After(time.Second):
		t.Fatal("message.error not published")
	}

	// No assistant output, no turns.
	assert.Empty(t, h.channel.sentMessages())
	conv, err := h.store.GetConversationBySessionKey(context.Background(), "kyn:discord:channel:c1")
	require.NoError(t, err)
	turns, err := h.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestStopDrainsInFlight(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"late answer"}
	h.client.promptGate = make(chan struct{})
	h.start(t)

	done := make(chan error, 1)
	go func() {
		done <- h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi"))
	}()

	require.Eventually(t, func() bool {
		return h.orch.InFlight() == 1
	}, time.Second, 10*time.Millisecond)

	// Release the prompt shortly after Stop begins draining.
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(h.client.promptGate)
	}()

	require.NoError(t, h.orch.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.orch.State())
	assert.Zero(t, h.orch.InFlight())
	require.NoError(t, <-done)
}

func TestHandleMessageRejectedWhenNotRunning(t *testing.T) {
	h := newHarness(t, false)
	err := h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi"))
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRequestRestartUnsupervised(t *testing.T) {
	h := newHarness(t, false)
	h.start(t)
	err := h.orch.RequestRestart(context.Background(), RestartRequest{Reason: "r"})
	require.Error(t, err)
}

type fakeSupervisor struct {
	err      error
	requests []string
}

func (s *fakeSupervisor) Supervised() bool { return true }

func (s *fakeSupervisor) RequestRestart(ctx context.Context, reason string) error {
	s.requests = append(s.requests, reason)
	return s.err
}

func TestRequestRestartWritesCheckpointAndStops(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"ok"}
	sup := &fakeSupervisor{}
	h.orch.supervisor = sup
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	require.NoError(t, h.orch.RequestRestart(context.Background(), RestartRequest{
		Reason:     "upgrade",
		WakePrompt: "finish the report",
	}))

	assert.Equal(t, []string{"upgrade"}, sup.requests)
	assert.Equal(t, StateStopped, h.orch.State())

	cp, err := h.cps.Load()
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "acp-1", cp.SessionID)
	assert.Equal(t, "upgrade", cp.RestartReason)
	assert.Equal(t, "finish the report", cp.WakeContext.Prompt)
}

func TestRequestRestartDeletesCheckpointOnSupervisorFailure(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"ok"}
	sup := &fakeSupervisor{err: fmt.Errorf("socket gone")}
	h.orch.supervisor = sup
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	err := h.orch.RequestRestart(context.Background(), RestartRequest{
		Reason:     "upgrade",
		WakePrompt: "finish the report",
	})
	require.Error(t, err)

	cp, loadErr := h.cps.Load()
	require.NoError(t, loadErr)
	assert.Nil(t, cp, "checkpoint must be removed after supervisor failure")
	assert.Equal(t, StateRunning, h.orch.State())
}

func TestConversationStoreFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, false)
	h.client.chunks = []string{"still works"}
	h.orch.store = &failingConversations{Store: h.store}
	h.orch.restorer = newRestorer(h.orch.store, h.orch.store, logger.NewNop())
	h.start(t)

	require.NoError(t, h.orch.HandleMessage(context.Background(), inboundMessage("m1", "hi")))

	sends := h.channel.sentMessages()
	require.Len(t, sends, 1)
	assert.Equal(t, "still works", sends[0].Text)
}

// failingConversations wraps a store with a broken conversation surface.
type failingConversations struct {
	storage.Store
}

func (f *failingConversations) GetOrCreateConversation(ctx context.Context, sessionKey, agentName string) (*storage.Conversation, error) {
	return nil, fmt.Errorf("conversation store down")
}
