package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/agent/lifecycle"
	apperrors "github.com/kynetic/kynetic/internal/common/errors"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/platform"
	"github.com/kynetic/kynetic/internal/session"
	"github.com/kynetic/kynetic/internal/storage"
	"github.com/kynetic/kynetic/internal/streaming"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

// updateSink receives the agent's session updates for one in-flight prompt.
type updateSink func(update protocol.SessionUpdate)

// HandleMessage runs one inbound message through the pipeline: resolve the
// session, inject system prompts as needed, stream the agent's response to
// the platform, and persist the turn pair.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg platform.NormalizedMessage) error {
	if o.State() != StateRunning {
		return ErrNotRunning
	}
	started := time.Now()
	log := o.logger.WithFields(zap.String("message_id", msg.ID), zap.String("channel", msg.Channel))

	o.mu.Lock()
	o.lastChannel = msg.Channel
	o.mu.Unlock()

	o.inFlight.Add(1)
	o.channel.StartTyping(ctx, msg.Channel)
	defer func() {
		o.channel.StopTyping(msg.Channel)
		o.inFlight.Add(-1)
	}()

	key, err := o.router.Resolve(o.cfg.AgentName, msg.Sender.Platform, peerKindFor(msg), peerIDFor(msg))
	if err != nil {
		err = apperrors.Wrap(apperrors.KindRouting, "unroutable message", err)
		o.publishError(msg, err)
		return err
	}
	log = log.WithSessionKey(key)

	acpClient, err := o.ensureAgentReady(ctx)
	if err != nil {
		o.publishError(msg, err)
		return err
	}

	// Conversation persistence is best-effort: a storage failure degrades
	// to an unpersisted exchange.
	conv, err := o.store.GetOrCreateConversation(ctx, key, o.cfg.AgentName)
	if err != nil {
		log.Warn("conversation lookup failed, turns will not be persisted", zap.Error(err))
		conv = nil
	}

	result, err := o.sessions.GetOrCreate(ctx, key, acpClient)
	if err != nil {
		o.publishError(msg, err)
		return fmt.Errorf("failed to obtain session: %w", err)
	}
	state := result.State
	sessionID := state.ACPSessionID
	o.runtime.TrackSession(sessionID)

	// One prompt turn per ACP session at a time: a concurrent message on
	// the same session waits here instead of clobbering the update sink,
	// and prompt.sent is only appended once this message holds the turn.
	turnLock := o.promptLock(sessionID)
	turnLock.Lock()
	defer turnLock.Unlock()

	if result.IsNew && conv != nil {
		state.ConversationID = conv.ID
	}

	if err := o.injectSystemPrompts(ctx, acpClient, result, log); err != nil {
		o.publishError(msg, err)
		return err
	}

	render := o.newRenderState(ctx, msg)
	coalescer := o.newCoalescer(render)

	var queueMu sync.Mutex
	var queued []json.RawMessage

	o.setSink(sessionID, func(update protocol.SessionUpdate) {
		// Locally pre-emitted user chunks render elsewhere; only the
		// agent's own stream lands in the event log.
		if update.Kind == protocol.UpdateUserMessageChunk {
			return
		}
		if payload, err := json.Marshal(update); err == nil {
			queueMu.Lock()
			queued = append(queued, payload)
			queueMu.Unlock()
		}

		switch update.Kind {
		case protocol.UpdateAgentMessageChunk:
			// An empty chunk is a block boundary; the coalescer flushes
			// the pending snapshot on it.
			text := ""
			if update.Content != nil {
				text = update.Content.Text
			}
			coalescer.Push(text)
		case protocol.UpdateToolCall:
			o.publishSessionScoped(events.ToolCall, sessionID, map[string]any{
				"session_id":   sessionID,
				"tool_call_id": update.ToolCallID,
				"title":        update.Title,
				"kind":         update.ToolKind,
				"message_id":   render.currentMessageID(),
			})
		case protocol.UpdateToolCallUpdate:
			o.publishSessionScoped(events.ToolUpdate, sessionID, map[string]any{
				"session_id":   sessionID,
				"tool_call_id": update.ToolCallID,
				"status":       update.Status,
				"message_id":   render.currentMessageID(),
			})
		}
	})
	defer o.clearSink(sessionID)

	// The prompt.sent event precedes every session.update for this prompt
	// in the log; updates are queued and flushed after completion.
	promptSeq := o.appendPromptEvent(ctx, sessionID, msg.Text, log)

	promptResult, err := acpClient.Prompt(ctx, sessionID, "user", []protocol.ContentBlock{protocol.TextBlock(msg.Text)})
	if err != nil {
		err = apperrors.Wrap(apperrors.KindRemote, "prompt failed", err)
		coalescer.Abort()
		o.publishError(msg, err)
		return err
	}

	coalescer.Complete()

	stopPayload, _ := json.Marshal(map[string]string{
		"sessionUpdate": "stop",
		"stopReason":    promptResult.StopReason,
	})
	queueMu.Lock()
	queued = append(queued, stopPayload)
	queueMu.Unlock()

	firstSeq, lastSeq := o.flushUpdateEvents(ctx, sessionID, queued, log)

	if conv != nil && promptSeq > 0 {
		o.appendTurns(ctx, conv.ID, sessionID, msg.ID, promptSeq, firstSeq, lastSeq, log)
	}

	if o.tracker != nil {
		go o.tracker.Sample(context.Background(), state)
	}

	o.publishSessionScoped(events.TurnEnd, sessionID, map[string]any{
		"session_id": sessionID,
		"channel":    msg.Channel,
	})
	o.publish(events.MessageProcessed, map[string]any{
		"message_id": msg.ID,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	log.Info("message processed",
		zap.String("stop_reason", promptResult.StopReason),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// ensureAgentReady spawns the agent when it is not running and returns the
// live client.
func (o *Orchestrator) ensureAgentReady(ctx context.Context) (ACPClient, error) {
	if state := o.runtime.State(); state != lifecycle.StateHealthy {
		if err := o.runtime.Spawn(ctx, ""); err != nil {
			return nil, apperrors.Wrap(apperrors.KindSpawn, "agent not ready", err)
		}
	}
	acpClient := o.runtime.Client()
	if acpClient == nil {
		return nil, fmt.Errorf("agent has no live client")
	}
	o.attachClient(acpClient)
	return acpClient, nil
}

// injectSystemPrompts sends, in order, the context-restoration prompt, the
// one-shot wake prompt, and the identity prompt, all with a system source.
func (o *Orchestrator) injectSystemPrompts(ctx context.Context, acpClient ACPClient, result *session.GetResult, log *logger.Logger) error {
	state := result.State
	contextRestored := false

	if (result.WasRotated || result.WasRecovered) && state.ConversationID != "" {
		restoration := o.restorer.buildPrompt(ctx, state.ConversationID)
		if restoration != "" {
			if _, err := acpClient.Prompt(ctx, state.ACPSessionID, "system",
				[]protocol.ContentBlock{protocol.TextBlock(restoration)}); err != nil {
				return fmt.Errorf("context restoration failed: %w", err)
			}
			contextRestored = true
			log.Info("context restored", zap.String("conversation_id", state.ConversationID))
		}
	}

	if result.IsNew && !contextRestored {
		o.mu.Lock()
		wake := o.wake
		o.mu.Unlock()

		// Wake before identity: situational facts precede the role
		// declaration. The checkpoint is consumed before the send so the
		// wake fires at most once even when the prompt fails.
		if wake != nil {
			if err := o.checkpoints.Delete(); err != nil {
				log.Warn("failed to delete checkpoint", zap.Error(err))
			}
			o.mu.Lock()
			o.wake = nil
			o.mu.Unlock()
			o.publish(events.CheckpointConsumed, map[string]any{
				"session_id": state.ACPSessionID,
				"reason":     wake.RestartReason,
			})
			if _, err := acpClient.Prompt(ctx, state.ACPSessionID, "system",
				[]protocol.ContentBlock{protocol.TextBlock(wake.WakePrompt())}); err != nil {
				return fmt.Errorf("wake prompt failed: %w", err)
			}
		}

		if o.identityPrompt != "" {
			if _, err := acpClient.Prompt(ctx, state.ACPSessionID, "system",
				[]protocol.ContentBlock{protocol.TextBlock(o.identityPrompt)}); err != nil {
				return fmt.Errorf("identity prompt failed: %w", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) appendPromptEvent(ctx context.Context, sessionID, text string, log *logger.Logger) int64 {
	payload, err := json.Marshal(storage.PromptPayload{
		Source: "user",
		Blocks: []protocol.ContentBlock{protocol.TextBlock(text)},
	})
	if err != nil {
		return 0
	}
	_, seq, err := o.store.AppendEvent(ctx, &storage.Event{
		SessionID: sessionID,
		Type:      storage.EventPromptSent,
		Payload:   payload,
	})
	if err != nil {
		log.Warn("failed to append prompt event", zap.Error(err))
		return 0
	}
	return seq
}

func (o *Orchestrator) flushUpdateEvents(ctx context.Context, sessionID string, queued []json.RawMessage, log *logger.Logger) (firstSeq, lastSeq int64) {
	for _, payload := range queued {
		_, seq, err := o.store.AppendEvent(ctx, &storage.Event{
			SessionID: sessionID,
			Type:      storage.EventSessionUpdate,
			Payload:   payload,
		})
		if err != nil {
			log.Warn("failed to append update event", zap.Error(err))
			continue
		}
		if firstSeq == 0 {
			firstSeq = seq
		}
		lastSeq = seq
	}
	return firstSeq, lastSeq
}

func (o *Orchestrator) appendTurns(ctx context.Context, conversationID, sessionID, messageID string, promptSeq, firstSeq, lastSeq int64, log *logger.Logger) {
	userTurn := &storage.Turn{
		ConversationID: conversationID,
		Role:           storage.RoleUser,
		SessionID:      sessionID,
		StartSeq:       promptSeq,
		EndSeq:         promptSeq,
		MessageID:      messageID,
	}
	if err := o.store.AppendTurn(ctx, userTurn); err != nil {
		log.Warn("failed to persist user turn", zap.Error(err))
		return
	}
	if firstSeq == 0 {
		return
	}
	assistantTurn := &storage.Turn{
		ConversationID: conversationID,
		Role:           storage.RoleAssistant,
		SessionID:      sessionID,
		StartSeq:       firstSeq,
		EndSeq:         lastSeq,
	}
	if err := o.store.AppendTurn(ctx, assistantTurn); err != nil {
		log.Warn("failed to persist assistant turn", zap.Error(err))
	}
}

func (o *Orchestrator) publishError(msg platform.NormalizedMessage, err error) {
	o.publish(events.MessageError, map[string]any{
		"message_id": msg.ID,
		"channel":    msg.Channel,
		"kind":       string(apperrors.KindOf(err)),
		"error":      err.Error(),
	})
}

// attachClient installs the update dispatcher on a client the first time
// that client instance is seen. Respawns hand out a fresh client.
func (o *Orchestrator) attachClient(acpClient ACPClient) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attachedClient == acpClient {
		return
	}
	o.attachedClient = acpClient
	acpClient.OnUpdate(o.dispatchUpdate)
}

func (o *Orchestrator) dispatchUpdate(sessionID string, update protocol.SessionUpdate) {
	o.sinksMu.Lock()
	sink, ok := o.sinks[sessionID]
	o.sinksMu.Unlock()
	if ok {
		sink(update)
	}
}

// promptLock returns the mutex serializing prompt turns for one ACP
// session, creating it on first use.
func (o *Orchestrator) promptLock(sessionID string) *sync.Mutex {
	o.promptLocksMu.Lock()
	defer o.promptLocksMu.Unlock()
	lock, ok := o.promptLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.promptLocks[sessionID] = lock
	}
	return lock
}

func (o *Orchestrator) setSink(sessionID string, sink updateSink) {
	o.sinksMu.Lock()
	o.sinks[sessionID] = sink
	o.sinksMu.Unlock()
}

func (o *Orchestrator) clearSink(sessionID string) {
	o.sinksMu.Lock()
	delete(o.sinks, sessionID)
	o.sinksMu.Unlock()
}

func peerKindFor(msg platform.NormalizedMessage) session.PeerKind {
	if isDM, _ := msg.Metadata["is_dm"].(bool); isDM {
		return session.PeerUser
	}
	return session.PeerChannel
}

func peerIDFor(msg platform.NormalizedMessage) string {
	if isDM, _ := msg.Metadata["is_dm"].(bool); isDM {
		return msg.Sender.ID
	}
	return msg.Channel
}

// renderState serializes sends and edits for one response so snapshot
// edits never interleave.
type renderState struct {
	o       *Orchestrator
	ctx     context.Context
	channel string
	replyTo string

	mu        sync.Mutex
	messageID string
	tracker   *streaming.SplitTracker
}

func (o *Orchestrator) newRenderState(ctx context.Context, msg platform.NormalizedMessage) *renderState {
	return &renderState{
		o:       o,
		ctx:     ctx,
		channel: msg.Channel,
		replyTo: msg.ID,
		tracker: streaming.NewSplitTracker(o.cfg.Discord.SoftCap, o.cfg.Discord.HardCap),
	}
}

func (o *Orchestrator) newCoalescer(render *renderState) streaming.Coalescer {
	if o.channel.SupportsStreaming() {
		return streaming.NewStreamCoalescer(
			o.cfg.Streaming.MinChars,
			o.cfg.Streaming.Idle(),
			render.renderSnapshot,
			func(string) {},
		)
	}
	return streaming.NewBufferedCoalescer(render.renderFinal)
}

// renderSnapshot applies one authoritative snapshot: keep editing the
// current message, hold off inside an open fence, or split into new
// messages.
func (r *renderState) renderSnapshot(snapshot string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	decision := r.tracker.Track(snapshot)
	switch decision.Action {
	case streaming.ActionBuffer:
		return
	case streaming.ActionContinue:
		r.applyLocked(decision.Current)
	case streaming.ActionSplit:
		if len(decision.Chunks) == 0 {
			return
		}
		r.applyLocked(decision.Chunks[0])
		for _, chunk := range decision.Chunks[1:] {
			ref, err := r.o.channel.SendMessage(r.ctx, r.channel, chunk, platform.SendOptions{})
			if err != nil {
				r.o.logger.Warn("failed to send continuation", zap.Error(err))
				return
			}
			r.messageID = ref.MessageID
		}
	}
}

func (r *renderState) applyLocked(text string) {
	if text == "" {
		return
	}
	if r.messageID == "" {
		ref, err := r.o.channel.SendMessage(r.ctx, r.channel, text, platform.SendOptions{ReplyTo: r.replyTo})
		if err != nil {
			r.o.logger.Warn("failed to send message", zap.Error(err))
			return
		}
		r.messageID = ref.MessageID
		return
	}
	result, err := r.o.channel.EditMessage(r.ctx, r.channel, r.messageID, text)
	if err != nil {
		r.o.logger.Warn("failed to edit message", zap.Error(err))
		return
	}
	if n := len(result.OverflowIDs); n > 0 {
		r.messageID = result.OverflowIDs[n-1]
	}
}

// renderFinal sends the whole response once; the adapter splits over its
// own caps.
func (r *renderState) renderFinal(full string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(full)
}

func (r *renderState) currentMessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageID
}
