package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

// PromptPayload is the payload shape of a prompt.sent event.
type PromptPayload struct {
	Source string                  `json:"source"`
	Blocks []protocol.ContentBlock `json:"blocks"`
}

// TurnReconstructor rebuilds a turn's text by replaying its event range
// from the session log.
type TurnReconstructor struct {
	events SessionEventStore
}

// NewTurnReconstructor creates a reconstructor over the given event store.
func NewTurnReconstructor(events SessionEventStore) *TurnReconstructor {
	return &TurnReconstructor{events: events}
}

// Reconstruct replays events start_seq..end_seq and concatenates the text
// content they carry.
func (r *TurnReconstructor) Reconstruct(ctx context.Context, turn *Turn) (string, error) {
	events, err := r.events.ListEvents(ctx, turn.SessionID, turn.StartSeq, turn.EndSeq)
	if err != nil {
		return "", fmt.Errorf("failed to replay events: %w", err)
	}

	var b strings.Builder
	for _, event := range events {
		switch event.Type {
		case EventPromptSent:
			var payload PromptPayload
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return "", fmt.Errorf("malformed prompt.sent payload at seq %d: %w", event.Seq, err)
			}
			for _, block := range payload.Blocks {
				b.WriteString(block.Text)
			}
		case EventSessionUpdate:
			var update protocol.SessionUpdate
			if err := json.Unmarshal(event.Payload, &update); err != nil {
				return "", fmt.Errorf("malformed session.update payload at seq %d: %w", event.Seq, err)
			}
			if update.Kind == protocol.UpdateAgentMessageChunk && update.Content != nil {
				b.WriteString(update.Content.Text)
			}
		}
	}
	return b.String(), nil
}
