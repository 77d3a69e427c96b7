package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/storage"
)

// maxRestoredTurns bounds how much history a restoration prompt replays.
const maxRestoredTurns = 8

// restorer rebuilds conversational context for a rotated or recovered
// session from the persisted turn log.
type restorer struct {
	conversations storage.ConversationStore
	reconstructor *storage.TurnReconstructor
	logger        *logger.Logger
}

func newRestorer(conversations storage.ConversationStore, eventStore storage.SessionEventStore, log *logger.Logger) *restorer {
	return &restorer{
		conversations: conversations,
		reconstructor: storage.NewTurnReconstructor(eventStore),
		logger:        log.WithComponent("restorer"),
	}
}

// buildPrompt renders the most recent turns of a conversation into a
// restoration prompt. An empty return means there is nothing worth
// restoring.
func (r *restorer) buildPrompt(ctx context.Context, conversationID string) string {
	turns, err := r.conversations.ListTurns(ctx, conversationID)
	if err != nil {
		r.logger.Warn("failed to list turns for restoration",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return ""
	}
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > maxRestoredTurns {
		turns = turns[len(turns)-maxRestoredTurns:]
	}

	var b strings.Builder
	for _, turn := range turns {
		text, err := r.reconstructor.Reconstruct(ctx, turn)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, strings.TrimSpace(text))
	}
	if b.Len() == 0 {
		return ""
	}

	return "Your conversation context was reset. Here is the recent history " +
		"of this conversation; continue naturally from it without mentioning " +
		"the reset:\n\n" + b.String()
}
