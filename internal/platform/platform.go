// Package platform defines the chat-platform surface the orchestrator
// consumes: a Channel that delivers inbound messages and accepts sends,
// edits, and typing indicators.
package platform

import (
	"context"
	"time"
)

// Sender identifies the author of an inbound message.
type Sender struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
}

// NormalizedMessage is the platform-independent shape of an inbound chat
// message. It is immutable after creation; the ID is platform-unique and
// used for idempotency upstream.
type NormalizedMessage struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Sender    Sender         `json:"sender"`
	Channel   string         `json:"channel"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SendOptions carries optional send behavior.
type SendOptions struct {
	// ReplyTo references the inbound message this send answers, when the
	// platform supports threaded replies.
	ReplyTo string
}

// MessageRef identifies a message the adapter has sent.
type MessageRef struct {
	MessageID string
}

// EditResult reports the outcome of an edit. When the edited text grew
// past the platform's hard cap the adapter splits the overflow into
// additional messages and reports their ids.
type EditResult struct {
	MessageID   string
	OverflowIDs []string
}

// Channel is the adapter contract between a chat platform and the
// orchestrator. StartTyping and StopTyping are best-effort: failures are
// logged by the adapter and never surfaced to the caller.
type Channel interface {
	// Start connects the adapter; Messages() delivers inbound traffic
	// until Stop.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, channel, text string, opts SendOptions) (MessageRef, error)
	EditMessage(ctx context.Context, channel, messageID, text string) (EditResult, error)

	StartTyping(ctx context.Context, channel string)
	StopTyping(channel string)

	// SupportsStreaming reports whether the adapter can edit sent
	// messages in place, enabling incremental streaming output.
	SupportsStreaming() bool

	Messages() <-chan NormalizedMessage
}
