// Package discord adapts the Discord gateway and REST API to the
// platform.Channel contract.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/platform"
	"github.com/kynetic/kynetic/internal/streaming"
)

const (
	// Discord drops the typing indicator after about ten seconds.
	typingInterval = 8 * time.Second

	inboundBuffer = 64
)

// Adapter implements platform.Channel over Discord.
type Adapter struct {
	cfg     config.DiscordConfig
	rest    *restClient
	logger  *logger.Logger
	inbound chan platform.NormalizedMessage

	mu      sync.Mutex
	cancel  context.CancelFunc
	typing  map[string]chan struct{}
	started bool
}

func NewAdapter(cfg config.DiscordConfig, log *logger.Logger) *Adapter {
	if cfg.HardCap <= 0 {
		cfg.HardCap = streaming.DefaultHardCap
	}
	if cfg.EmbedCap <= 0 {
		cfg.EmbedCap = streaming.DefaultEmbedCap
	}
	return &Adapter{
		cfg:     cfg,
		rest:    newRESTClient(cfg.Token),
		logger:  log.WithComponent("discord"),
		inbound: make(chan platform.NormalizedMessage, inboundBuffer),
		typing:  make(map[string]chan struct{}),
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("discord adapter already started")
	}
	if a.cfg.Token == "" {
		return fmt.Errorf("discord token is not configured")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true

	gw := newGateway(a.cfg.Token, "", a.inbound, a.logger)
	go gw.run(runCtx)
	a.logger.Info("discord adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.cancel()
	for channel, stop := range a.typing {
		close(stop)
		delete(a.typing, channel)
	}
	a.started = false
	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) SupportsStreaming() bool { return true }

func (a *Adapter) Messages() <-chan platform.NormalizedMessage { return a.inbound }

// SendMessage posts text to a channel, splitting over the hard cap. The
// returned ref names the first message; later parts are fire-and-forget
// continuations.
func (a *Adapter) SendMessage(ctx context.Context, channel, text string, opts platform.SendOptions) (platform.MessageRef, error) {
	if a.cfg.UseEmbeds {
		return a.sendEmbeds(ctx, channel, text, opts)
	}

	parts := streaming.SplitForEmbeds(text, a.cfg.HardCap)
	if len(parts) == 0 {
		return platform.MessageRef{}, fmt.Errorf("empty message")
	}

	var ref platform.MessageRef
	for i, part := range parts {
		payload := createMessagePayload{Content: part}
		if i == 0 && opts.ReplyTo != "" {
			payload.MessageReference = &messageReference{MessageID: opts.ReplyTo}
		}
		id, err := a.rest.createMessage(ctx, channel, payload)
		if err != nil {
			return ref, fmt.Errorf("failed to send message: %w", err)
		}
		if i == 0 {
			ref.MessageID = id
		}
	}
	return ref, nil
}

func (a *Adapter) sendEmbeds(ctx context.Context, channel, text string, opts platform.SendOptions) (platform.MessageRef, error) {
	payload := createMessagePayload{Embeds: buildEmbeds(text, a.cfg.EmbedCap)}
	if opts.ReplyTo != "" {
		payload.MessageReference = &messageReference{MessageID: opts.ReplyTo}
	}
	id, err := a.rest.createMessage(ctx, channel, payload)
	if err != nil {
		return platform.MessageRef{}, fmt.Errorf("failed to send embeds: %w", err)
	}
	return platform.MessageRef{MessageID: id}, nil
}

// EditMessage rewrites a sent message. When the new text no longer fits
// the hard cap, the original keeps the first part and the overflow goes
// out as fresh messages whose ids are reported to the caller.
func (a *Adapter) EditMessage(ctx context.Context, channel, messageID, text string) (platform.EditResult, error) {
	result := platform.EditResult{MessageID: messageID}

	if a.cfg.UseEmbeds {
		embeds := buildEmbeds(text, a.cfg.EmbedCap)
		if err := a.rest.editMessage(ctx, channel, messageID, editMessagePayload{Embeds: embeds}); err != nil {
			return result, fmt.Errorf("failed to edit embeds: %w", err)
		}
		return result, nil
	}

	parts := streaming.SplitForEmbeds(text, a.cfg.HardCap)
	if len(parts) == 0 {
		return result, fmt.Errorf("empty message")
	}

	if err := a.rest.editMessage(ctx, channel, messageID, editMessagePayload{Content: parts[0]}); err != nil {
		return result, fmt.Errorf("failed to edit message: %w", err)
	}
	for _, part := range parts[1:] {
		id, err := a.rest.createMessage(ctx, channel, createMessagePayload{Content: part})
		if err != nil {
			return result, fmt.Errorf("failed to send overflow message: %w", err)
		}
		result.OverflowIDs = append(result.OverflowIDs, id)
	}
	return result, nil
}

// StartTyping keeps the typing indicator alive until StopTyping. Failures
// are logged and swallowed.
func (a *Adapter) StartTyping(ctx context.Context, channel string) {
	a.mu.Lock()
	if _, active := a.typing[channel]; active {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.typing[channel] = stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := a.rest.triggerTyping(ctx, channel); err != nil {
				a.logger.Debug("typing indicator failed",
					zap.String("channel", channel), zap.Error(err))
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (a *Adapter) StopTyping(channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, active := a.typing[channel]; active {
		close(stop)
		delete(a.typing, channel)
	}
}

// buildEmbeds renders text as description embeds, footered "Part i of N"
// when it takes more than one.
func buildEmbeds(text string, capLimit int) []embed {
	parts := streaming.SplitForEmbeds(text, capLimit)
	embeds := make([]embed, 0, len(parts))
	for i, part := range parts {
		e := embed{Description: part}
		if len(parts) > 1 {
			e.Footer = &embedFooter{Text: fmt.Sprintf("Part %d of %d", i+1, len(parts))}
		}
		embeds = append(embeds, e)
	}
	return embeds
}
