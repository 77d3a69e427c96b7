package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/platform"
)

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatAck = 11

	// Guild messages, direct messages, and message content.
	gatewayIntents = (1 << 9) | (1 << 12) | (1 << 15)

	reconnectDelay = 5 * time.Second
)

type gatewayPayload struct {
	Op       int             `json:"op"`
	Data     json.RawMessage `json:"d"`
	Sequence *int64          `json:"s"`
	Type     string          `json:"t"`
}

type helloData struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type gatewayUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type readyData struct {
	User gatewayUser `json:"user"`
}

type messageCreateData struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channel_id"`
	Content   string      `json:"content"`
	Author    gatewayUser `json:"author"`
	GuildID   string      `json:"guild_id"`
	Timestamp time.Time   `json:"timestamp"`
	ReferencedMessage *struct {
		ID string `json:"id"`
	} `json:"referenced_message"`
}

// gateway maintains the Discord websocket: identify, heartbeat, dispatch.
// It reconnects with a fixed delay until the context is cancelled.
type gateway struct {
	token    string
	logger   *logger.Logger
	dialURL  string
	messages chan<- platform.NormalizedMessage

	mu        sync.Mutex
	selfID    string
	lastSeq   *int64
	writeConn *websocket.Conn
}

func newGateway(token, dialURL string, messages chan<- platform.NormalizedMessage, log *logger.Logger) *gateway {
	if dialURL == "" {
		dialURL = gatewayURL
	}
	return &gateway{
		token:    token,
		logger:   log.WithComponent("discord-gateway"),
		dialURL:  dialURL,
		messages: messages,
	}
}

// run connects and serves the gateway until ctx is cancelled, reconnecting
// on any connection loss.
func (g *gateway) run(ctx context.Context) {
	for {
		if err := g.connectOnce(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn("gateway connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (g *gateway) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.dialURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()

	g.mu.Lock()
	g.writeConn = conn
	g.mu.Unlock()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	identified := false

	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			return fmt.Errorf("gateway read failed: %w", err)
		}
		if payload.Sequence != nil {
			g.mu.Lock()
			g.lastSeq = payload.Sequence
			g.mu.Unlock()
		}

		switch payload.Op {
		case opHello:
			var hello helloData
			if err := json.Unmarshal(payload.Data, &hello); err != nil {
				return fmt.Errorf("bad hello payload: %w", err)
			}
			go g.heartbeatLoop(time.Duration(hello.HeartbeatIntervalMs)*time.Millisecond, heartbeatStop)
			if !identified {
				if err := g.identify(); err != nil {
					return err
				}
				identified = true
			}

		case opHeartbeat:
			g.sendHeartbeat()

		case opHeartbeatAck:
			// Nothing to do.

		case opDispatch:
			g.handleDispatch(payload.Type, payload.Data)
		}
	}
}

func (g *gateway) identify() error {
	return g.write(gatewayPayload{
		Op: opIdentify,
		Data: mustMarshal(identifyData{
			Token:   g.token,
			Intents: gatewayIntents,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "kynetic",
				Device:  "kynetic",
			},
		}),
	})
}

func (g *gateway) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.sendHeartbeat()
		}
	}
}

func (g *gateway) sendHeartbeat() {
	g.mu.Lock()
	seq := g.lastSeq
	g.mu.Unlock()

	data, _ := json.Marshal(seq)
	if err := g.write(gatewayPayload{Op: opHeartbeat, Data: data}); err != nil {
		g.logger.Debug("heartbeat write failed", zap.Error(err))
	}
}

func (g *gateway) write(payload gatewayPayload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeConn == nil {
		return fmt.Errorf("gateway not connected")
	}
	return g.writeConn.WriteJSON(payload)
}

func (g *gateway) handleDispatch(eventType string, data json.RawMessage) {
	switch eventType {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			g.logger.Warn("bad READY payload", zap.Error(err))
			return
		}
		g.mu.Lock()
		g.selfID = ready.User.ID
		g.mu.Unlock()
		g.logger.Info("gateway ready", zap.String("user_id", ready.User.ID))

	case "MESSAGE_CREATE":
		var msg messageCreateData
		if err := json.Unmarshal(data, &msg); err != nil {
			g.logger.Warn("bad MESSAGE_CREATE payload", zap.Error(err))
			return
		}
		g.mu.Lock()
		self := g.selfID
		g.mu.Unlock()
		if msg.Author.ID == self || msg.Author.Bot {
			return
		}
		g.deliver(normalizeMessage(msg))
	}
}

func (g *gateway) deliver(msg platform.NormalizedMessage) {
	select {
	case g.messages <- msg:
	default:
		g.logger.Warn("inbound message dropped, consumer is behind",
			zap.String("message_id", msg.ID))
	}
}

// normalizeMessage maps a gateway MESSAGE_CREATE into the platform shape.
func normalizeMessage(msg messageCreateData) platform.NormalizedMessage {
	metadata := map[string]any{
		"is_dm": msg.GuildID == "",
	}
	if msg.GuildID != "" {
		metadata["guild_id"] = msg.GuildID
	}
	if msg.ReferencedMessage != nil {
		metadata["referenced_message_id"] = msg.ReferencedMessage.ID
	}
	return platform.NormalizedMessage{
		ID:   msg.ID,
		Text: msg.Content,
		Sender: platform.Sender{
			ID:          msg.Author.ID,
			Platform:    "discord",
			DisplayName: msg.Author.Username,
		},
		Channel:   msg.ChannelID,
		Timestamp: msg.Timestamp,
		Metadata:  metadata,
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
