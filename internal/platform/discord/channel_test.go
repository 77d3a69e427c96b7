package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/platform"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]any
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) add(r recordedRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r)
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.requests...)
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

// fakeDiscordAPI records REST calls and answers with sequential message ids.
func fakeDiscordAPI(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	nextID := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorded := recordedRequest{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&recorded.body)
		}
		log.add(recorded)

		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/typing") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		nextID++
		_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("msg-%d", nextID)})
	}))
	t.Cleanup(server.Close)
	return server, log
}

func testAdapter(t *testing.T, cfg config.DiscordConfig) (*Adapter, *requestLog) {
	t.Helper()
	server, requests := fakeDiscordAPI(t)
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	a := NewAdapter(cfg, logger.NewNop())
	a.rest.baseURL = server.URL
	return a, requests
}

func TestSendMessageSingle(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{HardCap: 2000})

	ref, err := a.SendMessage(context.Background(), "c1", "hello there", platform.SendOptions{ReplyTo: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", ref.MessageID)

	require.Equal(t, 1, requests.count())
	req := requests.all()[0]
	assert.Equal(t, "/channels/c1/messages", req.path)
	assert.Equal(t, "hello there", req.body["content"])
	reference := req.body["message_reference"].(map[string]any)
	assert.Equal(t, "m1", reference["message_id"])
}

func TestSendMessageSplitsOverHardCap(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{HardCap: 100})

	ref, err := a.SendMessage(context.Background(), "c1", strings.Repeat("x", 250), platform.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", ref.MessageID)

	recorded := requests.all()
	require.GreaterOrEqual(t, len(recorded), 3)
	for _, req := range recorded {
		content := req.body["content"].(string)
		assert.LessOrEqual(t, len(content), 100)
	}
	// Only the first part carries the reply reference.
	_, hasRef := recorded[1].body["message_reference"]
	assert.False(t, hasRef)
}

func TestEditMessageInPlace(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{HardCap: 2000})

	result, err := a.EditMessage(context.Background(), "c1", "msg-7", "updated")
	require.NoError(t, err)
	assert.Equal(t, "msg-7", result.MessageID)
	assert.Empty(t, result.OverflowIDs)

	recorded := requests.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, http.MethodPatch, recorded[0].method)
	assert.Equal(t, "/channels/c1/messages/msg-7", recorded[0].path)
}

func TestEditMessageOverflowsPastHardCap(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{HardCap: 100})

	result, err := a.EditMessage(context.Background(), "c1", "msg-7", strings.Repeat("y", 180))
	require.NoError(t, err)
	assert.Equal(t, "msg-7", result.MessageID)
	require.Len(t, result.OverflowIDs, 1)

	recorded := requests.all()
	require.Len(t, recorded, 2)
	assert.Equal(t, http.MethodPatch, recorded[0].method)
	assert.Equal(t, http.MethodPost, recorded[1].method)
}

func TestSendEmbedsWithPartFooters(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{UseEmbeds: true, EmbedCap: 100})

	_, err := a.SendMessage(context.Background(), "c1", strings.Repeat("z", 150), platform.SendOptions{})
	require.NoError(t, err)

	require.Equal(t, 1, requests.count())
	embeds := requests.all()[0].body["embeds"].([]any)
	require.Len(t, embeds, 2)
	first := embeds[0].(map[string]any)
	footer := first["footer"].(map[string]any)
	assert.Equal(t, "Part 1 of 2", footer["text"])
}

func TestSingleEmbedHasNoFooter(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{UseEmbeds: true, EmbedCap: 4096})

	_, err := a.SendMessage(context.Background(), "c1", "short", platform.SendOptions{})
	require.NoError(t, err)

	embeds := requests.all()[0].body["embeds"].([]any)
	require.Len(t, embeds, 1)
	_, hasFooter := embeds[0].(map[string]any)["footer"]
	assert.False(t, hasFooter)
}

func TestTypingLoopStartsAndStops(t *testing.T) {
	a, requests := testAdapter(t, config.DiscordConfig{})

	a.StartTyping(context.Background(), "c1")
	// Duplicate start is a no-op.
	a.StartTyping(context.Background(), "c1")

	require.Eventually(t, func() bool {
		return requests.count() >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "/channels/c1/typing", requests.all()[0].path)

	a.StopTyping("c1")
	a.StopTyping("c1")
}

func TestNormalizeMessageGuild(t *testing.T) {
	msg := normalizeMessage(messageCreateData{
		ID:        "m1",
		ChannelID: "c1",
		Content:   "hi",
		GuildID:   "g1",
		Author:    gatewayUser{ID: "u1", Username: "alice"},
	})

	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "c1", msg.Channel)
	assert.Equal(t, "discord", msg.Sender.Platform)
	assert.Equal(t, "alice", msg.Sender.DisplayName)
	assert.Equal(t, false, msg.Metadata["is_dm"])
	assert.Equal(t, "g1", msg.Metadata["guild_id"])
}

func TestNormalizeMessageDM(t *testing.T) {
	msg := normalizeMessage(messageCreateData{
		ID:        "m2",
		ChannelID: "dm1",
		Author:    gatewayUser{ID: "u2"},
	})

	assert.Equal(t, true, msg.Metadata["is_dm"])
	_, hasGuild := msg.Metadata["guild_id"]
	assert.False(t, hasGuild)
}

func TestStartRequiresToken(t *testing.T) {
	a := NewAdapter(config.DiscordConfig{}, logger.NewNop())
	require.Error(t, a.Start(context.Background()))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	a := NewAdapter(config.DiscordConfig{Token: "t"}, logger.NewNop())
	assert.NoError(t, a.Stop(context.Background()))
}
