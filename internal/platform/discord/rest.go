package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	apiBase        = "https://discord.com/api/v10"
	requestTimeout = 15 * time.Second
)

// restClient is a minimal Discord REST surface: create, edit, typing.
type restClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func newRESTClient(token string) *restClient {
	return &restClient{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: apiBase,
		token:   token,
	}
}

type messageReference struct {
	MessageID string `json:"message_id"`
}

type embed struct {
	Description string       `json:"description"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type createMessagePayload struct {
	Content          string            `json:"content,omitempty"`
	Embeds           []embed           `json:"embeds,omitempty"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
}

type editMessagePayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

func (r *restClient) createMessage(ctx context.Context, channelID string, payload createMessagePayload) (string, error) {
	var resp messageResponse
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := r.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *restClient) editMessage(ctx context.Context, channelID, messageID string, payload editMessagePayload) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return r.do(ctx, http.MethodPatch, path, payload, nil)
}

func (r *restClient) triggerTyping(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s/typing", channelID)
	return r.do(ctx, http.MethodPost, path, nil, nil)
}

func (r *restClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord request failed: %w", err)
	}
	defer resp.Body.Close()

	// One retry after the advertised delay on rate limit.
	if resp.StatusCode == http.StatusTooManyRequests {
		var limited struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&limited)
		resp.Body.Close()

		select {
		case <-time.After(time.Duration(limited.RetryAfter * float64(time.Second))):
		case <-ctx.Done():
			return ctx.Err()
		}
		return r.do(ctx, method, path, payload, out)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("discord API %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
