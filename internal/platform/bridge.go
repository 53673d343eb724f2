package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Bridge is an HTTP client for the sidecar that owns the actual platform
// sessions (bot token and privileged user session). It implements both Bot
// and Userbot against the sidecar's JSON API.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
}

// NewBridge builds a bridge client for the given base URL.
func NewBridge(baseURL string, timeout time.Duration) *Bridge {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var (
	_ Bot     = (*Bridge)(nil)
	_ Userbot = (*Bridge)(nil)
)

func (b *Bridge) Updates(ctx context.Context, offset int64, limit int) ([]Submission, int64, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Submissions []Submission `json:"submissions"`
		NextOffset  int64        `json:"next_offset"`
	}
	if err := b.get(ctx, "/bot/updates?"+q.Encode(), &out); err != nil {
		return nil, offset, err
	}
	return out.Submissions, out.NextOffset, nil
}

func (b *Bridge) SendMessage(ctx context.Context, chatID int64, text string) error {
	return b.post(ctx, "/bot/send-message", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

func (b *Bridge) SendVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	return b.post(ctx, "/bot/send-video", map[string]any{
		"chat_id": chatID,
		"file_id": fileID,
		"caption": caption,
	}, nil)
}

func (b *Bridge) Relay(ctx context.Context, msg MessageRef, toChannel int64) (MessageRef, error) {
	var out MessageRef
	err := b.post(ctx, "/userbot/relay", map[string]any{
		"from_chat_id": msg.ChatID,
		"message_id":   msg.MessageID,
		"to_chat_id":   toChannel,
	}, &out)
	return out, err
}

func (b *Bridge) ScheduleCopy(ctx context.Context, msg MessageRef, toChannel int64, at time.Time) (MessageRef, error) {
	var out MessageRef
	err := b.post(ctx, "/userbot/schedule-copy", map[string]any{
		"from_chat_id": msg.ChatID,
		"message_id":   msg.MessageID,
		"to_chat_id":   toChannel,
		"schedule_at":  at.UTC().Format(time.RFC3339),
	}, &out)
	return out, err
}

func (b *Bridge) GetMessage(ctx context.Context, ref MessageRef) (Message, error) {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(ref.ChatID, 10))
	q.Set("message_id", strconv.FormatInt(ref.MessageID, 10))
	var out Message
	if err := b.get(ctx, "/userbot/message?"+q.Encode(), &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (b *Bridge) DeleteScheduled(ctx context.Context, ref MessageRef) error {
	return b.post(ctx, "/userbot/delete-scheduled", map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
	}, nil)
}

func (b *Bridge) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return b.do(req, out)
}

func (b *Bridge) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *Bridge) do(req *http.Request, out any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrMessageDeleted
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}
