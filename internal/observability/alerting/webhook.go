package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSender posts alert text to an incoming-webhook URL. It satisfies both
// DingTalkSender and SlackSender payload conventions.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender returns a sender with a bounded HTTP timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: strings.TrimSpace(url), Client: &http.Client{Timeout: 5 * time.Second}}
}

// DingTalk adapts the sender to the DingTalk robot message shape.
func (s *WebhookSender) DingTalk() DingTalkSender {
	return dingTalkSender{s}
}

// Slack adapts the sender to the Slack incoming webhook message shape.
func (s *WebhookSender) Slack() SlackSender {
	return slackSender{s}
}

type dingTalkSender struct{ *WebhookSender }

func (d dingTalkSender) Send(ctx context.Context, content string) error {
	return d.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

type slackSender struct{ *WebhookSender }

func (s slackSender) Send(ctx context.Context, channel, content string) error {
	body := map[string]any{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	return s.post(ctx, body)
}

func (s *WebhookSender) post(ctx context.Context, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
