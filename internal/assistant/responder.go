package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zrchat/zrchat-client/internal/llm"
)

const maxReplyBytes = 1 << 20

// Request is the payload sent to the assistant backend.
type Request struct {
	Message   string    `json:"message"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Responder produces the assistant's reply to one message.
type Responder interface {
	Reply(ctx context.Context, req Request) (string, error)
	Name() string
}

// StatusError is returned for a non-2xx webhook response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("assistant webhook returned status %d", e.Code)
}

// WebhookResponder posts messages to an HTTP webhook.
type WebhookResponder struct {
	url    string
	client *http.Client
}

// NewWebhookResponder creates a responder for url. A nil client uses http.DefaultClient.
func NewWebhookResponder(url string, client *http.Client) *WebhookResponder {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookResponder{url: url, client: client}
}

// Name returns the backend name.
func (w *WebhookResponder) Name() string { return "webhook" }

// Reply implements Responder.
func (w *WebhookResponder) Reply(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.8")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBytes))
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return ExtractReply(body), nil
}

const systemPrompt = "Você é a IARA, assistente virtual do ZRChat. Responda em português, de forma breve e cordial."

// LLMResponder answers through an LLM provider.
type LLMResponder struct {
	client llm.Client
	model  string
}

// NewLLMResponder wraps client. An empty model uses the provider default.
func NewLLMResponder(client llm.Client, model string) *LLMResponder {
	return &LLMResponder{client: client, model: model}
}

// Name returns the backend name.
func (l *LLMResponder) Name() string { return l.client.Name() }

// Reply implements Responder.
func (l *LLMResponder) Reply(ctx context.Context, req Request) (string, error) {
	resp, err := l.client.Complete(ctx, &llm.CompletionRequest{
		Model:  l.model,
		System: systemPrompt,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleUser, Content: req.Message},
		},
	})
	if err != nil {
		return "", err
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return text, nil
	}
	return ProcessingMessage, nil
}
