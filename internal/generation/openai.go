package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

// ChatConfig configures an OpenAI-compatible chat completions endpoint.
type ChatConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	HTTPTimeout time.Duration
}

// ChatClient calls /chat/completions, retrying transient failures.
type ChatClient struct {
	config     ChatConfig
	httpClient *http.Client
	retry      reliability.RetryPolicy
}

func NewChatClient(cfg ChatConfig) *ChatClient {
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	return &ChatClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		retry:      reliability.RetryPolicy{MaxRetries: cfg.MaxRetries, Base: 300 * time.Millisecond, Cap: 3 * time.Second},
	}
}

// Complete sends messages and returns the first choice's content and the attempt count.
func (c *ChatClient) Complete(ctx context.Context, messages []Message) (string, int, error) {
	reqBody := map[string]any{
		"model":       c.config.Model,
		"messages":    messages,
		"temperature": c.config.Temperature,
		"max_tokens":  c.config.MaxTokens,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	var content string
	attempts, err := reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		var callErr error
		content, callErr = c.do(ctx, body)
		return callErr
	})
	return content, attempts, err
}

// CompleteText is a single system+user exchange.
func (c *ChatClient) CompleteText(ctx context.Context, system, user string) (string, error) {
	text, _, err := c.Complete(ctx, []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	return text, err
}

func (c *ChatClient) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		return "", &reliability.StatusError{Code: resp.StatusCode, ErrorType: apiErr.Error.Type, Body: truncate(string(respBody), 512)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}

// OpenAIBackend generates both roles through a chat completions endpoint.
type OpenAIBackend struct {
	client *ChatClient
}

func NewOpenAIBackend(client *ChatClient) *OpenAIBackend {
	return &OpenAIBackend{client: client}
}

func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (Result, error) {
	text, attempts, err := b.client.Complete(ctx, BuildMessages(req))
	meta := map[string]any{"backend": "openai", "model": b.client.config.Model, "attempts": attempts}
	if err != nil {
		return Result{Meta: meta}, fmt.Errorf("chat completion: %w", err)
	}
	return Result{Success: true, Text: text, Meta: meta}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
