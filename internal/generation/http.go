package generation

import (
	"bufio"
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

// HTTPBackend posts the Request as JSON to a generation endpoint. The endpoint may answer
// with a JSON object, plain text, or a text/event-stream / NDJSON stream of deltas.
type HTTPBackend struct {
	url    string
	client *http.Client
}

func NewHTTPBackend(url string) *HTTPBackend {
	return &HTTPBackend{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, &reliability.StatusError{Code: res.StatusCode, Body: string(body)}
	}

	meta := map[string]any{"backend": "http"}
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if sse := strings.Contains(ct, "text/event-stream"); sse || strings.Contains(ct, "application/x-ndjson") {
		text, err := consumeStreaming(res.Body, sse)
		if err != nil {
			return Result{}, err
		}
		return Result{Success: strings.TrimSpace(text) != "", Text: text, Meta: meta}, nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		return Result{Success: text != "", Text: text, Meta: meta}, nil
	}

	text := extractText(obj)
	success := strings.TrimSpace(text) != ""
	if v, ok := obj["success"].(bool); ok {
		success = v
	}
	if m, ok := obj["meta"].(map[string]any); ok {
		for k, v := range m {
			meta[k] = v
		}
	}
	return Result{Success: success, Text: text, Meta: meta}, nil
}

// consumeStreaming concatenates the deltas of a stream. For SSE only data fields carry
// payload; comments and event/id/retry fields are skipped. For NDJSON every line does.
func consumeStreaming(body io.Reader, sse bool) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if sse {
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			line = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
