package generation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config controls backend construction.
type Config struct {
	Mode       string
	HTTPURL    string
	APIURL     string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// NewBackend builds the backend selected by cfg.Mode (auto, mock, http or openai), wrapped
// so that every call is bounded by cfg.Timeout.
func NewBackend(cfg Config) (Backend, error) {
	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return WithTimeout(b, cfg.Timeout), nil
}

// ModeOf reports the concrete backend kind behind b.
func ModeOf(b Backend) string {
	if t, ok := b.(*timeoutBackend); ok {
		b = t.next
	}
	switch v := b.(type) {
	case *MockBackend:
		return "mock"
	case *HTTPBackend:
		return "http"
	case *OpenAIBackend:
		return "openai"
	case *FallbackBackend:
		return ModeOf(v.primary) + "+" + ModeOf(v.secondary)
	case nil:
		return "none"
	default:
		return "custom"
	}
}

func newBackend(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoBackend(cfg), nil
	case "mock":
		return NewMockBackend(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("generation HTTP url is required for http mode")
		}
		return NewHTTPBackend(cfg.HTTPURL), nil
	case "openai":
		if strings.TrimSpace(cfg.APIURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("generation API url and key are required for openai mode")
		}
		return newOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", cfg.Mode)
	}
}

// newAutoBackend prefers a chat endpoint, then a plain HTTP endpoint, then the mock.
// The mock is never used as a silent fallback behind a real endpoint.
func newAutoBackend(cfg Config) Backend {
	var httpBackend Backend
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		httpBackend = NewHTTPBackend(cfg.HTTPURL)
	}
	if strings.TrimSpace(cfg.APIKey) != "" && strings.TrimSpace(cfg.APIURL) != "" {
		chat := newOpenAI(cfg)
		if httpBackend != nil {
			return NewFallbackBackend(chat, httpBackend)
		}
		return chat
	}
	if httpBackend != nil {
		return httpBackend
	}
	return NewMockBackend()
}

func newOpenAI(cfg Config) *OpenAIBackend {
	return NewOpenAIBackend(NewChatClient(ChatConfig{
		APIURL:      cfg.APIURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: 0.8,
		MaxRetries:  cfg.MaxRetries,
	}))
}
