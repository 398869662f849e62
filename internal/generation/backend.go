// Package generation turns a prompt context into text for either side of a simulated
// conversation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/rehearsal/internal/beats"
)

type Role string

const (
	RoleSyntheticUser Role = "synthetic_user"
	RoleResponder     Role = "responder"
)

// DefaultTimeout bounds a single Generate call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrUnsuccessful is returned when a backend answers but reports failure or empty text.
var ErrUnsuccessful = errors.New("generation unsuccessful")

// Message is one prior utterance, in chat form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Persona is the slice of the profile the synthetic user is played from.
type Persona struct {
	ProfileID string   `json:"profile_id,omitempty"`
	Tone      string   `json:"tone,omitempty"`
	Traits    []string `json:"traits,omitempty"`
	MinWords  int      `json:"min_words,omitempty"`
	MaxWords  int      `json:"max_words,omitempty"`
}

// Request is the full prompt context for one generation.
type Request struct {
	Role         Role       `json:"role"`
	Lang         string     `json:"lang"`
	RunID        string     `json:"run_id,omitempty"`
	TurnIndex    int        `json:"turn_index"`
	SystemSpec   string     `json:"system_spec,omitempty"`
	ScenarioID   string     `json:"scenario_id"`
	Title        string     `json:"title,omitempty"`
	Goals        []string   `json:"goals,omitempty"`
	Relationship string     `json:"relationship,omitempty"`
	Seed         string     `json:"seed,omitempty"`
	Beat         beats.Beat `json:"beat"`
	Memory       []string   `json:"memory,omitempty"`
	Utterance    string     `json:"utterance,omitempty"`
	History      []Message  `json:"history,omitempty"`
	Persona      Persona    `json:"persona"`
}

type Result struct {
	Success bool           `json:"success"`
	Text    string         `json:"text"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Backend generates text. Implementations return errors rather than panicking; callers
// treat any error, an unsuccessful result or empty text as a failed generation.
type Backend interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Result, error)

func (f BackendFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Text runs one bounded generation and collapses every failure mode into an error.
func Text(ctx context.Context, b Backend, req Request) (string, Result, error) {
	if b == nil {
		return "", Result{}, fmt.Errorf("%w: no backend configured", ErrUnsuccessful)
	}
	res, err := b.Generate(ctx, req)
	if err != nil {
		return "", res, err
	}
	text := strings.TrimSpace(res.Text)
	if !res.Success || text == "" {
		return "", res, ErrUnsuccessful
	}
	return text, res, nil
}

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every call to b. A call that outlives d fails with
// context.DeadlineExceeded even if b ignores its context.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutBackend{next: b, timeout: d}
}

func (t *timeoutBackend) Generate(ctx context.Context, req Request) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := t.next.Generate(callCtx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-callCtx.Done():
		return Result{}, fmt.Errorf("generate %s: %w", req.Role, callCtx.Err())
	}
}
