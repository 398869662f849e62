package generation

import (
	"context"
	"fmt"
	"strings"
)

// MockBackend provides deterministic local text when no model endpoint is configured.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Generate(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var text string
	if req.Role == RoleSyntheticUser {
		text = mockUserLine(req)
	} else {
		text = mockReply(req)
	}
	return Result{Success: true, Text: text, Meta: map[string]any{"backend": "mock"}}, nil
}

func mockUserLine(req Request) string {
	if req.Seed != "" {
		return req.Seed
	}
	goal := ""
	if len(req.Goals) > 0 {
		goal = req.Goals[(req.TurnIndex-1+len(req.Goals))%len(req.Goals)]
	}
	if req.Lang == "en" {
		if goal == "" {
			return fmt.Sprintf("(%s) I'd like to keep talking.", req.Beat.Name)
		}
		return fmt.Sprintf("(%s) I need to talk about this: %s", req.Beat.Name, goal)
	}
	if goal == "" {
		return fmt.Sprintf("(%s) Me gustaría seguir hablando.", req.Beat.Name)
	}
	return fmt.Sprintf("(%s) Necesito hablar de esto: %s", req.Beat.Name, goal)
}

func mockReply(req Request) string {
	base := strings.TrimSpace(req.Utterance)
	heard, remember := "Te escucho: %s", "También recuerdo: %s"
	if req.Lang == "en" {
		heard, remember = "I hear you: %s", "I also remember: %s"
	}
	if base == "" {
		return fmt.Sprintf(heard, "...")
	}
	if len(req.Memory) == 0 {
		return fmt.Sprintf(heard, base)
	}
	last := strings.TrimSpace(req.Memory[len(req.Memory)-1])
	if last == "" {
		return fmt.Sprintf(heard, base)
	}
	return fmt.Sprintf(heard+"\n"+remember, base, last)
}
