package runs

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/policy"
)

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDegraded  Status = "degraded"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a run in this status has been finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDegraded, StatusCancelled:
		return true
	default:
		return false
	}
}

type Speaker string

const (
	SpeakerSyntheticUser Speaker = "synthetic_user"
	SpeakerResponder     Speaker = "responder"
)

// NewRun is the input to CreateRun.
type NewRun struct {
	ScenarioID string
	ProfileID  string
	StoryMode  string
	MaxTurns   int
}

type Run struct {
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenario_id"`
	ProfileID  string     `json:"profile_id"`
	StoryMode  string     `json:"story_mode"`
	MaxTurns   int        `json:"max_turns"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TextMetrics are cheap lexical measurements of a turn's text.
type TextMetrics struct {
	Chars       int     `json:"chars"`
	Words       int     `json:"words"`
	Sentences   int     `json:"sentences"`
	Questions   int     `json:"questions"`
	AvgWordLen  float64 `json:"avg_word_len"`
	Exclamation int     `json:"exclamations"`
}

// SafetyFlags are the moderation annotations stored on a responder turn.
type SafetyFlags struct {
	Matched   []string      `json:"matched,omitempty"`
	Escalated bool          `json:"escalated"`
	Partial   bool          `json:"partial,omitempty"`
	Spans     []policy.Span `json:"spans,omitempty"`
}

// FlagsFrom converts a moderation result into turn annotations.
func FlagsFrom(r policy.SafetyResult) SafetyFlags {
	return SafetyFlags{
		Matched:   r.Matched,
		Escalated: r.Escalated,
		Partial:   r.Partial,
		Spans:     r.Spans,
	}
}

// Turn is an append-only record of one utterance.
type Turn struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Index     int         `json:"index"`
	Speaker   Speaker     `json:"speaker"`
	Text      string      `json:"text"`
	Beat      beats.Beat  `json:"beat"`
	Safety    SafetyFlags `json:"safety"`
	Metrics   TextMetrics `json:"metrics"`
	Memory    []string    `json:"memory,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// MemorySnapshot is the ShortMemory associated with a run after a given turn.
type MemorySnapshot struct {
	RunID     string    `json:"run_id"`
	TurnIndex int       `json:"turn_index"`
	Facts     []string  `json:"facts"`
	Method    string    `json:"method"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists runs, their turns, memory snapshots and event logs.
type Store interface {
	CreateRun(ctx context.Context, in NewRun) (Run, error)
	InsertTurn(ctx context.Context, turn Turn) (string, error)
	UpsertTurnSafety(ctx context.Context, turnID string, flags SafetyFlags) error
	SaveMemory(ctx context.Context, snap MemorySnapshot) error
	FinishRun(ctx context.Context, runID string, status Status) error
	AppendEvent(ctx context.Context, ev events.Event) error

	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListTurns(ctx context.Context, runID string) ([]Turn, error)
	LatestMemory(ctx context.Context, runID string) (MemorySnapshot, error)
	ListEvents(ctx context.Context, runID string, limit int) ([]events.Event, error)
	Close() error
}
