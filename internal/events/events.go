package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type Type string

const (
	TypeRunStart        Type = "RUN.START"
	TypeRunEnd          Type = "RUN.END"
	TypeTurnEnd         Type = "TURN.END"
	TypeGenerationError Type = "GENERATION.ERROR"
	TypeSafetyEscalated Type = "SAFETY.ESCALATION"
	TypePersistError    Type = "PERSIST.ERROR"
	TypeMemoryFallback  Type = "MEMORY.FALLBACK"
	TypeConfigDegraded  Type = "CONFIG.DEGRADED"
)

// Severity grades ERROR events; responder-side failures are raised higher.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Event is one append-only entry in a run's event log.
type Event struct {
	ID         string         `json:"id"`
	Level      Level          `json:"level"`
	Type       Type           `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	ScenarioID string         `json:"scenario_id"`
	TurnIndex  int            `json:"turn_index,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	At         time.Time      `json:"at"`
}

// Sink receives events. LogEvent must return once the event is durable for that sink.
type Sink interface {
	LogEvent(ctx context.Context, ev Event) error
}

// Stamp fills the id and timestamp when they are missing.
func Stamp(ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	return ev
}

// Multi fans an event out to every sink, in order, and joins their errors.
type Multi []Sink

func (m Multi) LogEvent(ctx context.Context, ev Event) error {
	ev = Stamp(ev)
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.LogEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer is the persistence side of an event log.
type Writer interface {
	AppendEvent(ctx context.Context, ev Event) error
}

// StoreSink appends events to a run store. Events that belong to no run are skipped.
type StoreSink struct {
	w Writer
}

func NewStoreSink(w Writer) *StoreSink {
	return &StoreSink{w: w}
}

func (s *StoreSink) LogEvent(ctx context.Context, ev Event) error {
	if s == nil || s.w == nil || ev.RunID == "" {
		return nil
	}
	return s.w.AppendEvent(ctx, Stamp(ev))
}

// Recorder keeps every event in memory, in arrival order.
type Recorder struct {
	mu  sync.Mutex
	all []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LogEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, Stamp(ev))
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.all))
	copy(out, r.all)
	return out
}

// Count returns how many recorded events match typ and level. Empty filters match all.
func (r *Recorder) Count(typ Type, level Level) int {
	n := 0
	for _, ev := range r.Events() {
		if (typ == "" || ev.Type == typ) && (level == "" || ev.Level == level) {
			n++
		}
	}
	return n
}
