package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/rehearsal/internal/events"
)

var (
	ErrTurnOutOfOrder = errors.New("turn out of order")
	ErrRunFinished    = errors.New("run already finished")
)

// InMemoryStore is an in-process store for local runs and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	ids    *turnIDs
	runs   map[string]*Run
	turns  map[string][]Turn
	byID   map[string]turnRef
	memory map[string]MemorySnapshot
	events map[string][]events.Event
}

type turnRef struct {
	runID string
	pos   int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		ids:    newTurnIDs(),
		runs:   make(map[string]*Run),
		turns:  make(map[string][]Turn),
		byID:   make(map[string]turnRef),
		memory: make(map[string]MemorySnapshot),
		events: make(map[string][]events.Event),
	}
}

func (s *InMemoryStore) CreateRun(_ context.Context, in NewRun) (Run, error) {
	if in.MaxTurns <= 0 {
		return Run{}, fmt.Errorf("max_turns must be positive")
	}
	r := &Run{
		ID:         uuid.NewString(),
		ScenarioID: in.ScenarioID,
		ProfileID:  in.ProfileID,
		StoryMode:  in.StoryMode,
		MaxTurns:   in.MaxTurns,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return *r, nil
}

func (s *InMemoryStore) InsertTurn(_ context.Context, t Turn) (string, error) {
	if err := validateTurn(t); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[t.RunID]
	if !ok {
		return "", ErrNotFound
	}
	if r.Status.Terminal() {
		return "", ErrRunFinished
	}
	if t.Index > r.MaxTurns {
		return "", fmt.Errorf("%w: index %d exceeds max turns %d", ErrTurnOutOfOrder, t.Index, r.MaxTurns)
	}
	existing := s.turns[t.RunID]
	if n := len(existing); n > 0 {
		last := existing[n-1]
		if !nextInSequence(last.Index, last.Speaker, t) {
			return "", fmt.Errorf("%w: index %d %s after %d %s", ErrTurnOutOfOrder, t.Index, t.Speaker, last.Index, last.Speaker)
		}
	}

	t.ID = s.ids.next()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Memory = append([]string(nil), t.Memory...)
	s.turns[t.RunID] = append(existing, t)
	s.byID[t.ID] = turnRef{runID: t.RunID, pos: len(existing)}
	return t.ID, nil
}

func (s *InMemoryStore) UpsertTurnSafety(_ context.Context, turnID string, flags SafetyFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byID[turnID]
	if !ok {
		return fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	s.turns[ref.runID][ref.pos].Safety = flags
	return nil
}

func (s *InMemoryStore) SaveMemory(_ context.Context, snap MemorySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[snap.RunID]; !ok {
		return ErrNotFound
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	snap.Facts = append([]string(nil), snap.Facts...)
	s.memory[snap.RunID] = snap
	return nil
}

func (s *InMemoryStore) FinishRun(_ context.Context, runID string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("finish status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
	return nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], events.Stamp(ev))
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return *r, nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, runID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(s.turns[runID]))
	copy(out, s.turns[runID])
	return out, nil
}

func (s *InMemoryStore) LatestMemory(_ context.Context, runID string) (MemorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.memory[runID]
	if !ok {
		return MemorySnapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, runID string, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[runID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]events.Event, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
