package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage names observed by the orchestrator, in pipeline order.
const (
	StageGenUser      = "gen_user"
	StageGenResponder = "gen_responder"
	StageModerate     = "moderate"
	StagePersist      = "persist"
	StageMemory       = "memory"
	StageTurnTotal    = "turn_total"
)

var stageOrder = []string{StageGenUser, StageGenResponder, StageModerate, StagePersist, StageMemory, StageTurnTotal}

var stageTargetP95MS = map[string]float64{
	StageGenUser:      8000,
	StageGenResponder: 8000,
	StageModerate:     5,
	StagePersist:      150,
	StageMemory:       50,
	StageTurnTotal:    18000,
}

type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target"`
}

// RoleHealth is the share of recent generation calls for a role that fell back.
type RoleHealth struct {
	Role         string  `json:"role"`
	Calls        int     `json:"calls"`
	Fallbacks    int     `json:"fallbacks"`
	FallbackRate float64 `json:"fallback_rate"`
}

// ModerationHealth counts recent moderated replies by outcome.
type ModerationHealth struct {
	Checked  int `json:"checked"`
	Partial  int `json:"partial"`
	Replaced int `json:"replaced"`
}

type TurnSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageLatency   `json:"stages"`
	Roles       []RoleHealth     `json:"roles"`
	Moderation  ModerationHealth `json:"moderation"`
}

type moderation uint8

const (
	moderationPassed moderation = iota
	moderationPartial
	moderationReplaced
)

// TurnWindow keeps the last size observations of stage latency, generation outcome per
// role, and moderation outcome. A nil *TurnWindow records nothing.
type TurnWindow struct {
	mu         sync.Mutex
	size       int
	latencies  map[string]*ring[float64]
	fallbacks  map[string]*ring[bool]
	moderation *ring[moderation]
}

func NewTurnWindow(size int) *TurnWindow {
	if size <= 0 {
		size = 256
	}
	return &TurnWindow{
		size:       size,
		latencies:  make(map[string]*ring[float64]),
		fallbacks:  make(map[string]*ring[bool]),
		moderation: newRing[moderation](size),
	}
}

func (w *TurnWindow) ObserveStage(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.latencies[stage]
	if !ok {
		r = newRing[float64](w.size)
		w.latencies[stage] = r
	}
	r.push(float64(d.Microseconds()) / 1000)
}

// ObserveGeneration records whether a call for role fell back.
func (w *TurnWindow) ObserveGeneration(role string, fellBack bool) {
	if w == nil || role == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.fallbacks[role]
	if !ok {
		r = newRing[bool](w.size)
		w.fallbacks[role] = r
	}
	r.push(fellBack)
}

func (w *TurnWindow) ObserveModeration(escalated, partial bool) {
	if w == nil {
		return
	}
	m := moderationPassed
	switch {
	case escalated && partial:
		m = moderationPartial
	case escalated:
		m = moderationReplaced
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.moderation.push(m)
}

func (w *TurnWindow) Snapshot() TurnSnapshot {
	snap := TurnSnapshot{
		GeneratedAt: time.Now().UTC(),
		Stages:      []StageLatency{},
		Roles:       []RoleHealth{},
	}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.size

	for _, stage := range orderedStages(w.latencies) {
		samples := w.latencies[stage].values()
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)
		st := StageLatency{
			Stage:       stage,
			Samples:     len(samples),
			P50MS:       round2(nearestRank(samples, 0.50)),
			P95MS:       round2(nearestRank(samples, 0.95)),
			TargetP95MS: stageTargetP95MS[stage],
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		snap.Stages = append(snap.Stages, st)
	}

	roles := make([]string, 0, len(w.fallbacks))
	for role := range w.fallbacks {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		h := RoleHealth{Role: role}
		for _, fellBack := range w.fallbacks[role].values() {
			h.Calls++
			if fellBack {
				h.Fallbacks++
			}
		}
		if h.Calls > 0 {
			h.FallbackRate = round2(float64(h.Fallbacks) / float64(h.Calls))
		}
		snap.Roles = append(snap.Roles, h)
	}

	for _, m := range w.moderation.values() {
		snap.Moderation.Checked++
		switch m {
		case moderationPartial:
			snap.Moderation.Partial++
		case moderationReplaced:
			snap.Moderation.Replaced++
		}
	}
	return snap
}

// orderedStages lists known stages in pipeline order, then any others by name.
func orderedStages(m map[string]*ring[float64]) []string {
	out := make([]string, 0, len(m))
	known := make(map[string]bool, len(stageOrder))
	for _, s := range stageOrder {
		known[s] = true
		if _, ok := m[s]; ok {
			out = append(out, s)
		}
	}
	var extra []string
	for s := range m {
		if !known[s] {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func nearestRank(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](n int) *ring[T] {
	return &ring[T]{buf: make([]T, n)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns a copy of the retained observations.
func (r *ring[T]) values() []T {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]T, n)
	copy(out, r.buf[:n])
	return out
}
