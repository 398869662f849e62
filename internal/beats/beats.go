package beats

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Name is one of the eight narrative stages a turn can play.
type Name string

const (
	Setup    Name = "setup"
	Incident Name = "incident"
	Tension  Name = "tension"
	Midpoint Name = "midpoint"
	Obstacle Name = "obstacle"
	Progress Name = "progress"
	Preclose Name = "preclose"
	Close    Name = "close"
)

// All lists every beat in narrative order.
var All = []Name{Setup, Incident, Tension, Midpoint, Obstacle, Progress, Preclose, Close}

// Beat is the narrative role assigned to a single turn.
type Beat struct {
	Name     Name `json:"name"`
	Position int  `json:"position"`
	Total    int  `json:"total"`
}

func (b Beat) String() string {
	return fmt.Sprintf("%s(%d/%d)", b.Name, b.Position, b.Total)
}

// Bias maps a beat to a selection multiplier. Missing beats count as 1.0.
type Bias map[Name]float64

var (
	compressedInterior = []Name{Incident, Tension, Obstacle, Progress}
	standardInterior   = []Name{Incident, Tension, Midpoint, Obstacle, Progress}
	extendedInterior   = []Name{Incident, Tension, Midpoint, Tension, Obstacle, Progress, Tension, Progress}
)

// Valid reports whether n is part of the closed beat set.
func Valid(n Name) bool {
	for _, b := range All {
		if b == n {
			return true
		}
	}
	return false
}

// ParseName accepts a beat name in any case.
func ParseName(s string) (Name, bool) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	return n, Valid(n)
}

// Candidates returns the interior candidate multiset used for a conversation of maxTurns.
// Short conversations have no interior.
func Candidates(maxTurns int) []Name {
	var src []Name
	switch {
	case maxTurns <= 3:
		return nil
	case maxTurns <= 6:
		src = compressedInterior
	case maxTurns <= 10:
		src = standardInterior
	default:
		src = extendedInterior
	}
	out := make([]Name, len(src))
	copy(out, src)
	return out
}

// Sequencer builds beat plans. The random source is only consulted when a bias is supplied.
type Sequencer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSequencer returns a sequencer drawing from rng. A nil rng is seeded from the clock.
func NewSequencer(rng *rand.Rand) *Sequencer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sequencer{rng: rng}
}

// Plan returns the full beat sequence for a conversation of maxTurns turns.
func (s *Sequencer) Plan(maxTurns int, bias Bias) []Beat {
	if maxTurns <= 0 {
		return nil
	}
	names := make([]Name, maxTurns)
	names[0] = Setup
	if maxTurns == 1 {
		return toBeats(names)
	}
	names[maxTurns-1] = Close
	if maxTurns >= 3 {
		names[maxTurns-2] = Preclose
	}

	slots := maxTurns - 3
	if slots > 0 {
		candidates := Candidates(maxTurns)
		var interior []Name
		if len(bias) > 0 {
			interior = s.weightedDraw(candidates, bias, slots)
		} else {
			interior = proportional(candidates, slots)
		}
		copy(names[1:1+slots], interior)
	}
	return toBeats(names)
}

// PickBeatForTurn returns the beat of the 0-based turnIndex within a plan of maxTurns.
func (s *Sequencer) PickBeatForTurn(turnIndex, maxTurns int, bias Bias) Beat {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	switch {
	case turnIndex <= 0:
		return Beat{Name: Setup, Position: 1, Total: maxTurns}
	case turnIndex >= maxTurns-1:
		return Beat{Name: Close, Position: maxTurns, Total: maxTurns}
	}
	return s.Plan(maxTurns, bias)[turnIndex]
}

var defaultSequencer = NewSequencer(nil)

// PickBeatForTurn uses a package-level sequencer seeded from the clock.
func PickBeatForTurn(turnIndex, maxTurns int, bias Bias) Beat {
	return defaultSequencer.PickBeatForTurn(turnIndex, maxTurns, bias)
}

// proportional spreads candidates across slots in their natural order.
func proportional(candidates []Name, slots int) []Name {
	out := make([]Name, slots)
	if len(candidates) == 0 {
		return out
	}
	for i := 0; i < slots; i++ {
		out[i] = candidates[i*len(candidates)/slots]
	}
	return out
}

// Weight converts a bias multiplier into an integer pool weight (floor 1).
func Weight(multiplier float64) int {
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return 10
	}
	w := int(math.Round(multiplier * 10))
	if w < 1 {
		return 1
	}
	return w
}

func (s *Sequencer) weightedDraw(candidates []Name, bias Bias, slots int) []Name {
	unique := make([]Name, 0, len(candidates))
	seen := make(map[Name]bool, len(candidates))
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			unique = append(unique, c)
		}
	}

	var pool []Name
	for _, c := range unique {
		m, ok := bias[c]
		if !ok {
			m = 1
		}
		for i := 0; i < Weight(m); i++ {
			pool = append(pool, c)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	out := make([]Name, 0, slots)
	used := make(map[Name]bool, len(unique))
	for _, c := range pool {
		if len(out) == slots || len(used) == len(unique) {
			break
		}
		if used[c] {
			continue
		}
		used[c] = true
		out = append(out, c)
	}
	for len(out) < slots {
		out = append(out, pool[s.rng.Intn(len(pool))])
	}
	return out
}

func toBeats(names []Name) []Beat {
	out := make([]Beat, len(names))
	for i, n := range names {
		out[i] = Beat{Name: n, Position: i + 1, Total: len(names)}
	}
	return out
}
