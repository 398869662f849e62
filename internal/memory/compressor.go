package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
)

const (
	DefaultMaxFacts = 5
	// MaxFactRunes bounds a single fact after sanitizing.
	MaxFactRunes = 80

	patternWindow = 8
	modelWindow   = 6
)

type Method string

const (
	MethodHeuristic Method = "heuristic"
	MethodHybrid    Method = "hybrid"
)

// Debug counts what each stage saw; it has no effect on the facts.
type Debug struct {
	WindowTurns     int    `json:"window_turns"`
	PatternHits     int    `json:"pattern_hits"`
	Duplicates      int    `json:"duplicates"`
	ModelCandidates int    `json:"model_candidates"`
	ModelFacts      int    `json:"model_facts"`
	ModelError      string `json:"model_error,omitempty"`
}

// ShortMemory is a bounded list of salient facts recomputed after every turn.
type ShortMemory struct {
	Facts  []string `json:"facts"`
	Method Method   `json:"method"`
	Debug  Debug    `json:"debug"`
}

type Options struct {
	MaxFacts int
	Lang     string
	// UseModelFallback enables stage 2 when APIKey is also set.
	UseModelFallback bool
	APIKey           string
}

// Completer is the chat endpoint used by stage 2.
type Completer interface {
	CompleteText(ctx context.Context, system, user string) (string, error)
}

// Compressor extracts ShortMemory from a transcript. It keeps no per-run state.
type Compressor struct {
	completer Completer
	logger    *zap.Logger
	timeout   time.Duration
}

type CompressorOption func(*Compressor)

func WithCompleter(c Completer) CompressorOption {
	return func(m *Compressor) { m.completer = c }
}

func WithLogger(l *zap.Logger) CompressorOption {
	return func(m *Compressor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithModelTimeout bounds each stage 2 call.
func WithModelTimeout(d time.Duration) CompressorOption {
	return func(m *Compressor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func NewCompressor(opts ...CompressorOption) *Compressor {
	c := &Compressor{logger: zap.NewNop(), timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract derives ShortMemory from the trailing window of transcript.
func (c *Compressor) Extract(ctx context.Context, transcript []runs.Turn, opts Options) ShortMemory {
	maxFacts := opts.MaxFacts
	if maxFacts <= 0 {
		maxFacts = DefaultMaxFacts
	}
	lang := normalizeLang(opts.Lang)

	out := ShortMemory{Facts: make([]string, 0, maxFacts), Method: MethodHeuristic}
	seen := make(map[string]bool)
	add := func(fact string) bool {
		key := policy.Normalize(fact)
		if key == "" {
			return false
		}
		if seen[key] {
			out.Debug.Duplicates++
			return false
		}
		seen[key] = true
		out.Facts = append(out.Facts, fact)
		return true
	}

	window := userWindow(transcript, patternWindow)
	out.Debug.WindowTurns = len(window)

	texts := make([]string, len(window))
	for i, turn := range window {
		texts[i], _ = policy.Redact(turn.Text, lang)
	}
stage1:
	for _, cat := range categoryOrder {
		for _, text := range texts {
			if len(out.Facts) >= maxFacts {
				break stage1
			}
			clause, ok := matchCategory(text, lang, cat)
			if !ok {
				continue
			}
			out.Debug.PatternHits++
			add(sanitizeFact(factPrefixes[lang][cat]+" "+clause, lang))
		}
	}

	if len(out.Facts) >= maxFacts || !opts.UseModelFallback || c.completer == nil || strings.TrimSpace(opts.APIKey) == "" {
		return out
	}

	lines, err := c.modelFacts(ctx, tail(transcript, modelWindow), lang, maxFacts-len(out.Facts))
	if err != nil {
		out.Debug.ModelError = err.Error()
		c.logger.Warn("memory model fallback failed", zap.Error(err))
		return out
	}
	for _, line := range lines {
		if len(out.Facts) >= maxFacts {
			break
		}
		out.Debug.ModelCandidates++
		if add(sanitizeFact(line, lang)) {
			out.Debug.ModelFacts++
		}
	}
	if out.Debug.ModelFacts > 0 {
		out.Method = MethodHybrid
	}
	return out
}

func (c *Compressor) modelFacts(ctx context.Context, turns []runs.Turn, lang string, want int) ([]string, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.completer.CompleteText(callCtx, modelInstruction(lang, want), formatTranscript(turns, lang))
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("empty completion")
	}
	return lines, nil
}

func modelInstruction(lang string, want int) string {
	p := factPrefixes[lang]
	if lang == "en" {
		return fmt.Sprintf(
			"Extract at most %d short facts about the user from this conversation. One fact per line, no numbering, each starting with one of: %s %s %s %s %s. Reply with the facts only.",
			want, p[categoryDecisions], p[categoryObstacles], p[categoryNeeds], p[categoryBoundaries], p[categoryEmotions])
	}
	return fmt.Sprintf(
		"Extrae como máximo %d hechos breves sobre el usuario a partir de esta conversación. Un hecho por línea, sin numerar, cada uno empezando por: %s %s %s %s %s. Responde solo con los hechos.",
		want, p[categoryDecisions], p[categoryObstacles], p[categoryNeeds], p[categoryBoundaries], p[categoryEmotions])
}

func formatTranscript(turns []runs.Turn, lang string) string {
	userLabel, responderLabel := "Usuario", "Asistente"
	if lang == "en" {
		userLabel, responderLabel = "User", "Assistant"
	}
	var b strings.Builder
	for _, t := range turns {
		label := responderLabel
		if t.Speaker == runs.SpeakerSyntheticUser {
			label = userLabel
		}
		text, _ := policy.Redact(strings.TrimSpace(t.Text), lang)
		fmt.Fprintf(&b, "%s: %s\n", label, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func matchCategory(text, lang string, cat category) (string, bool) {
	for _, re := range factPatterns[lang][cat] {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if negatable[cat] && negationBefore.MatchString(text[:loc[0]]) {
				continue
			}
			if clause := trimClause(text[loc[2]:loc[3]]); clause != "" {
				return clause, true
			}
		}
	}
	return "", false
}

func trimClause(s string) string {
	if loc := clauseEnd.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.Trim(strings.TrimSpace(s), ",:-\"'«»")
}

// sanitizeFact redacts sensitive content and PII and bounds the fact length.
func sanitizeFact(fact, lang string) string {
	fact, _ = policy.Redact(strings.TrimSpace(fact), lang)
	fact = strings.Join(strings.Fields(fact), " ")
	if utf8.RuneCountInString(fact) <= MaxFactRunes {
		return fact
	}
	r := []rune(fact)
	return strings.TrimSpace(string(r[:MaxFactRunes-3])) + "..."
}

// userWindow returns the synthetic-user turns among the last n transcript turns.
func userWindow(transcript []runs.Turn, n int) []runs.Turn {
	var users []runs.Turn
	for _, t := range tail(transcript, n) {
		if t.Speaker == runs.SpeakerSyntheticUser {
			users = append(users, t)
		}
	}
	return users
}

func tail(turns []runs.Turn, n int) []runs.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func normalizeLang(lang string) string {
	if strings.EqualFold(strings.TrimSpace(lang), "en") {
		return "en"
	}
	return "es"
}
