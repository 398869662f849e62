// Package catalog holds the scenario and profile records a run is driven by, and turns
// loosely-typed documents into validated records at the engine boundary.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/policy"
)

const (
	DefaultLang      = "es"
	DefaultStoryMode = "beats"
	DefaultProfileID = "default"
)

var ErrMissingID = errors.New("id is required")

// Scenario is the immutable premise of a conversation.
type Scenario struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title,omitempty" yaml:"title"`
	Goals        []string `json:"goals,omitempty" yaml:"goals"`
	SeedTurns    []string `json:"seed_turns,omitempty" yaml:"seed_turns"`
	Relationship string   `json:"relationship,omitempty" yaml:"relationship"`
	Lang         string   `json:"lang,omitempty" yaml:"lang"`
	StoryMode    string   `json:"story_mode,omitempty" yaml:"story_mode"`
}

// Seed returns the seed utterance for a 1-based turn, if the scenario has one.
func (s Scenario) Seed(turn int) (string, bool) {
	if turn < 1 || turn > len(s.SeedTurns) {
		return "", false
	}
	seed := strings.TrimSpace(s.SeedTurns[turn-1])
	return seed, seed != ""
}

type Verbosity struct {
	MinWords int `json:"min_words,omitempty" yaml:"min_words"`
	MaxWords int `json:"max_words,omitempty" yaml:"max_words"`
}

// Profile describes the synthetic user. It is validated and immutable for a run.
type Profile struct {
	ID        string        `json:"id"`
	Version   int           `json:"version"`
	Lang      string        `json:"lang"`
	Tone      string        `json:"tone,omitempty"`
	Traits    []string      `json:"traits,omitempty"`
	Verbosity Verbosity     `json:"verbosity"`
	BeatBias  beats.Bias    `json:"beat_bias,omitempty"`
	Safety    policy.Config `json:"safety"`
}

// ProfileDoc is a profile as authored. Bias and safety are kept loose so that malformed
// values degrade instead of failing the whole document.
type ProfileDoc struct {
	ID        string         `json:"id" yaml:"id"`
	Version   int            `json:"version,omitempty" yaml:"version"`
	Lang      string         `json:"lang,omitempty" yaml:"lang"`
	Tone      string         `json:"tone,omitempty" yaml:"tone"`
	Traits    []string       `json:"traits,omitempty" yaml:"traits"`
	Verbosity Verbosity      `json:"verbosity,omitempty" yaml:"verbosity"`
	BeatBias  map[string]any `json:"beat_bias,omitempty" yaml:"beat_bias"`
	Safety    SafetyDoc      `json:"safety,omitempty" yaml:"safety"`
}

type SafetyDoc struct {
	BanPhrases any `json:"ban_phrases,omitempty" yaml:"ban_phrases"`
	Escalation any `json:"escalation,omitempty" yaml:"escalation"`
}

// NormalizeScenario trims and defaults a scenario. Only a missing id is an error.
func NormalizeScenario(s Scenario) (Scenario, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return Scenario{}, fmt.Errorf("scenario: %w", ErrMissingID)
	}
	s.Title = strings.TrimSpace(s.Title)
	s.Goals = cleanList(s.Goals)
	s.SeedTurns = append([]string(nil), s.SeedTurns...)
	s.Relationship = strings.TrimSpace(s.Relationship)
	s.Lang = NormalizeLang(s.Lang, DefaultLang)
	s.StoryMode = strings.TrimSpace(s.StoryMode)
	if s.StoryMode == "" {
		s.StoryMode = DefaultStoryMode
	}
	return s, nil
}

// NormalizeProfile validates doc. Problems with bias or safety data never fail: the
// offending part is dropped and described in the returned warnings.
func NormalizeProfile(doc ProfileDoc, lang string) (Profile, []string) {
	var warnings []string
	p := Profile{
		ID:      strings.TrimSpace(doc.ID),
		Version: doc.Version,
		Lang:    NormalizeLang(doc.Lang, NormalizeLang(lang, DefaultLang)),
		Tone:    strings.TrimSpace(doc.Tone),
		Traits:  cleanList(doc.Traits),
	}
	if p.ID == "" {
		p.ID = DefaultProfileID
		warnings = append(warnings, "profile id missing, using "+DefaultProfileID)
	}
	if p.Version <= 0 {
		p.Version = 1
	}

	p.Verbosity = doc.Verbosity
	if p.Verbosity.MinWords < 0 {
		p.Verbosity.MinWords = 0
	}
	if p.Verbosity.MaxWords < 0 || (p.Verbosity.MaxWords > 0 && p.Verbosity.MaxWords < p.Verbosity.MinWords) {
		warnings = append(warnings, fmt.Sprintf("verbosity max_words %d ignored", p.Verbosity.MaxWords))
		p.Verbosity.MaxWords = 0
	}

	bias, biasWarnings := parseBias(doc.BeatBias)
	p.BeatBias = bias
	warnings = append(warnings, biasWarnings...)

	safety, err := ParseSafety(doc.Safety)
	if err != nil {
		warnings = append(warnings, "profile safety ignored: "+err.Error())
		safety = policy.Config{}
	}
	p.Safety = safety
	return p, warnings
}

// ParseSafety converts a loosely-typed safety block. ban_phrases may be a list or a
// comma-separated string.
func ParseSafety(doc SafetyDoc) (policy.Config, error) {
	var cfg policy.Config
	switch v := doc.BanPhrases.(type) {
	case nil:
	case string:
		cfg.BanPhrases = SplitList(v)
	case []string:
		cfg.BanPhrases = cleanList(v)
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return policy.Config{}, fmt.Errorf("ban_phrases[%d] is %T, want string", i, item)
			}
			if s = strings.TrimSpace(s); s != "" {
				cfg.BanPhrases = append(cfg.BanPhrases, s)
			}
		}
	default:
		return policy.Config{}, fmt.Errorf("ban_phrases is %T, want list", v)
	}

	switch v := doc.Escalation.(type) {
	case nil:
	case string:
		cfg.Escalation = strings.TrimSpace(v)
	default:
		return policy.Config{}, fmt.Errorf("escalation is %T, want string", v)
	}
	return cfg, nil
}

func parseBias(raw map[string]any) (beats.Bias, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	var warnings []string
	bias := make(beats.Bias, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, ok := beats.ParseName(k)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("beat_bias: unknown beat %q ignored", k))
			continue
		}
		m, ok := toFloat(raw[k])
		if !ok || m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			warnings = append(warnings, fmt.Sprintf("beat_bias: invalid multiplier for %q ignored", k))
			continue
		}
		bias[name] = m
	}
	if len(bias) == 0 {
		return nil, warnings
	}
	return bias, warnings
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// NormalizeLang maps lang onto es or en, using fallback for anything else.
func NormalizeLang(lang, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "es", "es-es", "es-mx", "spanish", "español":
		return "es"
	case "en", "en-us", "en-gb", "english":
		return "en"
	default:
		return fallback
	}
}

// SplitList splits a comma-separated list, dropping empty entries.
func SplitList(s string) []string {
	return cleanList(strings.Split(s, ","))
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DefaultProfile is used when a run is started without profiles.
func DefaultProfile(lang string) Profile {
	return Profile{ID: DefaultProfileID, Version: 1, Lang: NormalizeLang(lang, DefaultLang)}
}
