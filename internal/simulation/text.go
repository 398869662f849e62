package simulation

import (
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
)

var fallbackTexts = map[string]map[generation.Role]string{
	"es": {
		generation.RoleSyntheticUser: "Sigo aquí. ¿Podemos continuar?",
		generation.RoleResponder:     "Lo siento, ahora mismo no puedo responder bien. ¿Podemos retomarlo en un momento?",
	},
	"en": {
		generation.RoleSyntheticUser: "I'm still here. Can we keep going?",
		generation.RoleResponder:     "Sorry, I can't respond properly right now. Can we pick this up in a moment?",
	},
}

// FallbackText is the neutral text substituted when generation for role fails.
func FallbackText(lang string, role generation.Role) string {
	if lang != "en" {
		lang = "es"
	}
	return fallbackTexts[lang][role]
}

// Measure computes lexical metrics for a turn.
func Measure(text string) runs.TextMetrics {
	words := strings.Fields(text)
	m := runs.TextMetrics{
		Chars:       utf8.RuneCountInString(text),
		Words:       len(words),
		Sentences:   len(policy.SplitSentences(text)),
		Questions:   strings.Count(text, "?"),
		Exclamation: strings.Count(text, "!"),
	}
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += utf8.RuneCountInString(strings.Trim(w, ".,;:!?¡¿\"'()"))
		}
		m.AvgWordLen = float64(total) / float64(len(words))
	}
	return m
}

// clampWords keeps at most maxWords words of text. maxWords <= 0 means no limit.
func clampWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}

// history converts the trailing n turns into chat messages, from the synthetic user's
// point of view as "user".
func history(turns []runs.Turn, n int) []generation.Message {
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]generation.Message, 0, len(turns))
	for _, t := range turns {
		role := "assistant"
		if t.Speaker == runs.SpeakerSyntheticUser {
			role = "user"
		}
		out = append(out, generation.Message{Role: role, Content: t.Text})
	}
	return out
}
