package simulation

import (
	"testing"

	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/runs"
)

func TestMeasure(t *testing.T) {
	m := Measure("Hola, ¿qué tal? ¡Bien!")
	if m.Words != 4 {
		t.Fatalf("Words = %d, want 4", m.Words)
	}
	if m.Sentences != 2 {
		t.Fatalf("Sentences = %d, want 2", m.Sentences)
	}
	if m.Questions != 1 || m.Exclamation != 1 {
		t.Fatalf("Questions/Exclamation = %d/%d, want 1/1", m.Questions, m.Exclamation)
	}
	if m.Chars != 22 {
		t.Fatalf("Chars = %d, want 22", m.Chars)
	}
}

func TestClampWords(t *testing.T) {
	if got := clampWords("uno  dos tres", 0); got != "uno  dos tres" {
		t.Fatalf("clampWords(no limit) = %q", got)
	}
	if got := clampWords("uno dos tres", 2); got != "uno dos" {
		t.Fatalf("clampWords = %q, want %q", got, "uno dos")
	}
}

func TestHistoryKeepsTrailingTurns(t *testing.T) {
	turns := []runs.Turn{
		{Speaker: runs.SpeakerSyntheticUser, Text: "a"},
		{Speaker: runs.SpeakerResponder, Text: "b"},
		{Speaker: runs.SpeakerSyntheticUser, Text: "c"},
	}
	got := history(turns, 2)
	if len(got) != 2 || got[0].Role != "assistant" || got[1].Role != "user" || got[1].Content != "c" {
		t.Fatalf("history = %+v", got)
	}
}

func TestFallbackTextDefaultsToSpanish(t *testing.T) {
	if FallbackText("fr", generation.RoleSyntheticUser) != fallbackTexts["es"][generation.RoleSyntheticUser] {
		t.Fatalf("unexpected fallback for unknown lang")
	}
}
