package generation

import (
	"fmt"
	"strings"

	"github.com/ent0n29/rehearsal/internal/beats"
)

var beatGuidance = map[string]map[beats.Name]string{
	"es": {
		beats.Setup:    "Presenta tu situación con naturalidad.",
		beats.Incident: "Cuenta algo que acaba de ocurrir y te ha afectado.",
		beats.Tension:  "Deja ver frustración o duda; la conversación se complica.",
		beats.Midpoint: "Descubre o admite algo que cambia tu punto de vista.",
		beats.Obstacle: "Menciona un obstáculo concreto que te impide avanzar.",
		beats.Progress: "Muestra un pequeño avance o una idea de qué hacer.",
		beats.Preclose: "Empieza a recapitular lo hablado.",
		beats.Close:    "Despídete y resume con qué te quedas.",
	},
	"en": {
		beats.Setup:    "Introduce your situation naturally.",
		beats.Incident: "Mention something that just happened and affected you.",
		beats.Tension:  "Show frustration or doubt; the conversation gets harder.",
		beats.Midpoint: "Realize or admit something that shifts your view.",
		beats.Obstacle: "Bring up a concrete obstacle holding you back.",
		beats.Progress: "Show a small step forward or an idea of what to do.",
		beats.Preclose: "Start summing up what you talked about.",
		beats.Close:    "Say goodbye and sum up what you take away.",
	},
}

// BeatGuidance is the stage direction given to the synthetic user for a beat.
func BeatGuidance(lang string, name beats.Name) string {
	if lang != "en" {
		lang = "es"
	}
	return beatGuidance[lang][name]
}

// BuildMessages renders req as chat messages for an OpenAI-compatible endpoint.
func BuildMessages(req Request) []Message {
	if req.Role == RoleSyntheticUser {
		return syntheticUserMessages(req)
	}
	return responderMessages(req)
}

func syntheticUserMessages(req Request) []Message {
	en := req.Lang == "en"
	var sys strings.Builder
	if en {
		sys.WriteString("You are role-playing a person talking to an assistant. Stay in character, speak in first person and never mention that you are simulated.")
	} else {
		sys.WriteString("Interpretas a una persona que habla con un asistente. Mantén el personaje, habla en primera persona y nunca menciones que es una simulación.")
	}
	if req.Persona.Tone != "" {
		fmt.Fprintf(&sys, "\n%s: %s", label(en, "Tone", "Tono"), req.Persona.Tone)
	}
	if len(req.Persona.Traits) > 0 {
		fmt.Fprintf(&sys, "\n%s: %s", label(en, "Traits", "Rasgos"), strings.Join(req.Persona.Traits, ", "))
	}
	if req.Persona.MaxWords > 0 {
		fmt.Fprintf(&sys, "\n%s %d.", label(en, "Maximum words:", "Máximo de palabras:"), req.Persona.MaxWords)
	}

	var user strings.Builder
	if req.Title != "" {
		fmt.Fprintf(&user, "%s: %s\n", label(en, "Scenario", "Escenario"), req.Title)
	}
	if req.Relationship != "" {
		fmt.Fprintf(&user, "%s: %s\n", label(en, "Relationship with the assistant", "Relación con el asistente"), req.Relationship)
	}
	writeList(&user, label(en, "Goals", "Objetivos"), req.Goals)
	writeList(&user, label(en, "What you have said so far", "Lo que has contado hasta ahora"), req.Memory)
	writeHistory(&user, req.History, en)
	fmt.Fprintf(&user, "%s (%s): %s\n", label(en, "Beat", "Momento"), req.Beat, BeatGuidance(req.Lang, req.Beat.Name))
	if req.Seed != "" {
		fmt.Fprintf(&user, "%s: %s\n", label(en, "Start from", "Parte de"), req.Seed)
	}
	user.WriteString(label(en, "Write only your next message.", "Escribe solo tu siguiente mensaje."))

	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

func responderMessages(req Request) []Message {
	en := req.Lang == "en"
	sys := strings.TrimSpace(req.SystemSpec)
	if sys == "" {
		sys = label(en,
			"You are a supportive assistant. Answer briefly and with empathy.",
			"Eres un asistente de apoyo. Responde de forma breve y empática.")
	}
	if len(req.Memory) > 0 {
		var b strings.Builder
		b.WriteString(sys)
		writeList(&b, "\n"+label(en, "Known about the user", "Sabes del usuario"), req.Memory)
		sys = strings.TrimRight(b.String(), "\n")
	}

	msgs := make([]Message, 0, len(req.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: sys})
	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: "user", Content: req.Utterance})
	return msgs
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func writeHistory(b *strings.Builder, history []Message, en bool) {
	if len(history) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label(en, "Conversation so far", "Conversación hasta ahora"))
	for _, m := range history {
		who := label(en, "You", "Tú")
		if m.Role == "assistant" {
			who = label(en, "Assistant", "Asistente")
		}
		fmt.Fprintf(b, "%s: %s\n", who, m.Content)
	}
}

func label(en bool, enText, esText string) string {
	if en {
		return enText
	}
	return esText
}
