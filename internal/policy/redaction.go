package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Placeholders substituted for sensitive content before it reaches a prompt.
const (
	SensitivePlaceholderES = "[contenido sensible]"
	SensitivePlaceholderEN = "[sensitive content]"
)

// Self-harm and violence phrasing that must never be echoed back into future prompts.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(hacerme|hacerse|hacerte)\s+da(ñ|n)o`),
	regexp.MustCompile(`(?i)(suicid\p{L}*|quitarme la vida|matarme|acabar con todo|no quiero vivir)`),
	regexp.MustCompile(`(?i)(cortarme|autolesi\p{L}+|lastimarme)`),
	regexp.MustCompile(`(?i)(matar(lo|la|los|las|te)?|golpear(lo|la|te)?|apu(ñ|n)alar)`),
	regexp.MustCompile(`(?i)\b(kill(ing)? myself|end(ing)? my life|suicid\w*|self[- ]harm\w*|hurt(ing)? myself|cut(ting)? myself)\b`),
	regexp.MustCompile(`(?i)\b(kill (him|her|them|you)|beat (him|her|them) up|stab\w*|shoot (him|her|them))\b`),
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, or card numbers get classified as phones.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSensitive replaces self-harm and violence phrasing with a language placeholder.
func RedactSensitive(input, lang string) (string, bool) {
	placeholder := SensitivePlaceholderES
	if normalizeLang(lang) == "en" {
		placeholder = SensitivePlaceholderEN
	}
	out := input
	for _, re := range sensitivePatterns {
		out = re.ReplaceAllString(out, placeholder)
	}
	return out, out != input
}

// Redact applies sensitive-content and PII redaction in that order.
func Redact(input, lang string) (string, bool) {
	out, sensitive := RedactSensitive(input, lang)
	out, pii := RedactPII(out)
	return out, sensitive || pii
}
