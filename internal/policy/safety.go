package policy

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Escalation strategies understood by the moderator. Any other non-empty value is used
// verbatim as the escalation message.
const (
	StrategyRemindSafetyProtocol = "remind_safety_protocol"
	StrategyEscalateSpecialist   = "escalate_specialist"
)

// DefaultRetentionThreshold is the share of sentences that must survive filtering for a
// partially redacted reply to be kept.
const DefaultRetentionThreshold = 0.3

// Config is a banned-phrase list plus the escalation strategy applied on a match.
type Config struct {
	BanPhrases []string `json:"ban_phrases,omitempty" yaml:"ban_phrases"`
	Escalation string   `json:"escalation,omitempty" yaml:"escalation"`
}

// SafetyContext carries the speaker and the configuration layers for a single check.
type SafetyContext struct {
	Speaker string
	Lang    string
	Profile *Config
	Global  *Config
}

// Span locates a banned phrase in the original text, in byte offsets.
type Span struct {
	Phrase string `json:"phrase"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// SafetyResult is the outcome of moderating a piece of generated text.
type SafetyResult struct {
	Text      string   `json:"text"`
	Matched   []string `json:"matched"`
	Escalated bool     `json:"escalated"`
	Spans     []Span   `json:"spans,omitempty"`
	Partial   bool     `json:"partial,omitempty"`
}

var escalationTemplates = map[string]map[string]string{
	"es": {
		StrategyRemindSafetyProtocol: "Lo que compartes es importante. Si estás en peligro o piensas en hacerte daño, contacta ahora con una línea de ayuda o con los servicios de emergencia de tu zona. No tienes que pasar por esto a solas.",
		StrategyEscalateSpecialist:   "Esto merece la atención de un especialista. Te recomiendo hablar con un profesional de salud mental y, si hay riesgo inmediato, llamar a los servicios de emergencia.",
	},
	"en": {
		StrategyRemindSafetyProtocol: "What you are sharing matters. If you are in danger or thinking about hurting yourself, please contact a crisis line or your local emergency services now. You do not have to go through this alone.",
		StrategyEscalateSpecialist:   "This deserves the attention of a specialist. I recommend talking to a mental health professional and, if there is immediate risk, calling emergency services.",
	},
}

// EscalationMessage resolves the message for a language and strategy.
func EscalationMessage(lang, strategy string) string {
	strategy = strings.TrimSpace(strategy)
	templates, ok := escalationTemplates[normalizeLang(lang)]
	if !ok {
		templates = escalationTemplates["es"]
	}
	if strategy == "" {
		strategy = StrategyRemindSafetyProtocol
	}
	if msg, ok := templates[strategy]; ok {
		return msg
	}
	return strategy
}

// Moderator applies banned-phrase moderation with a configurable retention threshold.
type Moderator struct {
	RetentionThreshold float64
}

// NewModerator returns a moderator using DefaultRetentionThreshold when threshold is out of (0,1].
func NewModerator(threshold float64) *Moderator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultRetentionThreshold
	}
	return &Moderator{RetentionThreshold: threshold}
}

var defaultModerator = NewModerator(DefaultRetentionThreshold)

// ApplySafety moderates text with the default moderator.
func ApplySafety(text string, sc SafetyContext) SafetyResult {
	return defaultModerator.Apply(text, sc)
}

// Apply checks text against the union of profile and global banned phrases.
func (m *Moderator) Apply(text string, sc SafetyContext) SafetyResult {
	phrases := mergePhrases(sc.Profile, sc.Global)
	if len(phrases) == 0 {
		return SafetyResult{Text: text, Matched: []string{}}
	}

	spans := FindBanned(text, phrases)
	if len(spans) == 0 {
		return SafetyResult{Text: text, Matched: []string{}}
	}

	msg := EscalationMessage(sc.Lang, escalationStrategy(sc.Profile, sc.Global))
	res := SafetyResult{
		Text:      msg,
		Matched:   matchedPhrases(spans),
		Escalated: true,
		Spans:     spans,
	}

	sentences := SplitSentences(text)
	var kept []string
	for _, s := range sentences {
		if !overlapsAny(s.Start, s.End, spans) {
			kept = append(kept, strings.TrimSpace(s.Text))
		}
	}
	if len(sentences) > 0 && float64(len(kept))/float64(len(sentences)) > m.RetentionThreshold {
		res.Text = strings.Join(kept, " ") + " " + msg
		res.Partial = true
	}
	return res
}

func mergePhrases(layers ...*Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range layers {
		if c == nil {
			continue
		}
		for _, p := range c.BanPhrases {
			p = strings.TrimSpace(p)
			key, _ := normalizeWithMap(p)
			key = strings.TrimSpace(key)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

func escalationStrategy(profile, global *Config) string {
	if profile != nil && strings.TrimSpace(profile.Escalation) != "" {
		return profile.Escalation
	}
	if global != nil {
		return global.Escalation
	}
	return ""
}

func matchedPhrases(spans []Span) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		if !seen[s.Phrase] {
			seen[s.Phrase] = true
			out = append(out, s.Phrase)
		}
	}
	return out
}

func overlapsAny(start, end int, spans []Span) bool {
	for _, sp := range spans {
		if sp.Start < end && sp.End > start {
			return true
		}
	}
	return false
}

// FindBanned returns every whole-word occurrence of each phrase in text, ordered by position.
func FindBanned(text string, phrases []string) []Span {
	hay, offsets := normalizeWithMap(text)
	var spans []Span
	for _, phrase := range phrases {
		needle, _ := normalizeWithMap(phrase)
		needle = strings.TrimSpace(needle)
		if needle == "" {
			continue
		}
		re := regexp.MustCompile(`(?:^| )(` + regexp.QuoteMeta(needle) + `)(?: |$)`)
		pos := 0
		for pos < len(hay) {
			loc := re.FindStringSubmatchIndex(hay[pos:])
			if loc == nil {
				break
			}
			gs, ge := pos+loc[2], pos+loc[3]
			spans = append(spans, Span{
				Phrase: phrase,
				Start:  offsets[gs].start,
				End:    offsets[ge-1].end,
			})
			pos = ge
		}
	}
	sortSpans(spans)
	return spans
}

func sortSpans(spans []Span) {
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].Start < spans[j-1].Start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}

type byteOrigin struct {
	start int
	end   int
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases s, strips diacritics and collapses non-word runs into single spaces.
func Normalize(s string) string {
	out, _ := normalizeWithMap(s)
	return strings.TrimSpace(out)
}

// normalizeWithMap normalizes s and records, for every output byte, the byte range of the
// original rune it came from.
func normalizeWithMap(s string) (string, []byteOrigin) {
	var b strings.Builder
	origins := make([]byteOrigin, 0, len(s))
	lastSpace := false
	for i, r := range s {
		end := i + utf8.RuneLen(r)
		if r == utf8.RuneError {
			end = i + 1
		}
		folded, _, err := transform.String(stripMarks, string(r))
		if err != nil {
			folded = string(r)
		}
		folded = strings.ToLower(folded)
		wrote := false
		for _, fr := range folded {
			if !isWordRune(fr) {
				continue
			}
			n, _ := b.WriteRune(fr)
			for k := 0; k < n; k++ {
				origins = append(origins, byteOrigin{start: i, end: end})
			}
			wrote = true
		}
		if wrote {
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			origins = append(origins, byteOrigin{start: i, end: end})
			lastSpace = true
		}
	}
	return b.String(), origins
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Sentence is a slice of the original text ending at terminal punctuation or a newline.
type Sentence struct {
	Text  string
	Start int
	End   int
}

// SplitSentences splits text on runs of . ! ? … followed by whitespace, and on newlines.
func SplitSentences(text string) []Sentence {
	var out []Sentence
	start := 0
	emit := func(end int) {
		if strings.TrimSpace(text[start:end]) != "" {
			out = append(out, Sentence{Text: text[start:end], Start: start, End: end})
		}
		start = end
	}
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch {
		case r == '\n':
			emit(next)
		case isTerminal(r):
			for next < len(text) {
				nr, ns := utf8.DecodeRuneInString(text[next:])
				if !isTerminal(nr) {
					break
				}
				next += ns
			}
			if next == len(text) {
				emit(next)
			} else if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
				emit(next)
			}
		}
		i = next
	}
	if start < len(text) {
		emit(len(text))
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func normalizeLang(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "en", "en-us", "en-gb", "english":
		return "en"
	default:
		return "es"
	}
}
