package memory

import "regexp"

type category string

const (
	categoryDecisions  category = "decisions"
	categoryObstacles  category = "obstacles"
	categoryNeeds      category = "needs"
	categoryBoundaries category = "boundaries"
	categoryEmotions   category = "emotions"
)

// Priority order for stage 1.
var categoryOrder = []category{
	categoryDecisions,
	categoryObstacles,
	categoryNeeds,
	categoryBoundaries,
	categoryEmotions,
}

var factPrefixes = map[string]map[category]string{
	"es": {
		categoryDecisions:  "Decidió:",
		categoryObstacles:  "Obstáculo:",
		categoryNeeds:      "Necesita:",
		categoryBoundaries: "Límite:",
		categoryEmotions:   "Siente:",
	},
	"en": {
		categoryDecisions:  "Decided:",
		categoryObstacles:  "Obstacle:",
		categoryNeeds:      "Needs:",
		categoryBoundaries: "Boundary:",
		categoryEmotions:   "Feels:",
	},
}

// Categories whose cue is cancelled by a preceding negation ("no voy a" is a boundary, not
// a decision).
var negatable = map[category]bool{
	categoryDecisions: true,
	categoryNeeds:     true,
	categoryEmotions:  true,
}

// Every pattern captures the fact clause in group 1.
var factPatterns = map[string]map[category][]*regexp.Regexp{
	"es": {
		categoryDecisions: {
			regexp.MustCompile(`(?i)\b(?:he decidido|decid[ií](?: que)?|me comprometo a|voy a|vamos a)\s+(.+)`),
		},
		categoryObstacles: {
			regexp.MustCompile(`(?i)\b(?:no puedo|no consigo|me cuesta|me impide|el problema es(?: que)?|tengo miedo de)\s+(.+)`),
		},
		categoryNeeds: {
			regexp.MustCompile(`(?i)\b(?:necesito|me har[ií]a falta|me gustar[ií]a|quiero que)\s+(.+)`),
		},
		categoryBoundaries: {
			regexp.MustCompile(`(?i)\b(?:no quiero|no voy a|no me digas|prefiero no|no estoy dispuest[oa] a)\s+(.+)`),
		},
		categoryEmotions: {
			regexp.MustCompile(`(?i)\b(?:me siento|me noto|estoy muy|siento)\s+(.+)`),
		},
	},
	"en": {
		categoryDecisions: {
			regexp.MustCompile(`(?i)\b(?:i(?:'m| am) going to|i(?:'ve| have) decided to|i decided to|i commit to|i will|i'll|we're going to)\s+(.+)`),
		},
		categoryObstacles: {
			regexp.MustCompile(`(?i)\b(?:i can't|i cannot|i struggle (?:to|with)|it's hard (?:for me )?to|the problem is(?: that)?|i'm afraid (?:of|to))\s+(.+)`),
		},
		categoryNeeds: {
			regexp.MustCompile(`(?i)\b(?:i need(?: to)?|i want you to|i'd like(?: to)?|i wish)\s+(.+)`),
		},
		categoryBoundaries: {
			regexp.MustCompile(`(?i)\b(?:i don't want(?: to)?|i won't|please don't|i'd rather not|i'm not willing to)\s+(.+)`),
		},
		categoryEmotions: {
			regexp.MustCompile(`(?i)\b(?:i feel|i'm feeling|i am feeling|i'm so|i am so)\s+(.+)`),
		},
	},
}

var (
	negationBefore = regexp.MustCompile(`(?i)(?:^|\s)(?:no|not|never|nunca|don't|didn't)\s+$`)
	clauseEnd      = regexp.MustCompile(`[.!?;\n…]`)
	bulletPrefix   = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)
