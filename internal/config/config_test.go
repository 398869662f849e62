package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.GenerationMode != "auto" {
		t.Fatalf("GenerationMode = %q, want %q", cfg.GenerationMode, "auto")
	}
	if cfg.MaxFacts != 5 || cfg.Parallelism != 4 || cfg.MaxTurns != 10 {
		t.Fatalf("sim defaults = %d/%d/%d, want 5/4/10", cfg.MaxFacts, cfg.Parallelism, cfg.MaxTurns)
	}
	if cfg.GenerationTimeout != 30*time.Second {
		t.Fatalf("GenerationTimeout = %v, want 30s", cfg.GenerationTimeout)
	}
	if cfg.UsePerplexityFallback {
		t.Fatalf("UsePerplexityFallback = true without a key")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadParsesSafetyAndFallback(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SAFETY_BAN_PHRASES", " hacerme daño, ,matarme ")
	t.Setenv("SAFETY_ESCALATION", "escalate_specialist")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.SafetyBanPhrases) != 2 || cfg.SafetyBanPhrases[0] != "hacerme daño" || cfg.SafetyBanPhrases[1] != "matarme" {
		t.Fatalf("SafetyBanPhrases = %q", cfg.SafetyBanPhrases)
	}
	if cfg.SafetyEscalation != "escalate_specialist" {
		t.Fatalf("SafetyEscalation = %q", cfg.SafetyEscalation)
	}
	if !cfg.UsePerplexityFallback {
		t.Fatalf("UsePerplexityFallback = false with a key set")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"GENERATION_MODE":            "carrier-pigeon",
		"GENERATION_TIMEOUT":         "soon",
		"SIM_MAX_FACTS":              "0",
		"SIM_PARALLELISM":            "-1",
		"SIM_DEFAULT_LANG":           "fr",
		"APP_ALLOW_ANY_ORIGIN":       "maybe",
		"SAFETY_RETENTION_THRESHOLD": "1.5",
		"LOG_FORMAT":                 "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadRequiresURLForHTTPMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GENERATION_MODE", "http")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "GENERATION_HTTP_URL") {
		t.Fatalf("Load() error = %v, want GENERATION_HTTP_URL error", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"GENERATION_MODE",
		"GENERATION_HTTP_URL",
		"GENERATION_API_URL",
		"GENERATION_API_KEY",
		"GENERATION_MODEL",
		"GENERATION_TIMEOUT",
		"GENERATION_MAX_RETRIES",
		"SIM_DEFAULT_LANG",
		"SIM_MAX_FACTS",
		"SIM_MAX_TURNS",
		"SIM_PARALLELISM",
		"SIM_HISTORY_TURNS",
		"SIM_JOB_TIMEOUT",
		"SIM_JOBS_RETAINED",
		"SIM_FINISH_TIMEOUT",
		"SIM_USE_PERPLEXITY_FALLBACK",
		"PERPLEXITY_API_KEY",
		"PERPLEXITY_API_URL",
		"PERPLEXITY_MODEL",
		"SAFETY_BAN_PHRASES",
		"SAFETY_ESCALATION",
		"SAFETY_RETENTION_THRESHOLD",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
