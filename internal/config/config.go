package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the simulation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	GenerationMode       string
	GenerationHTTPURL    string
	GenerationAPIURL     string
	GenerationAPIKey     string
	GenerationModel      string
	GenerationTimeout    time.Duration
	GenerationMaxRetries int

	DefaultLang   string
	MaxFacts      int
	MaxTurns      int
	Parallelism   int
	HistoryTurns  int
	JobTimeout    time.Duration
	JobsRetained  int
	FinishTimeout time.Duration

	UsePerplexityFallback bool
	PerplexityAPIKey      string
	PerplexityAPIURL      string
	PerplexityModel       string

	SafetyBanPhrases         []string
	SafetyEscalation         string
	SafetyRetentionThreshold float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "rehearsal"),
		AllowAnyOrigin:       false,
		LogLevel:             strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		GenerationMode:       strings.ToLower(envOrDefault("GENERATION_MODE", "auto")),
		GenerationHTTPURL:    stringsTrimSpace("GENERATION_HTTP_URL"),
		GenerationAPIURL:     envOrDefault("GENERATION_API_URL", "https://api.openai.com/v1"),
		GenerationAPIKey:     stringsTrimSpace("GENERATION_API_KEY"),
		GenerationModel:      envOrDefault("GENERATION_MODEL", "gpt-4o-mini"),
		GenerationTimeout:    30 * time.Second,
		GenerationMaxRetries: 2,
		DefaultLang:          strings.ToLower(envOrDefault("SIM_DEFAULT_LANG", "es")),
		MaxFacts:             5,
		MaxTurns:             10,
		Parallelism:          4,
		HistoryTurns:         6,
		JobTimeout:           30 * time.Minute,
		JobsRetained:         200,
		FinishTimeout:        5 * time.Second,
		PerplexityAPIKey:     stringsTrimSpace("PERPLEXITY_API_KEY"),
		// Perplexity speaks the OpenAI chat completions dialect.
		PerplexityAPIURL:         envOrDefault("PERPLEXITY_API_URL", "https://api.perplexity.ai"),
		PerplexityModel:          envOrDefault("PERPLEXITY_MODEL", "sonar"),
		SafetyBanPhrases:         splitList(os.Getenv("SAFETY_BAN_PHRASES")),
		SafetyEscalation:         stringsTrimSpace("SAFETY_ESCALATION"),
		SafetyRetentionThreshold: 0.3,
		ShutdownTimeout:          15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationMaxRetries, err = intFromEnv("GENERATION_MAX_RETRIES", cfg.GenerationMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFacts, err = intFromEnv("SIM_MAX_FACTS", cfg.MaxFacts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTurns, err = intFromEnv("SIM_MAX_TURNS", cfg.MaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.Parallelism, err = intFromEnv("SIM_PARALLELISM", cfg.Parallelism)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryTurns, err = intFromEnv("SIM_HISTORY_TURNS", cfg.HistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTimeout, err = durationFromEnv("SIM_JOB_TIMEOUT", cfg.JobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JobsRetained, err = intFromEnv("SIM_JOBS_RETAINED", cfg.JobsRetained)
	if err != nil {
		return Config{}, err
	}
	cfg.FinishTimeout, err = durationFromEnv("SIM_FINISH_TIMEOUT", cfg.FinishTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UsePerplexityFallback, err = boolFromEnv("SIM_USE_PERPLEXITY_FALLBACK", cfg.PerplexityAPIKey != "")
	if err != nil {
		return Config{}, err
	}
	cfg.SafetyRetentionThreshold, err = floatFromEnv("SAFETY_RETENTION_THRESHOLD", cfg.SafetyRetentionThreshold)
	if err != nil {
		return Config{}, err
	}

	switch cfg.GenerationMode {
	case "auto", "mock", "http", "openai":
	default:
		return Config{}, fmt.Errorf("GENERATION_MODE must be one of auto, mock, http, openai")
	}
	if cfg.GenerationMode == "http" && cfg.GenerationHTTPURL == "" {
		return Config{}, fmt.Errorf("GENERATION_HTTP_URL is required when GENERATION_MODE=http")
	}
	if cfg.GenerationMode == "openai" && cfg.GenerationAPIKey == "" {
		return Config{}, fmt.Errorf("GENERATION_API_KEY is required when GENERATION_MODE=openai")
	}
	if cfg.GenerationTimeout <= 0 {
		return Config{}, fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if cfg.GenerationMaxRetries < 0 {
		return Config{}, fmt.Errorf("GENERATION_MAX_RETRIES must be >= 0")
	}
	if cfg.DefaultLang != "es" && cfg.DefaultLang != "en" {
		return Config{}, fmt.Errorf("SIM_DEFAULT_LANG must be es or en")
	}
	if cfg.MaxFacts <= 0 {
		return Config{}, fmt.Errorf("SIM_MAX_FACTS must be positive")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("SIM_MAX_TURNS must be positive")
	}
	if cfg.Parallelism <= 0 {
		return Config{}, fmt.Errorf("SIM_PARALLELISM must be positive")
	}
	if cfg.JobTimeout < time.Second {
		return Config{}, fmt.Errorf("SIM_JOB_TIMEOUT must be at least 1s")
	}
	if cfg.SafetyRetentionThreshold <= 0 || cfg.SafetyRetentionThreshold > 1 {
		return Config{}, fmt.Errorf("SAFETY_RETENTION_THRESHOLD must be in (0,1]")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
