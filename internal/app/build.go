package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/httpapi"
	"github.com/ent0n29/rehearsal/internal/jobs"
	"github.com/ent0n29/rehearsal/internal/memory"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *simulation.Orchestrator
	Jobs         *jobs.Service
	Store        runs.Store
	Hub          *events.Hub
	Metrics      *observability.Metrics
	// GenerationMode is the resolved backend, e.g. "openai+http".
	GenerationMode string

	// Cleanup cancels running jobs and releases the store. ctx bounds the wait for jobs.
	Cleanup func(ctx context.Context) error
}

type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
	logger     *zap.Logger
	backend    generation.Backend
}

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithBackend overrides the backend selected from configuration.
func WithBackend(b generation.Backend) Option {
	return func(o *buildOptions) { o.backend = b }
}

func Build(ctx context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	bo := buildOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	metrics := observability.NewMetrics(cfg.MetricsNamespace, bo.registerer)

	store, err := runs.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}

	backend := bo.backend
	if backend == nil {
		backend, err = generation.NewBackend(generation.Config{
			Mode:       cfg.GenerationMode,
			HTTPURL:    cfg.GenerationHTTPURL,
			APIURL:     cfg.GenerationAPIURL,
			APIKey:     cfg.GenerationAPIKey,
			Model:      cfg.GenerationModel,
			Timeout:    cfg.GenerationTimeout,
			MaxRetries: cfg.GenerationMaxRetries,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("generation backend init failed: %w", err)
		}
	}
	generationMode := generation.ModeOf(backend)

	compressorOpts := []memory.CompressorOption{memory.WithLogger(logger.Named("memory"))}
	if cfg.PerplexityAPIKey != "" {
		compressorOpts = append(compressorOpts, memory.WithCompleter(generation.NewChatClient(generation.ChatConfig{
			APIURL:     cfg.PerplexityAPIURL,
			APIKey:     cfg.PerplexityAPIKey,
			Model:      cfg.PerplexityModel,
			MaxTokens:  200,
			MaxRetries: 1,
		})))
	}

	hub := events.NewHub()
	hub.OnDrop(func() {
		if metrics != nil {
			metrics.EventsDropped.Inc()
		}
	})
	jobService := jobs.New(jobs.Config{
		JobTimeout:  cfg.JobTimeout,
		MaxRetained: cfg.JobsRetained,
	}, nil, metrics, logger.Named("jobs"))

	orchestrator := simulation.New(backend,
		simulation.WithStore(store),
		simulation.WithSink(events.Multi{
			events.NewZapSink(logger.Named("events")),
			events.NewStoreSink(store),
			hub,
			jobService,
		}),
		simulation.WithCompressor(memory.NewCompressor(compressorOpts...)),
		simulation.WithModerator(policy.NewModerator(cfg.SafetyRetentionThreshold)),
		simulation.WithMetrics(metrics),
		simulation.WithLogger(logger.Named("simulation")),
		simulation.WithFinishTimeout(cfg.FinishTimeout),
		simulation.WithDefaults(Defaults(cfg)),
	)
	jobService.SetRunner(orchestrator)

	api := httpapi.New(cfg, jobService, store, hub, metrics, logger.Named("http"))

	logger.Info("service built",
		zap.String("store_mode", runs.Mode(store)),
		zap.String("generation_mode", generationMode),
		zap.Bool("memory_model_fallback", cfg.UsePerplexityFallback && cfg.PerplexityAPIKey != ""),
	)

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := jobService.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("jobs: %w", err))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Orchestrator:   orchestrator,
		Jobs:           jobService,
		Store:          store,
		Hub:            hub,
		Metrics:        metrics,
		GenerationMode: generationMode,
		Cleanup:        cleanup,
	}, nil
}

// Defaults maps configuration onto the values applied to every RunRequest.
func Defaults(cfg config.Config) simulation.Defaults {
	useFallback := cfg.UsePerplexityFallback
	d := simulation.Defaults{
		Options: simulation.Options{
			ConversationsPerScenario: 1,
			MaxTurns:                 cfg.MaxTurns,
			Parallelism:              cfg.Parallelism,
			Lang:                     cfg.DefaultLang,
			MaxFacts:                 cfg.MaxFacts,
			UseModelFallback:         &useFallback,
			ModelAPIKey:              cfg.PerplexityAPIKey,
		},
		Generation: simulation.GenerationConfig{
			Timeout:      cfg.GenerationTimeout,
			HistoryTurns: cfg.HistoryTurns,
		},
	}
	if len(cfg.SafetyBanPhrases) > 0 {
		d.Safety.BanPhrases = cfg.SafetyBanPhrases
	}
	if cfg.SafetyEscalation != "" {
		d.Safety.Escalation = cfg.SafetyEscalation
	}
	return d
}
