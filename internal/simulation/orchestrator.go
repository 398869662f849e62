// Package simulation drives scenarios through bounded multi-turn conversations between a
// synthetic user and the responder under test.
package simulation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/memory"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
)

const (
	DefaultMaxTurns      = 10
	DefaultParallelism   = 4
	DefaultHistoryTurns  = 6
	DefaultFinishTimeout = 5 * time.Second
)

// StatusAborted marks a conversation whose run could not be opened.
const StatusAborted runs.Status = "aborted"

const (
	SyncSynced  = "synced"
	SyncPending = "pending"
	SyncFailed  = "failed"
)

type Options struct {
	ConversationsPerScenario int `json:"conversations_per_scenario"`
	MaxTurns                 int `json:"max_turns"`
	// Parallelism bounds concurrently running conversations.
	Parallelism int    `json:"parallelism,omitempty"`
	Lang        string `json:"lang,omitempty"`
	MaxFacts    int    `json:"max_facts,omitempty"`
	// UseModelFallback enables memory stage 2; nil inherits the service default.
	UseModelFallback *bool  `json:"use_model_fallback,omitempty"`
	ModelAPIKey      string `json:"-"`
}

func (o Options) modelFallback() bool {
	return o.UseModelFallback != nil && *o.UseModelFallback
}

type GenerationConfig struct {
	Timeout time.Duration `json:"timeout,omitempty"`
	// HistoryTurns is how many trailing turns are sent as chat history.
	HistoryTurns int `json:"history_turns,omitempty"`
}

// RunRequest is everything a batch of conversations needs.
type RunRequest struct {
	Scenario       catalog.Scenario     `json:"scenario"`
	Options        Options              `json:"options"`
	SystemSpec     string               `json:"system_spec,omitempty"`
	Safety         catalog.SafetyDoc    `json:"safety,omitempty"`
	Generation     GenerationConfig     `json:"generation,omitempty"`
	SimulationOnly bool                 `json:"simulation_only,omitempty"`
	Profiles       []catalog.ProfileDoc `json:"profiles,omitempty"`
}

type SyncStatus struct {
	Enabled bool   `json:"enabled"`
	Status  string `json:"status"`
	RunID   string `json:"run_id,omitempty"`
}

type Escalation struct {
	TurnIndex int      `json:"turn_index"`
	Matched   []string `json:"matched"`
	Partial   bool     `json:"partial"`
}

type ConversationResult struct {
	Index       int                `json:"index"`
	ProfileID   string             `json:"profile_id"`
	Turns       []runs.Turn        `json:"turns"`
	Memory      memory.ShortMemory `json:"memory"`
	Sync        SyncStatus         `json:"sync"`
	Escalations []Escalation       `json:"escalations,omitempty"`
	// Degraded counts generation fallbacks.
	Degraded int         `json:"degraded"`
	Status   runs.Status `json:"status"`
	Err      string      `json:"error,omitempty"`
}

type RunResult struct {
	ScenarioID    string               `json:"scenario_id"`
	Conversations []ConversationResult `json:"conversations"`
	Warnings      []string             `json:"warnings,omitempty"`
}

// Defaults fill the parts of a RunRequest its caller left empty.
type Defaults struct {
	Options    Options
	Generation GenerationConfig
	Safety     catalog.SafetyDoc
}

func (d Defaults) apply(req RunRequest) RunRequest {
	o := &req.Options
	if o.ConversationsPerScenario <= 0 {
		o.ConversationsPerScenario = d.Options.ConversationsPerScenario
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = d.Options.MaxTurns
	}
	if o.Parallelism <= 0 {
		o.Parallelism = d.Options.Parallelism
	}
	if o.Lang == "" {
		o.Lang = d.Options.Lang
	}
	if o.MaxFacts <= 0 {
		o.MaxFacts = d.Options.MaxFacts
	}
	if o.UseModelFallback == nil {
		o.UseModelFallback = d.Options.UseModelFallback
	}
	if o.ModelAPIKey == "" {
		o.ModelAPIKey = d.Options.ModelAPIKey
	}
	if req.Generation.Timeout <= 0 {
		req.Generation.Timeout = d.Generation.Timeout
	}
	if req.Generation.HistoryTurns <= 0 {
		req.Generation.HistoryTurns = d.Generation.HistoryTurns
	}
	if req.Safety.BanPhrases == nil && req.Safety.Escalation == nil {
		req.Safety = d.Safety
	}
	return req
}

// Orchestrator runs scenarios. It is safe for concurrent use; all per-conversation state
// lives in the conversation it creates.
type Orchestrator struct {
	backend       generation.Backend
	store         runs.Store
	sink          events.Sink
	compressor    *memory.Compressor
	moderator     *policy.Moderator
	sequencer     *beats.Sequencer
	metrics       *observability.Metrics
	logger        *zap.Logger
	finishTimeout time.Duration
	defaults      Defaults
}

type Option func(*Orchestrator)

// WithStore enables persistence. Without a store every conversation is simulation-only.
func WithStore(s runs.Store) Option { return func(o *Orchestrator) { o.store = s } }

func WithSink(s events.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithCompressor(c *memory.Compressor) Option { return func(o *Orchestrator) { o.compressor = c } }

func WithModerator(m *policy.Moderator) Option { return func(o *Orchestrator) { o.moderator = m } }

// WithSequencer injects the beat sequencer, and with it the random source used for biased
// beat plans.
func WithSequencer(s *beats.Sequencer) Option { return func(o *Orchestrator) { o.sequencer = s } }

func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDefaults sets service-wide values for requests that leave them unset. A request's
// own safety block replaces the default one entirely.
func WithDefaults(d Defaults) Option { return func(o *Orchestrator) { o.defaults = d } }

func WithFinishTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.finishTimeout = d
		}
	}
}

func New(backend generation.Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:       backend,
		logger:        zap.NewNop(),
		finishTimeout: DefaultFinishTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = events.Multi{}
	}
	if o.compressor == nil {
		o.compressor = memory.NewCompressor(memory.WithLogger(o.logger))
	}
	if o.moderator == nil {
		o.moderator = policy.NewModerator(policy.DefaultRetentionThreshold)
	}
	if o.sequencer == nil {
		o.sequencer = beats.NewSequencer(nil)
	}
	return o
}

// RunScenario runs every requested conversation and always returns one
// ConversationResult per conversation, whatever fails along the way.
func (o *Orchestrator) RunScenario(ctx context.Context, req RunRequest) RunResult {
	req = o.defaults.apply(req)
	result := RunResult{ScenarioID: req.Scenario.ID}
	opts := withDefaults(req.Options)
	results := make([]ConversationResult, opts.ConversationsPerScenario)

	scenario, err := catalog.NormalizeScenario(req.Scenario)
	if err != nil {
		for i := range results {
			results[i] = ConversationResult{
				Index:  i,
				Status: StatusAborted,
				Err:    err.Error(),
				Sync:   SyncStatus{Status: SyncPending},
			}
		}
		result.Conversations = results
		return result
	}
	result.ScenarioID = scenario.ID
	if opts.Lang == "" {
		opts.Lang = scenario.Lang
	}

	global, err := catalog.ParseSafety(req.Safety)
	if err != nil {
		msg := "global safety ignored: " + err.Error()
		result.Warnings = append(result.Warnings, msg)
		o.emit(ctx, events.Event{
			Level:      events.LevelWarn,
			Type:       events.TypeConfigDegraded,
			ScenarioID: scenario.ID,
			Meta:       map[string]any{"reason": msg},
		})
		global = policy.Config{}
	}

	profiles, warnings := normalizeProfiles(req.Profiles, opts.Lang)
	result.Warnings = append(result.Warnings, flatten(warnings)...)

	backend := generation.WithTimeout(o.backend, req.Generation.Timeout)
	historyTurns := req.Generation.HistoryTurns
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i := range results {
		profile := profiles[i%len(profiles)]
		c := &conversation{
			o:              o,
			backend:        backend,
			index:          i,
			scenario:       scenario,
			profile:        profile,
			profileWarns:   warnings[i%len(profiles)],
			global:         global,
			systemSpec:     req.SystemSpec,
			opts:           opts,
			historyTurns:   historyTurns,
			simulationOnly: req.SimulationOnly || o.store == nil,
		}
		g.Go(func() error {
			results[c.index] = c.run(gctx)
			return nil
		})
	}
	_ = g.Wait()

	result.Conversations = results
	return result
}

func withDefaults(opts Options) Options {
	if opts.ConversationsPerScenario <= 0 {
		opts.ConversationsPerScenario = 1
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.MaxFacts <= 0 {
		opts.MaxFacts = memory.DefaultMaxFacts
	}
	if opts.Lang != "" {
		opts.Lang = catalog.NormalizeLang(opts.Lang, catalog.DefaultLang)
	}
	return opts
}

func normalizeProfiles(docs []catalog.ProfileDoc, lang string) ([]catalog.Profile, [][]string) {
	if len(docs) == 0 {
		return []catalog.Profile{catalog.DefaultProfile(lang)}, [][]string{nil}
	}
	profiles := make([]catalog.Profile, len(docs))
	warnings := make([][]string, len(docs))
	for i, doc := range docs {
		profiles[i], warnings[i] = catalog.NormalizeProfile(doc, lang)
	}
	return profiles, warnings
}

func flatten(in [][]string) []string {
	var out []string
	for i, ws := range in {
		for _, w := range ws {
			out = append(out, fmt.Sprintf("profile[%d]: %s", i, w))
		}
	}
	return out
}

// emit delivers ev to the sink and waits for it. Sink failures are logged and reported
// to the caller, never raised.
func (o *Orchestrator) emit(ctx context.Context, ev events.Event) error {
	err := o.sink.LogEvent(ctx, ev)
	if err != nil {
		o.logger.Warn("event sink failed",
			zap.String("type", string(ev.Type)),
			zap.String("run_id", ev.RunID),
			zap.Error(err),
		)
	}
	return err
}
