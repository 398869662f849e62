package simulation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/memory"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
)

type state int

const (
	stateGenUser state = iota
	stateGenResponder
	stateModerate
	statePersist
	stateAdvance
	stateDone
)

func (s state) String() string {
	switch s {
	case stateGenUser:
		return "GEN_USER"
	case stateGenResponder:
		return "GEN_RESPONDER"
	case stateModerate:
		return "MODERATE"
	case statePersist:
		return "PERSIST"
	case stateAdvance:
		return "ADVANCE"
	default:
		return "DONE"
	}
}

// conversation owns all cross-turn state of one simulated conversation.
type conversation struct {
	o              *Orchestrator
	backend        generation.Backend
	index          int
	scenario       catalog.Scenario
	profile        catalog.Profile
	profileWarns   []string
	global         policy.Config
	systemSpec     string
	opts           Options
	historyTurns   int
	simulationOnly bool

	lang       string
	runID      string
	plan       []beats.Beat
	transcript []runs.Turn
	mem        memory.ShortMemory
	result     ConversationResult
	persistErr bool
	logger     *zap.Logger
}

// turnState is the scratch space of one pass through the state machine.
type turnState struct {
	index         int
	beat          beats.Beat
	memory        []string
	utterance     string
	userDegraded  bool
	reply         string
	replyDegraded bool
	safety        policy.SafetyResult
	started       time.Time
}

func (c *conversation) run(ctx context.Context) ConversationResult {
	c.lang = c.opts.Lang
	if c.lang == "" {
		c.lang = c.profile.Lang
	}
	c.logger = c.o.logger.With(
		zap.String("scenario_id", c.scenario.ID),
		zap.Int("conversation", c.index),
		zap.String("profile_id", c.profile.ID),
	)
	c.result = ConversationResult{
		Index:     c.index,
		ProfileID: c.profile.ID,
		Turns:     []runs.Turn{},
		Memory:    memory.ShortMemory{Facts: []string{}, Method: memory.MethodHeuristic},
		Sync:      SyncStatus{Enabled: !c.simulationOnly, Status: SyncPending},
		Status:    runs.StatusRunning,
	}

	if !c.simulationOnly {
		run, err := c.o.store.CreateRun(ctx, runs.NewRun{
			ScenarioID: c.scenario.ID,
			ProfileID:  c.profile.ID,
			StoryMode:  c.scenario.StoryMode,
			MaxTurns:   c.opts.MaxTurns,
		})
		if err != nil {
			c.logger.Error("create run failed", zap.Error(err))
			c.o.metrics.IncPersistError("create_run")
			c.emit(ctx, events.Event{
				Level:    events.LevelError,
				Type:     events.TypePersistError,
				Severity: events.SeverityHigh,
				Meta:     map[string]any{"op": "create_run", "error": err.Error()},
			})
			c.result.Status = StatusAborted
			c.result.Err = err.Error()
			c.result.Sync.Status = SyncFailed
			return c.result
		}
		c.runID = run.ID
		c.result.Sync.RunID = run.ID
	}

	c.o.metrics.ConversationStarted()
	for _, w := range c.profileWarns {
		c.emit(ctx, events.Event{
			Level: events.LevelWarn,
			Type:  events.TypeConfigDegraded,
			Meta:  map[string]any{"reason": w, "profile_id": c.profile.ID},
		})
	}
	c.emit(ctx, events.Event{
		Type: events.TypeRunStart,
		Meta: map[string]any{
			"profile_id":      c.profile.ID,
			"max_turns":       c.opts.MaxTurns,
			"simulation_only": c.simulationOnly,
		},
	})

	c.plan = c.o.sequencer.Plan(c.opts.MaxTurns, c.profile.BeatBias)
	cancelled := false
	for turn := 1; turn <= c.opts.MaxTurns; turn++ {
		if !c.step(ctx, turn) {
			cancelled = true
			break
		}
	}
	c.finish(ctx, cancelled)
	return c.result
}

// step drives one turn through the state machine. It returns false when the context was
// cancelled before the turn completed; partial turns are never persisted.
func (c *conversation) step(ctx context.Context, turn int) bool {
	ts := &turnState{
		index:   turn,
		beat:    c.plan[turn-1],
		memory:  append([]string(nil), c.mem.Facts...),
		started: time.Now(),
	}
	for st := stateGenUser; st != stateDone; {
		if ctx.Err() != nil {
			c.logger.Info("conversation cancelled", zap.Int("turn", turn), zap.Stringer("state", st))
			return false
		}
		switch st {
		case stateGenUser:
			c.genUser(ctx, ts)
			st = stateGenResponder
		case stateGenResponder:
			c.genResponder(ctx, ts)
			st = stateModerate
		case stateModerate:
			c.moderate(ctx, ts)
			st = statePersist
		case statePersist:
			c.persist(ctx, ts)
			st = stateAdvance
		case stateAdvance:
			c.advance(ctx, ts)
			st = stateDone
		}
	}
	return true
}

func (c *conversation) request(role generation.Role, ts *turnState) generation.Request {
	seed, _ := c.scenario.Seed(ts.index)
	return generation.Request{
		Role:         role,
		Lang:         c.lang,
		RunID:        c.runID,
		TurnIndex:    ts.index,
		SystemSpec:   c.systemSpec,
		ScenarioID:   c.scenario.ID,
		Title:        c.scenario.Title,
		Goals:        c.scenario.Goals,
		Relationship: c.scenario.Relationship,
		Seed:         seed,
		Beat:         ts.beat,
		Memory:       ts.memory,
		History:      history(c.transcript, c.historyTurns),
		Persona: generation.Persona{
			ProfileID: c.profile.ID,
			Tone:      c.profile.Tone,
			Traits:    c.profile.Traits,
			MinWords:  c.profile.Verbosity.MinWords,
			MaxWords:  c.profile.Verbosity.MaxWords,
		},
	}
}

// generate calls the backend and substitutes the fallback text on any failure. The
// second return value reports whether the fallback was used.
func (c *conversation) generate(ctx context.Context, req generation.Request, stage string) (string, bool) {
	start := time.Now()
	text, res, err := generation.Text(ctx, c.backend, req)
	elapsed := time.Since(start)
	c.o.metrics.ObserveStage(stage, elapsed)
	c.o.metrics.ObserveGeneration(string(req.Role), elapsed, err != nil)
	if err == nil {
		return text, false
	}

	fallback := FallbackText(c.lang, req.Role)
	if ctx.Err() != nil {
		return fallback, true
	}
	severity := events.SeverityMedium
	if req.Role == generation.RoleResponder {
		severity = events.SeverityHigh
	}
	c.logger.Warn("generation failed, using fallback",
		zap.String("role", string(req.Role)),
		zap.Int("turn", req.TurnIndex),
		zap.Error(err),
	)
	meta := map[string]any{
		"role":  string(req.Role),
		"error": err.Error(),
	}
	if res.Meta != nil {
		meta["backend_meta"] = res.Meta
	}
	c.emit(ctx, events.Event{
		Level:     events.LevelError,
		Type:      events.TypeGenerationError,
		TurnIndex: req.TurnIndex,
		Severity:  severity,
		Meta:      meta,
	})
	c.result.Degraded++
	return fallback, true
}

func (c *conversation) genUser(ctx context.Context, ts *turnState) {
	text, degraded := c.generate(ctx, c.request(generation.RoleSyntheticUser, ts), observability.StageGenUser)
	ts.utterance = clampWords(text, c.profile.Verbosity.MaxWords)
	ts.userDegraded = degraded
}

func (c *conversation) genResponder(ctx context.Context, ts *turnState) {
	req := c.request(generation.RoleResponder, ts)
	req.Utterance = ts.utterance
	ts.reply, ts.replyDegraded = c.generate(ctx, req, observability.StageGenResponder)
}

func (c *conversation) moderate(ctx context.Context, ts *turnState) {
	start := time.Now()
	profileSafety := c.profile.Safety
	ts.safety = c.o.moderator.Apply(ts.reply, policy.SafetyContext{
		Speaker: string(runs.SpeakerResponder),
		Lang:    c.lang,
		Profile: &profileSafety,
		Global:  &c.global,
	})
	c.o.metrics.ObserveStage(observability.StageModerate, time.Since(start))
	c.o.metrics.ObserveModeration(ts.safety.Escalated, ts.safety.Partial)
	if !ts.safety.Escalated {
		return
	}
	ts.reply = ts.safety.Text
	c.result.Escalations = append(c.result.Escalations, Escalation{
		TurnIndex: ts.index,
		Matched:   ts.safety.Matched,
		Partial:   ts.safety.Partial,
	})
	c.emit(ctx, events.Event{
		Level:     events.LevelWarn,
		Type:      events.TypeSafetyEscalated,
		TurnIndex: ts.index,
		Meta: map[string]any{
			"matched": ts.safety.Matched,
			"partial": ts.safety.Partial,
		},
	})
}

func (c *conversation) persist(ctx context.Context, ts *turnState) {
	start := time.Now()
	now := time.Now().UTC()
	user := runs.Turn{
		RunID:     c.runID,
		Index:     ts.index,
		Speaker:   runs.SpeakerSyntheticUser,
		Text:      ts.utterance,
		Beat:      ts.beat,
		Metrics:   Measure(ts.utterance),
		Memory:    ts.memory,
		Degraded:  ts.userDegraded,
		CreatedAt: now,
	}
	reply := runs.Turn{
		RunID:     c.runID,
		Index:     ts.index,
		Speaker:   runs.SpeakerResponder,
		Text:      ts.reply,
		Beat:      ts.beat,
		Metrics:   Measure(ts.reply),
		Memory:    ts.memory,
		Degraded:  ts.replyDegraded,
		CreatedAt: now,
	}

	if c.syncing() {
		if id, err := c.o.store.InsertTurn(ctx, user); err != nil {
			c.persistFailed(ctx, "insert_turn", ts.index, err)
		} else {
			user.ID = id
		}
	}
	if c.syncing() {
		if id, err := c.o.store.InsertTurn(ctx, reply); err != nil {
			c.persistFailed(ctx, "insert_turn", ts.index, err)
		} else {
			reply.ID = id
		}
	}
	reply.Safety = runs.FlagsFrom(ts.safety)
	if c.syncing() && reply.ID != "" {
		if err := c.o.store.UpsertTurnSafety(ctx, reply.ID, reply.Safety); err != nil {
			c.persistFailed(ctx, "upsert_safety", ts.index, err)
		}
	}
	c.o.metrics.ObserveStage(observability.StagePersist, time.Since(start))

	c.transcript = append(c.transcript, user, reply)
	c.result.Turns = append(c.result.Turns, user, reply)
	c.o.metrics.IncTurn(string(runs.SpeakerSyntheticUser))
	c.o.metrics.IncTurn(string(runs.SpeakerResponder))

	c.updateMemory(ctx, ts)
}

func (c *conversation) updateMemory(ctx context.Context, ts *turnState) {
	start := time.Now()
	c.mem = c.o.compressor.Extract(ctx, c.transcript, memory.Options{
		MaxFacts:         c.opts.MaxFacts,
		Lang:             c.lang,
		UseModelFallback: c.opts.modelFallback(),
		APIKey:           c.opts.ModelAPIKey,
	})
	c.o.metrics.ObserveStage(observability.StageMemory, time.Since(start))
	c.o.metrics.IncMemory(string(c.mem.Method))
	c.result.Memory = c.mem
	if c.mem.Debug.ModelError != "" {
		c.emit(ctx, events.Event{
			Level:     events.LevelWarn,
			Type:      events.TypeMemoryFallback,
			TurnIndex: ts.index,
			Meta:      map[string]any{"error": c.mem.Debug.ModelError},
		})
	}
	if !c.syncing() {
		return
	}
	err := c.o.store.SaveMemory(ctx, runs.MemorySnapshot{
		RunID:     c.runID,
		TurnIndex: ts.index,
		Facts:     c.mem.Facts,
		Method:    string(c.mem.Method),
	})
	if err != nil {
		c.persistFailed(ctx, "save_memory", ts.index, err)
	}
}

func (c *conversation) advance(ctx context.Context, ts *turnState) {
	c.o.metrics.ObserveStage(observability.StageTurnTotal, time.Since(ts.started))
	c.emit(ctx, events.Event{
		Type:      events.TypeTurnEnd,
		TurnIndex: ts.index,
		Meta: map[string]any{
			"beat":               ts.beat.String(),
			"user_degraded":      ts.userDegraded,
			"responder_degraded": ts.replyDegraded,
			"escalated":          ts.safety.Escalated,
			"matched":            ts.safety.Matched,
			"memory_facts":       len(c.mem.Facts),
		},
	})
}

// syncing reports whether turns should still be written. After the first persistence
// failure the remaining turns stay in memory only, so the stored run never has gaps.
func (c *conversation) syncing() bool {
	return !c.simulationOnly && !c.persistErr
}

func (c *conversation) persistFailed(ctx context.Context, op string, turn int, err error) {
	c.persistErr = true
	c.result.Sync.Status = SyncFailed
	c.o.metrics.IncPersistError(op)
	c.logger.Error("persist failed", zap.String("op", op), zap.Int("turn", turn), zap.Error(err))
	c.emit(ctx, events.Event{
		Level:     events.LevelError,
		Type:      events.TypePersistError,
		TurnIndex: turn,
		Severity:  events.SeverityHigh,
		Meta:      map[string]any{"op": op, "error": err.Error()},
	})
}

func (c *conversation) finish(ctx context.Context, cancelled bool) {
	status := runs.StatusCompleted
	switch {
	case cancelled:
		status = runs.StatusCancelled
	case c.result.Degraded > 0 || c.persistErr:
		status = runs.StatusDegraded
	}
	c.result.Status = status

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.o.finishTimeout)
	defer cancel()
	if !c.simulationOnly {
		if err := c.o.store.FinishRun(fctx, c.runID, status); err != nil {
			c.persistFailed(fctx, "finish_run", len(c.result.Turns)/2, err)
		}
	}
	if c.result.Sync.Enabled && !c.persistErr {
		c.result.Sync.Status = SyncSynced
	}
	c.o.metrics.ConversationFinished(string(status))
	c.emit(fctx, events.Event{
		Type: events.TypeRunEnd,
		Meta: map[string]any{
			"status":      string(status),
			"turns":       len(c.result.Turns) / 2,
			"degraded":    c.result.Degraded,
			"escalations": len(c.result.Escalations),
			"sync":        c.result.Sync.Status,
		},
	})
	c.logger.Info("conversation finished",
		zap.String("run_id", c.runID),
		zap.String("status", string(status)),
		zap.Int("turns", len(c.result.Turns)/2),
		zap.Int("degraded", c.result.Degraded),
	)
}

func (c *conversation) emit(ctx context.Context, ev events.Event) {
	ev.RunID = c.runID
	ev.ScenarioID = c.scenario.ID
	_ = c.o.emit(ctx, ev)
}
