package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/events"
)

// PostgresStore persists runs in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	ids  *turnIDs
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, ids: newTurnIDs()}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			profile_id TEXT NOT NULL DEFAULT '',
			story_mode TEXT NOT NULL DEFAULT '',
			max_turns INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			beat JSONB NOT NULL DEFAULT '{}'::jsonb,
			safety JSONB NOT NULL DEFAULT '{}'::jsonb,
			metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
			memory JSONB NOT NULL DEFAULT '[]'::jsonb,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (run_id, idx, speaker)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_snapshots (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			turn_idx INTEGER NOT NULL,
			facts JSONB NOT NULL,
			method TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, turn_idx)
		);`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			scenario_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			type TEXT NOT NULL,
			turn_idx INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL DEFAULT '',
			meta JSONB NOT NULL DEFAULT '{}'::jsonb,
			at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_at ON run_events (run_id, at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, in NewRun) (Run, error) {
	if in.MaxTurns <= 0 {
		return Run{}, fmt.Errorf("max_turns must be positive")
	}
	r := Run{
		ID:         uuid.NewString(),
		ScenarioID: in.ScenarioID,
		ProfileID:  in.ProfileID,
		StoryMode:  in.StoryMode,
		MaxTurns:   in.MaxTurns,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, scenario_id, profile_id, story_mode, max_turns, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ScenarioID, r.ProfileID, r.StoryMode, r.MaxTurns, string(r.Status), r.StartedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) InsertTurn(ctx context.Context, t Turn) (string, error) {
	if err := validateTurn(t); err != nil {
		return "", err
	}
	payload, err := encodeTurnJSON(t)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status   string
		maxTurns int
	)
	err = tx.QueryRow(ctx, `SELECT status, max_turns FROM runs WHERE id=$1 FOR UPDATE`, t.RunID).Scan(&status, &maxTurns)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock run: %w", err)
	}
	if Status(status).Terminal() {
		return "", ErrRunFinished
	}
	if t.Index > maxTurns {
		return "", fmt.Errorf("%w: index %d exceeds max turns %d", ErrTurnOutOfOrder, t.Index, maxTurns)
	}

	var (
		lastIdx     int
		lastSpeaker string
	)
	err = tx.QueryRow(ctx,
		`SELECT idx, speaker FROM turns WHERE run_id=$1 ORDER BY idx DESC, created_at DESC, id DESC LIMIT 1`,
		t.RunID,
	).Scan(&lastIdx, &lastSpeaker)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("load last turn: %w", err)
	default:
		if !nextInSequence(lastIdx, Speaker(lastSpeaker), t) {
			return "", fmt.Errorf("%w: index %d %s after %d %s", ErrTurnOutOfOrder, t.Index, t.Speaker, lastIdx, lastSpeaker)
		}
	}

	t.ID = s.ids.next()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO turns (id, run_id, idx, speaker, text, beat, safety, metrics, memory, degraded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.RunID, t.Index, string(t.Speaker), t.Text,
		payload.beat, payload.safety, payload.metrics, payload.memory,
		t.Degraded, t.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit turn: %w", err)
	}
	return t.ID, nil
}

func (s *PostgresStore) UpsertTurnSafety(ctx context.Context, turnID string, flags SafetyFlags) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode safety: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE turns SET safety=$2 WHERE id=$1`, turnID, raw)
	if err != nil {
		return fmt.Errorf("update turn safety: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveMemory(ctx context.Context, snap MemorySnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	facts, err := json.Marshal(nonNilStrings(snap.Facts))
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_snapshots (run_id, turn_idx, facts, method, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, turn_idx) DO UPDATE SET facts=EXCLUDED.facts, method=EXCLUDED.method, updated_at=EXCLUDED.updated_at`,
		snap.RunID, snap.TurnIndex, facts, snap.Method, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("finish status %q is not terminal", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status=$2, finished_at=$3 WHERE id=$1`,
		runID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev events.Event) error {
	ev = events.Stamp(ev)
	meta, err := json.Marshal(nonNilMeta(ev.Meta))
	if err != nil {
		return fmt.Errorf("encode event meta: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_events (id, run_id, scenario_id, level, type, turn_idx, severity, meta, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.RunID, ev.ScenarioID, string(ev.Level), string(ev.Type), ev.TurnIndex, ev.Severity, meta, ev.At,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, scenario_id, profile_id, story_mode, max_turns, status, started_at, finished_at
		 FROM runs WHERE id=$1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, scenario_id, profile_id, story_mode, max_turns, status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, runID string) ([]Turn, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, idx, speaker, text, beat, safety, metrics, memory, degraded, created_at
		 FROM turns WHERE run_id=$1 ORDER BY idx ASC, created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t                                   Turn
			speaker                             string
			beatRaw, safetyRaw, metricsRaw, mem []byte
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.Index, &speaker, &t.Text, &beatRaw, &safetyRaw, &metricsRaw, &mem, &t.Degraded, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Speaker = Speaker(speaker)
		if err := decodeTurnJSON(&t, beatRaw, safetyRaw, metricsRaw, mem); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LatestMemory(ctx context.Context, runID string) (MemorySnapshot, error) {
	var (
		snap MemorySnapshot
		raw  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, turn_idx, facts, method, updated_at FROM memory_snapshots
		 WHERE run_id=$1 ORDER BY turn_idx DESC LIMIT 1`, runID,
	).Scan(&snap.RunID, &snap.TurnIndex, &raw, &snap.Method, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MemorySnapshot{}, ErrNotFound
	}
	if err != nil {
		return MemorySnapshot{}, fmt.Errorf("query memory: %w", err)
	}
	if err := json.Unmarshal(raw, &snap.Facts); err != nil {
		return MemorySnapshot{}, fmt.Errorf("decode facts: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, scenario_id, level, type, turn_idx, severity, meta, at FROM (
			SELECT * FROM run_events WHERE run_id=$1 ORDER BY at DESC LIMIT $2
		 ) recent ORDER BY at ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev         events.Event
			level, typ string
			metaRaw    []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.ScenarioID, &level, &typ, &ev.TurnIndex, &ev.Severity, &metaRaw, &ev.At); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Level = events.Level(level)
		ev.Type = events.Type(typ)
		if err := decodeMeta(metaRaw, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRun(row pgx.Row) (Run, error) {
	var (
		r      Run
		status string
	)
	if err := row.Scan(&r.ID, &r.ScenarioID, &r.ProfileID, &r.StoryMode, &r.MaxTurns, &status, &r.StartedAt, &r.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run row: %w", err)
	}
	r.Status = Status(status)
	return r, nil
}

// turnJSON holds the encoded JSON columns of a turn, shared by the SQL stores.
type turnJSON struct {
	beat, safety, metrics, memory []byte
}

func encodeTurnJSON(t Turn) (turnJSON, error) {
	var (
		out turnJSON
		err error
	)
	if out.beat, err = json.Marshal(t.Beat); err != nil {
		return out, fmt.Errorf("encode beat: %w", err)
	}
	if out.safety, err = json.Marshal(t.Safety); err != nil {
		return out, fmt.Errorf("encode safety: %w", err)
	}
	if out.metrics, err = json.Marshal(t.Metrics); err != nil {
		return out, fmt.Errorf("encode metrics: %w", err)
	}
	if out.memory, err = json.Marshal(nonNilStrings(t.Memory)); err != nil {
		return out, fmt.Errorf("encode memory: %w", err)
	}
	return out, nil
}

func decodeTurnJSON(t *Turn, beat, safety, metrics, memory []byte) error {
	var b beats.Beat
	if err := json.Unmarshal(beat, &b); err != nil {
		return fmt.Errorf("decode beat: %w", err)
	}
	t.Beat = b
	if err := json.Unmarshal(safety, &t.Safety); err != nil {
		return fmt.Errorf("decode safety: %w", err)
	}
	if err := json.Unmarshal(metrics, &t.Metrics); err != nil {
		return fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal(memory, &t.Memory); err != nil {
		return fmt.Errorf("decode memory: %w", err)
	}
	return nil
}

func decodeMeta(raw []byte, ev *events.Event) error {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode event meta: %w", err)
	}
	if len(meta) > 0 {
		ev.Meta = meta
	}
	return nil
}

func nextInSequence(lastIdx int, lastSpeaker Speaker, t Turn) bool {
	if t.Index == lastIdx && lastSpeaker == SpeakerSyntheticUser && t.Speaker == SpeakerResponder {
		return true
	}
	return t.Index == lastIdx+1
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilMeta(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
