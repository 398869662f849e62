package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ent0n29/rehearsal/internal/events"
)

// SQLiteStore persists runs in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	ids *turnIDs
}

// NewSQLiteStore opens or creates a SQLite database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer; also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ids: newTurnIDs()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		profile_id  TEXT NOT NULL DEFAULT '',
		story_mode  TEXT NOT NULL DEFAULT '',
		max_turns   INTEGER NOT NULL,
		status      TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS turns (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		idx        INTEGER NOT NULL,
		speaker    TEXT NOT NULL,
		text       TEXT NOT NULL,
		beat       TEXT NOT NULL DEFAULT '{}',
		safety     TEXT NOT NULL DEFAULT '{}',
		metrics    TEXT NOT NULL DEFAULT '{}',
		memory     TEXT NOT NULL DEFAULT '[]',
		degraded   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, idx, speaker)
	);

	CREATE TABLE IF NOT EXISTS memory_snapshots (
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		turn_idx   INTEGER NOT NULL,
		facts      TEXT NOT NULL,
		method     TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, turn_idx)
	);

	CREATE TABLE IF NOT EXISTS run_events (
		id          TEXT PRIMARY KEY,
		run_id      TEXT NOT NULL DEFAULT '',
		scenario_id TEXT NOT NULL DEFAULT '',
		level       TEXT NOT NULL,
		type        TEXT NOT NULL,
		turn_idx    INTEGER NOT NULL DEFAULT 0,
		severity    TEXT NOT NULL DEFAULT '',
		meta        TEXT NOT NULL DEFAULT '{}',
		at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_events_run_at ON run_events(run_id, at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, in NewRun) (Run, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, scenario_id, profile_id, story_mode, max_turns, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScenarioID, r.ProfileID, r.StoryMode, r.MaxTurns, string(r.Status), formatTime(r.StartedAt),
	)
	if err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) InsertTurn(ctx context.Context, t Turn) (string, error) {
	if err := validateTurn(t); err != nil {
		return "", err
	}
	payload, err := encodeTurnJSON(t)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status   string
		maxTurns int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, max_turns FROM runs WHERE id=?`, t.RunID).Scan(&status, &maxTurns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load run: %w", err)
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
	err = tx.QueryRowContext(ctx,
		`SELECT idx, speaker FROM turns WHERE run_id=? ORDER BY idx DESC, id DESC LIMIT 1`, t.RunID,
	).Scan(&lastIdx, &lastSpeaker)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, run_id, idx, speaker, text, beat, safety, metrics, memory, degraded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.Index, string(t.Speaker), t.Text,
		string(payload.beat), string(payload.safety), string(payload.metrics), string(payload.memory),
		t.Degraded, formatTime(t.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit turn: %w", err)
	}
	return t.ID, nil
}

func (s *SQLiteStore) UpsertTurnSafety(ctx context.Context, turnID string, flags SafetyFlags) error {
	raw, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode safety: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET safety=? WHERE id=?`, string(raw), turnID)
	if err != nil {
		return fmt.Errorf("update turn safety: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, snap MemorySnapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	facts, err := json.Marshal(nonNilStrings(snap.Facts))
	if err != nil {
		return fmt.Errorf("encode facts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_snapshots (run_id, turn_idx, facts, method, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, turn_idx) DO UPDATE SET facts=excluded.facts, method=excluded.method, updated_at=excluded.updated_at`,
		snap.RunID, snap.TurnIndex, string(facts), snap.Method, formatTime(snap.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("finish status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, finished_at=? WHERE id=?`,
		string(status), formatTime(time.Now().UTC()), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	ev = events.Stamp(ev)
	meta, err := json.Marshal(nonNilMeta(ev.Meta))
	if err != nil {
		return fmt.Errorf("encode event meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (id, run_id, scenario_id, level, type, turn_idx, severity, meta, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.ScenarioID, string(ev.Level), string(ev.Type), ev.TurnIndex, ev.Severity, string(meta), formatTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, scenario_id, profile_id, story_mode, max_turns, status, started_at, finished_at
		 FROM runs WHERE id=?`, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scenario_id, profile_id, story_mode, max_turns, status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
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

func (s *SQLiteStore) ListTurns(ctx context.Context, runID string) ([]Turn, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, idx, speaker, text, beat, safety, metrics, memory, degraded, created_at
		 FROM turns WHERE run_id=? ORDER BY idx ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t                                   Turn
			speaker, created                    string
			beatRaw, safetyRaw, metricsRaw, mem string
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.Index, &speaker, &t.Text, &beatRaw, &safetyRaw, &metricsRaw, &mem, &t.Degraded, &created); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Speaker = Speaker(speaker)
		t.CreatedAt = parseTime(created)
		if err := decodeTurnJSON(&t, []byte(beatRaw), []byte(safetyRaw), []byte(metricsRaw), []byte(mem)); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LatestMemory(ctx context.Context, runID string) (MemorySnapshot, error) {
	var (
		snap             MemorySnapshot
		facts, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, turn_idx, facts, method, updated_at FROM memory_snapshots
		 WHERE run_id=? ORDER BY turn_idx DESC LIMIT 1`, runID,
	).Scan(&snap.RunID, &snap.TurnIndex, &facts, &snap.Method, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemorySnapshot{}, ErrNotFound
	}
	if err != nil {
		return MemorySnapshot{}, fmt.Errorf("query memory: %w", err)
	}
	if err := json.Unmarshal([]byte(facts), &snap.Facts); err != nil {
		return MemorySnapshot{}, fmt.Errorf("decode facts: %w", err)
	}
	snap.UpdatedAt = parseTime(updatedAt)
	return snap, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, scenario_id, level, type, turn_idx, severity, meta, at FROM (
			SELECT * FROM run_events WHERE run_id=? ORDER BY at DESC LIMIT ?
		 ) ORDER BY at ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev                   events.Event
			level, typ, meta, at string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.ScenarioID, &level, &typ, &ev.TurnIndex, &ev.Severity, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Level = events.Level(level)
		ev.Type = events.Type(typ)
		ev.At = parseTime(at)
		if err := decodeMeta([]byte(meta), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		r               Run
		status, started string
		finished        sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ScenarioID, &r.ProfileID, &r.StoryMode, &r.MaxTurns, &status, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run row: %w", err)
	}
	r.Status = Status(status)
	r.StartedAt = parseTime(started)
	if finished.Valid {
		ts := parseTime(finished.String)
		r.FinishedAt = &ts
	}
	return r, nil
}

// Fixed-width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
