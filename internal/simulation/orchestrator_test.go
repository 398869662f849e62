package simulation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/rehearsal/internal/beats"
	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/memory"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/runs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testScenario = catalog.Scenario{
	ID:    "jefe",
	Title: "Hablar con el jefe",
	Goals: []string{"pedir un aumento"},
}

// failingResponder answers as the mock for the synthetic user and always fails for the
// responder.
func failingResponder() generation.Backend {
	mock := generation.NewMockBackend()
	return generation.BackendFunc(func(ctx context.Context, req generation.Request) (generation.Result, error) {
		if req.Role == generation.RoleResponder {
			return generation.Result{}, errors.New("upstream 503")
		}
		return mock.Generate(ctx, req)
	})
}

type sinks struct {
	rec   *events.Recorder
	store *runs.InMemoryStore
}

func newHarness(backend generation.Backend, opts ...Option) (*Orchestrator, sinks) {
	s := sinks{rec: events.NewRecorder(), store: runs.NewInMemoryStore()}
	base := []Option{
		WithStore(s.store),
		WithSink(events.Multi{s.rec, events.NewStoreSink(s.store)}),
	}
	return New(backend, append(base, opts...)...), s
}

func TestAlwaysFailingResponderStillFinishesRun(t *testing.T) {
	const maxTurns = 4
	o, s := newHarness(failingResponder())

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{ConversationsPerScenario: 1, MaxTurns: maxTurns},
	})

	require.Len(t, res.Conversations, 1)
	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusDegraded, conv.Status)
	assert.Equal(t, maxTurns, conv.Degraded)
	require.Len(t, conv.Turns, 2*maxTurns)

	fallbacks := 0
	for _, turn := range conv.Turns {
		if turn.Speaker != runs.SpeakerResponder {
			continue
		}
		assert.True(t, turn.Degraded)
		assert.Equal(t, FallbackText("es", generation.RoleResponder), turn.Text)
		fallbacks++
	}
	assert.Equal(t, maxTurns, fallbacks)
	assert.GreaterOrEqual(t, s.rec.Count(events.TypeGenerationError, events.LevelError), maxTurns)
	for _, ev := range s.rec.Events() {
		if ev.Type == events.TypeGenerationError {
			assert.Equal(t, events.SeverityHigh, ev.Severity)
		}
	}

	require.Equal(t, SyncSynced, conv.Sync.Status)
	run, err := s.store.GetRun(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusDegraded, run.Status)
	assert.NotNil(t, run.FinishedAt)

	stored, err := s.store.ListTurns(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2*maxTurns)

	logged, err := s.store.ListEvents(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logged)
	assert.Equal(t, events.TypeRunStart, logged[0].Type)
	assert.Equal(t, events.TypeRunEnd, logged[len(logged)-1].Type)
}

func TestFailingSyntheticUserUsesFallbackUtterance(t *testing.T) {
	const maxTurns = 3
	mock := generation.NewMockBackend()
	backend := generation.BackendFunc(func(ctx context.Context, req generation.Request) (generation.Result, error) {
		if req.Role == generation.RoleSyntheticUser {
			return generation.Result{}, errors.New("upstream 502")
		}
		return mock.Generate(ctx, req)
	})
	o, s := newHarness(backend)

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: maxTurns},
	})

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusDegraded, conv.Status)
	assert.Equal(t, maxTurns, conv.Degraded)
	require.Len(t, conv.Turns, 2*maxTurns)
	for i := 0; i < len(conv.Turns); i += 2 {
		user, reply := conv.Turns[i], conv.Turns[i+1]
		assert.Equal(t, FallbackText("es", generation.RoleSyntheticUser), user.Text)
		assert.True(t, user.Degraded)
		assert.False(t, reply.Degraded)
		assert.NotEmpty(t, reply.Text)
	}

	assert.Equal(t, maxTurns, s.rec.Count(events.TypeGenerationError, events.LevelError))
	for _, ev := range s.rec.Events() {
		if ev.Type == events.TypeGenerationError {
			assert.Equal(t, events.SeverityMedium, ev.Severity)
			assert.Equal(t, string(generation.RoleSyntheticUser), ev.Meta["role"])
		}
	}
	assert.Equal(t, SyncSynced, conv.Sync.Status)
	assert.Equal(t, 1, s.rec.Count(events.TypeRunEnd, ""))
}

func TestHangingBackendTimesOutIntoFallback(t *testing.T) {
	const maxTurns = 2
	hanging := generation.BackendFunc(func(ctx context.Context, _ generation.Request) (generation.Result, error) {
		<-ctx.Done()
		return generation.Result{}, ctx.Err()
	})
	o, s := newHarness(hanging)

	start := time.Now()
	res := o.RunScenario(context.Background(), RunRequest{
		Scenario:   testScenario,
		Options:    Options{MaxTurns: maxTurns},
		Generation: GenerationConfig{Timeout: 50 * time.Millisecond},
	})
	assert.Less(t, time.Since(start), 5*time.Second)

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusDegraded, conv.Status)
	assert.Equal(t, 2*maxTurns, conv.Degraded)
	require.Len(t, conv.Turns, 2*maxTurns)
	assert.Equal(t, FallbackText("es", generation.RoleSyntheticUser), conv.Turns[0].Text)
	assert.Equal(t, FallbackText("es", generation.RoleResponder), conv.Turns[1].Text)

	severities := map[string]int{}
	for _, ev := range s.rec.Events() {
		if ev.Type == events.TypeGenerationError {
			severities[ev.Severity]++
		}
	}
	assert.Equal(t, map[string]int{events.SeverityMedium: maxTurns, events.SeverityHigh: maxTurns}, severities)

	run, err := s.store.GetRun(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusDegraded, run.Status)
}

func TestTurnsCarryBeatsAndSharedIndexes(t *testing.T) {
	o, _ := newHarness(generation.NewMockBackend(), WithSequencer(beats.NewSequencer(nil)))
	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 3},
	})

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusCompleted, conv.Status)
	require.Len(t, conv.Turns, 6)
	want := []beats.Name{beats.Setup, beats.Preclose, beats.Close}
	for i, turn := range conv.Turns {
		assert.Equal(t, i/2+1, turn.Index)
		assert.Equal(t, want[i/2], turn.Beat.Name)
		assert.Equal(t, 3, turn.Beat.Total)
		assert.NotEmpty(t, turn.ID)
	}
	assert.Equal(t, runs.SpeakerSyntheticUser, conv.Turns[0].Speaker)
	assert.Equal(t, runs.SpeakerResponder, conv.Turns[1].Speaker)
}

func TestCreateRunFailureAbortsOnlyThatConversation(t *testing.T) {
	store := &flakyStore{InMemoryStore: runs.NewInMemoryStore(), failProfile: "roto"}
	rec := events.NewRecorder()
	o := New(generation.NewMockBackend(), WithStore(store), WithSink(rec))

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{ConversationsPerScenario: 3, MaxTurns: 2},
		Profiles: []catalog.ProfileDoc{{ID: "calma"}, {ID: "roto"}},
	})

	require.Len(t, res.Conversations, 3)
	aborted := res.Conversations[1]
	assert.Equal(t, StatusAborted, aborted.Status)
	assert.Equal(t, SyncFailed, aborted.Sync.Status)
	assert.Contains(t, aborted.Err, "create run")
	assert.Empty(t, aborted.Turns)

	for _, i := range []int{0, 2} {
		conv := res.Conversations[i]
		assert.Equal(t, runs.StatusCompleted, conv.Status, "conversation %d", i)
		assert.Equal(t, SyncSynced, conv.Sync.Status)
		assert.Len(t, conv.Turns, 4)
	}
	assert.Equal(t, 1, rec.Count(events.TypePersistError, events.LevelError))
}

func TestSimulationOnlyNeverTouchesStore(t *testing.T) {
	store := &flakyStore{InMemoryStore: runs.NewInMemoryStore(), failAll: true}
	o := New(generation.NewMockBackend(), WithStore(store))

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario:       testScenario,
		Options:        Options{MaxTurns: 2},
		SimulationOnly: true,
	})

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusCompleted, conv.Status)
	assert.False(t, conv.Sync.Enabled)
	assert.Equal(t, SyncPending, conv.Sync.Status)
	assert.Empty(t, conv.Sync.RunID)
	assert.Len(t, conv.Turns, 4)
	assert.Zero(t, store.calls.Load())
}

func TestPersistFailureMarksSyncFailedAndKeepsSimulating(t *testing.T) {
	store := &flakyStore{InMemoryStore: runs.NewInMemoryStore(), failInsertAfter: 2}
	rec := events.NewRecorder()
	o := New(generation.NewMockBackend(), WithStore(store), WithSink(rec))

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 3},
	})

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusDegraded, conv.Status)
	assert.Equal(t, SyncFailed, conv.Sync.Status)
	assert.Len(t, conv.Turns, 6)
	assert.Equal(t, 1, rec.Count(events.TypePersistError, events.LevelError))

	stored, err := store.ListTurns(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	run, err := store.GetRun(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusDegraded, run.Status)
}

func TestEscalationReplacesReply(t *testing.T) {
	backend := generation.BackendFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		if req.Role == generation.RoleResponder {
			return generation.Result{Success: true, Text: "A veces pienso en hacerme daño."}, nil
		}
		return generation.Result{Success: true, Text: "Hola, ¿qué tal?"}, nil
	})
	o, s := newHarness(backend)

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 2},
		Safety:   catalog.SafetyDoc{BanPhrases: "hacerme daño"},
	})

	conv := res.Conversations[0]
	require.Len(t, conv.Escalations, 2)
	assert.Equal(t, []string{"hacerme daño"}, conv.Escalations[0].Matched)
	assert.Equal(t, runs.StatusCompleted, conv.Status)
	assert.Equal(t, 2, s.rec.Count(events.TypeSafetyEscalated, events.LevelWarn))

	stored, err := s.store.ListTurns(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	for _, turn := range stored {
		if turn.Speaker != runs.SpeakerResponder {
			continue
		}
		assert.Equal(t, policy.EscalationMessage("es", ""), turn.Text)
		assert.True(t, turn.Safety.Escalated)
		assert.Contains(t, turn.Safety.Matched, "hacerme daño")
	}
}

func TestMalformedSafetyDegradesWithWarning(t *testing.T) {
	o, s := newHarness(generation.NewMockBackend())
	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 1},
		Safety:   catalog.SafetyDoc{BanPhrases: 42},
	})

	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, runs.StatusCompleted, res.Conversations[0].Status)
	assert.Equal(t, 1, s.rec.Count(events.TypeConfigDegraded, events.LevelWarn))
}

func TestInvalidScenarioAbortsEveryConversation(t *testing.T) {
	o, s := newHarness(generation.NewMockBackend())
	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: catalog.Scenario{Title: "sin id"},
		Options:  Options{ConversationsPerScenario: 2},
	})

	require.Len(t, res.Conversations, 2)
	for _, conv := range res.Conversations {
		assert.Equal(t, StatusAborted, conv.Status)
		assert.NotEmpty(t, conv.Err)
	}
	runsList, err := s.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runsList)
}

func TestCancellationFinishesRunAsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := generation.NewMockBackend()
	backend := generation.BackendFunc(func(ctx context.Context, req generation.Request) (generation.Result, error) {
		if req.TurnIndex == 2 && req.Role == generation.RoleResponder {
			cancel()
			<-ctx.Done()
			return generation.Result{}, ctx.Err()
		}
		return mock.Generate(ctx, req)
	})
	o, s := newHarness(backend)

	res := o.RunScenario(ctx, RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 5},
	})

	conv := res.Conversations[0]
	assert.Equal(t, runs.StatusCancelled, conv.Status)
	assert.Len(t, conv.Turns, 2)
	assert.Zero(t, s.rec.Count(events.TypeGenerationError, ""))

	run, err := s.store.GetRun(context.Background(), conv.Sync.RunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, run.Status)
	assert.Equal(t, 1, s.rec.Count(events.TypeRunEnd, ""))
}

func TestMemorySnapshotPrecedesTurn(t *testing.T) {
	o, _ := newHarness(generation.NewMockBackend())
	scenario := testScenario
	scenario.SeedTurns = []string{"Voy a hablar con mi jefe mañana"}

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: scenario,
		Options:  Options{MaxTurns: 2},
	})

	conv := res.Conversations[0]
	require.Len(t, conv.Turns, 4)
	assert.Empty(t, conv.Turns[0].Memory)
	assert.Contains(t, conv.Turns[2].Memory, "Decidió: hablar con mi jefe mañana")
	assert.Contains(t, conv.Memory.Facts, "Decidió: hablar con mi jefe mañana")
	assert.Contains(t, conv.Turns[3].Text, "Decidió: hablar con mi jefe mañana")
}

func TestUserUtteranceIsClampedToMaxWords(t *testing.T) {
	backend := generation.BackendFunc(func(_ context.Context, req generation.Request) (generation.Result, error) {
		return generation.Result{Success: true, Text: "uno dos tres cuatro cinco seis"}, nil
	})
	o, _ := newHarness(backend)

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 1},
		Profiles: []catalog.ProfileDoc{{ID: "breve", Verbosity: catalog.Verbosity{MaxWords: 3}}},
	})

	conv := res.Conversations[0]
	assert.Equal(t, "breve", conv.ProfileID)
	assert.Equal(t, "uno dos tres", conv.Turns[0].Text)
	assert.Equal(t, 3, conv.Turns[0].Metrics.Words)
	assert.Equal(t, "uno dos tres cuatro cinco seis", conv.Turns[1].Text)
}

// flakyStore wraps the in-memory store with injectable failures.
type flakyStore struct {
	*runs.InMemoryStore
	failProfile     string
	failAll         bool
	failInsertAfter int64

	calls   atomic.Int64
	inserts atomic.Int64
}

func (f *flakyStore) CreateRun(ctx context.Context, in runs.NewRun) (runs.Run, error) {
	f.calls.Add(1)
	if f.failAll || in.ProfileID == f.failProfile {
		return runs.Run{}, errors.New("create run: connection refused")
	}
	return f.InMemoryStore.CreateRun(ctx, in)
}

func (f *flakyStore) InsertTurn(ctx context.Context, turn runs.Turn) (string, error) {
	f.calls.Add(1)
	n := f.inserts.Add(1)
	if f.failAll || (f.failInsertAfter > 0 && n > f.failInsertAfter) {
		return "", errors.New("insert turn: connection reset")
	}
	return f.InMemoryStore.InsertTurn(ctx, turn)
}

func TestDefaultsFillUnsetRequestFields(t *testing.T) {
	o, s := newHarness(generation.NewMockBackend(), WithDefaults(Defaults{
		Options: Options{ConversationsPerScenario: 2, MaxTurns: 2, Lang: "en"},
		Safety:  catalog.SafetyDoc{BanPhrases: []string{"hear"}},
	}))

	res := o.RunScenario(context.Background(), RunRequest{Scenario: testScenario})

	require.Len(t, res.Conversations, 2)
	for _, conv := range res.Conversations {
		require.Len(t, conv.Turns, 4)
		assert.Len(t, conv.Escalations, 2)
		assert.Equal(t, policy.EscalationMessage("en", ""), conv.Turns[1].Text)
	}
	assert.Equal(t, 4, s.rec.Count(events.TypeSafetyEscalated, ""))
}

type countingCompleter struct{ calls atomic.Int64 }

func (c *countingCompleter) CompleteText(context.Context, string, string) (string, error) {
	c.calls.Add(1)
	return "", nil
}

func TestRequestCanDisableDefaultModelFallback(t *testing.T) {
	on, off := true, false
	completer := &countingCompleter{}
	o, _ := newHarness(generation.NewMockBackend(),
		WithCompressor(memory.NewCompressor(memory.WithCompleter(completer))),
		WithDefaults(Defaults{Options: Options{UseModelFallback: &on, ModelAPIKey: "k"}}),
	)

	res := o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 2, UseModelFallback: &off},
	})
	require.Len(t, res.Conversations[0].Turns, 4)
	assert.Zero(t, completer.calls.Load(), "request opted out of the model fallback")

	res = o.RunScenario(context.Background(), RunRequest{
		Scenario: testScenario,
		Options:  Options{MaxTurns: 2},
	})
	require.Len(t, res.Conversations[0].Turns, 4)
	assert.Positive(t, completer.calls.Load(), "unset request inherits the enabled default")
}
