package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ent0n29/rehearsal/internal/catalog"
	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/generation"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, req simulation.RunRequest) simulation.RunResult

func (f runnerFunc) RunScenario(ctx context.Context, req simulation.RunRequest) simulation.RunResult {
	return f(ctx, req)
}

func waitFor(t *testing.T, svc *Service, id string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q in time", id, want)
	return Job{}
}

func TestServiceStartRunsScenario(t *testing.T) {
	orch := simulation.New(generation.NewMockBackend())
	svc := New(Config{JobTimeout: 5 * time.Second}, orch, nil, nil)
	defer svc.Close(context.Background())

	job, err := svc.Start(simulation.RunRequest{
		Scenario: catalog.Scenario{ID: "s1", Goals: []string{"pedir ayuda"}},
		Options:  simulation.Options{ConversationsPerScenario: 2, MaxTurns: 3},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.Status != StatusRunning {
		t.Fatalf("job.Status = %q, want %q", job.Status, StatusRunning)
	}

	done := waitFor(t, svc, job.ID, StatusCompleted)
	if done.Result == nil || len(done.Result.Conversations) != 2 {
		t.Fatalf("result = %+v, want 2 conversations", done.Result)
	}
	if done.FinishedAt == nil {
		t.Fatalf("FinishedAt not set")
	}
}

func TestServiceCancelStopsRunningJob(t *testing.T) {
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req simulation.RunRequest) simulation.RunResult {
		close(started)
		<-ctx.Done()
		return simulation.RunResult{ScenarioID: req.Scenario.ID}
	})
	svc := New(Config{}, runner, nil, nil)
	defer svc.Close(context.Background())

	job, err := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "s2"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	if _, err := svc.Cancel(job.ID, "user asked"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	got := waitFor(t, svc, job.ID, StatusCancelled)
	if got.CancelReason != "user asked" {
		t.Fatalf("CancelReason = %q", got.CancelReason)
	}

	if _, err := svc.Cancel(job.ID, ""); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("second Cancel() error = %v, want ErrJobFinished", err)
	}
}

func TestServiceUnknownJob(t *testing.T) {
	svc := New(Config{}, runnerFunc(nil), nil, nil)
	if _, err := svc.Get("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get() error = %v, want ErrJobNotFound", err)
	}
	if _, err := svc.Cancel("nope", ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel() error = %v, want ErrJobNotFound", err)
	}
}

func TestServiceInvalidScenarioFails(t *testing.T) {
	svc := New(Config{}, simulation.New(generation.NewMockBackend()), nil, nil)
	defer svc.Close(context.Background())

	job, err := svc.Start(simulation.RunRequest{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	got := waitFor(t, svc, job.ID, StatusFailed)
	if got.Error == "" {
		t.Fatalf("Error empty for failed job")
	}
}

func TestServiceCloseCancelsAndRejects(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, _ simulation.RunRequest) simulation.RunResult {
		<-ctx.Done()
		return simulation.RunResult{}
	})
	svc := New(Config{}, runner, nil, nil)
	if _, err := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "s3"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "s4"}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}
}

func TestServiceEvictsOldestFinishedJobs(t *testing.T) {
	runner := runnerFunc(func(context.Context, simulation.RunRequest) simulation.RunResult {
		return simulation.RunResult{}
	})
	svc := New(Config{MaxRetained: 1}, runner, nil, nil)
	defer svc.Close(context.Background())

	first, _ := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "a"}})
	waitFor(t, svc, first.ID, StatusCompleted)
	second, _ := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "b"}})
	waitFor(t, svc, second.ID, StatusCompleted)

	if _, err := svc.Get(first.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("oldest job still retained, err = %v", err)
	}
	if got := svc.List(0); len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("List() = %+v", got)
	}
}

func TestServiceCancelRunByRunID(t *testing.T) {
	var svc *Service
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, req simulation.RunRequest) simulation.RunResult {
		_ = svc.LogEvent(ctx, events.Event{Type: events.TypeRunStart, RunID: "run-1"})
		close(started)
		<-ctx.Done()
		return simulation.RunResult{Conversations: []simulation.ConversationResult{{Sync: simulation.SyncStatus{RunID: "run-1"}}}}
	})
	svc = New(Config{}, runner, nil, nil)
	defer svc.Close(context.Background())

	job, err := svc.Start(simulation.RunRequest{Scenario: catalog.Scenario{ID: "s5"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	got, err := svc.Get(job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.RunIDs) != 1 || got.RunIDs[0] != "run-1" {
		t.Fatalf("RunIDs = %v, want [run-1]", got.RunIDs)
	}

	if _, err := svc.CancelRun("run-1", "ws"); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	waitFor(t, svc, job.ID, StatusCancelled)

	if _, err := svc.CancelRun("run-1", "ws"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("CancelRun() after finish error = %v, want ErrJobNotFound", err)
	}
}

func TestServiceWithoutRunner(t *testing.T) {
	svc := New(Config{}, nil, nil, nil)
	if _, err := svc.Start(simulation.RunRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start() error = %v, want ErrUnavailable", err)
	}
}
