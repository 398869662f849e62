// Package jobs runs scenario batches asynchronously and lets callers poll or cancel them.
package jobs

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/rehearsal/internal/events"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/simulation"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
	ErrClosed      = errors.New("job service closed")
	ErrUnavailable = errors.New("job runtime unavailable")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type Job struct {
	ID            string                `json:"id"`
	ScenarioID    string                `json:"scenario_id"`
	Conversations int                   `json:"conversations"`
	Status        Status                `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
	RunIDs        []string              `json:"run_ids,omitempty"`
	CancelReason  string                `json:"cancel_reason,omitempty"`
	Error         string                `json:"error,omitempty"`
	Result        *simulation.RunResult `json:"result,omitempty"`
}

// Runner is the part of the orchestrator a job drives.
type Runner interface {
	RunScenario(ctx context.Context, req simulation.RunRequest) simulation.RunResult
}

type Config struct {
	JobTimeout time.Duration
	// MaxRetained bounds how many finished jobs are kept for polling.
	MaxRetained int
}

type Service struct {
	runner      Runner
	jobTimeout  time.Duration
	maxRetained int
	metrics     *observability.Metrics
	logger      *zap.Logger

	mu             sync.Mutex
	jobs           map[string]*Job
	runningCancels map[string]context.CancelFunc
	runJobs        map[string]string
	closed         bool
	wg             sync.WaitGroup
}

func New(cfg Config, runner Runner, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runner:         runner,
		jobTimeout:     cfg.JobTimeout,
		maxRetained:    cfg.MaxRetained,
		metrics:        metrics,
		logger:         logger,
		jobs:           make(map[string]*Job),
		runningCancels: make(map[string]context.CancelFunc),
		runJobs:        make(map[string]string),
	}
}

type jobIDKey struct{}

func withJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom returns the id of the job whose conversation produced ctx.
func JobIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(jobIDKey{}).(string)
	return id, ok && id != ""
}

// SetRunner replaces the runner used by jobs started afterwards.
func (s *Service) SetRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

// Start launches req in the background and returns the job as first recorded.
func (s *Service) Start(req simulation.RunRequest) (Job, error) {
	if s == nil {
		return Job{}, ErrUnavailable
	}
	conversations := req.Options.ConversationsPerScenario
	if conversations <= 0 {
		conversations = 1
	}
	job := &Job{
		ID:            uuid.NewString(),
		ScenarioID:    strings.TrimSpace(req.Scenario.ID),
		Conversations: conversations,
		Status:        StatusRunning,
		CreatedAt:     time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(withJobID(context.Background(), job.ID), s.jobTimeout)
	s.mu.Lock()
	runner := s.runner
	if runner == nil {
		s.mu.Unlock()
		cancel()
		return Job{}, ErrUnavailable
	}
	if s.closed {
		s.mu.Unlock()
		cancel()
		return Job{}, ErrClosed
	}
	s.jobs[job.ID] = job
	s.runningCancels[job.ID] = cancel
	s.wg.Add(1)
	snapshot := *job
	s.mu.Unlock()

	s.metrics.ObserveJobEvent("started")
	s.logger.Info("job started", zap.String("job_id", job.ID), zap.String("scenario_id", job.ScenarioID))

	go s.run(ctx, cancel, runner, job.ID, req)
	return snapshot, nil
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, runner Runner, jobID string, req simulation.RunRequest) {
	defer s.wg.Done()
	defer cancel()
	started := time.Now()

	result := runner.RunScenario(ctx, req)

	status := StatusCompleted
	errMsg := ""
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = StatusCancelled
		errMsg = "job timed out"
	case ctx.Err() != nil:
		status = StatusCancelled
	case allAborted(result):
		status = StatusFailed
		errMsg = result.Conversations[0].Err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	delete(s.runningCancels, jobID)
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
		job.FinishedAt = &now
		job.Result = &result
		for _, c := range result.Conversations {
			if c.Sync.RunID != "" {
				delete(s.runJobs, c.Sync.RunID)
			}
		}
		if errMsg != "" {
			job.Error = errMsg
		}
	}
	s.evictLocked()
	s.mu.Unlock()

	s.metrics.ObserveJobEvent(string(status))
	s.metrics.ObserveJobDuration(time.Since(started))
	s.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(started)),
	)
}

func allAborted(res simulation.RunResult) bool {
	if len(res.Conversations) == 0 {
		return false
	}
	for _, c := range res.Conversations {
		if c.Status != simulation.StatusAborted {
			return false
		}
	}
	return true
}

// Cancel stops a running job. The job finishes asynchronously with status cancelled once
// its conversations have closed their runs.
func (s *Service) Cancel(jobID, reason string) (Job, error) {
	if s == nil {
		return Job{}, ErrJobNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if job.Status.Terminal() {
		return *job, ErrJobFinished
	}
	if cancel := s.runningCancels[job.ID]; cancel != nil {
		cancel()
	}
	job.CancelReason = strings.TrimSpace(reason)
	s.metrics.ObserveJobEvent("cancel_requested")
	return *job, nil
}

// CancelRun cancels the job that owns runID.
func (s *Service) CancelRun(runID, reason string) (Job, error) {
	if s == nil {
		return Job{}, ErrJobNotFound
	}
	s.mu.Lock()
	jobID, ok := s.runJobs[strings.TrimSpace(runID)]
	s.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return s.Cancel(jobID, reason)
}

// LogEvent implements events.Sink. It links runs to the job that started them so they can
// be cancelled by run id.
func (s *Service) LogEvent(ctx context.Context, ev events.Event) error {
	if s == nil || ev.Type != events.TypeRunStart || ev.RunID == "" {
		return nil
	}
	jobID, ok := JobIDFrom(ctx)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return nil
	}
	s.runJobs[ev.RunID] = jobID
	job.RunIDs = append(job.RunIDs, ev.RunID)
	return nil
}

func (s *Service) Get(jobID string) (Job, error) {
	if s == nil {
		return Job{}, ErrJobNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	j := *job
	j.RunIDs = append([]string(nil), job.RunIDs...)
	return j, nil
}

// List returns jobs newest first, without their results.
func (s *Service) List(limit int) []Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		j.RunIDs = append([]string(nil), job.RunIDs...)
		j.Result = nil
		out = append(out, j)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Close cancels every running job and waits for them to finish or for ctx to expire.
func (s *Service) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.runningCancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked drops the oldest finished jobs beyond maxRetained.
func (s *Service) evictLocked() {
	var finished []*Job
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= s.maxRetained {
		return
	}
	sort.Slice(finished, func(i, k int) bool { return finished[i].CreatedAt.Before(finished[k].CreatedAt) })
	for _, job := range finished[:len(finished)-s.maxRetained] {
		delete(s.jobs, job.ID)
	}
}
