package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/mq"
	"github.com/shaiso/Statflow/internal/pipeline"
	"github.com/shaiso/Statflow/internal/queue"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/runner"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.JobEvent
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, e mq.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []mq.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mq.MessageType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingMirror struct {
	mu   sync.Mutex
	jobs []string
}

func (m *recordingMirror) MirrorJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job.JobID)
	return errors.New("bucket unavailable")
}

// conflictStore отдаёт ErrVersionConflict на первое сохранение.
type conflictStore struct {
	*repo.Memory
	once sync.Once
}

func (s *conflictStore) Save(ctx context.Context, job *domain.Job) error {
	conflict := false
	s.once.Do(func() { conflict = true })
	if conflict {
		return repo.ErrVersionConflict
	}
	return s.Memory.Save(ctx, job)
}

type env struct {
	w       *Worker
	store   repo.JobStore
	queue   *queue.FileQueue
	layout  repo.Layout
	runner  *runner.Fake
	events  *recordingPublisher
	mirror  *recordingMirror
	sleepMu sync.Mutex
	sleeps  []time.Duration
}

type option func(*env, *Config)

func withStore(store repo.JobStore) option {
	return func(_ *env, cfg *Config) { cfg.Store = store }
}

func withSleep(fn func(context.Context, time.Duration) error) option {
	return func(_ *env, cfg *Config) { cfg.Sleep = fn }
}

func withShutdownGrace(d time.Duration) option {
	return func(_ *env, cfg *Config) { cfg.ShutdownGrace = d }
}

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()

	root := t.TempDir()
	q, err := queue.New(queue.Config{Dir: filepath.Join(root, "queue")})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		store:  repo.NewMemory(),
		queue:  q,
		layout: repo.Layout{Root: filepath.Join(root, "data")},
		runner: &runner.Fake{},
		events: &recordingPublisher{},
		mirror: &recordingMirror{},
	}

	exec, err := pipeline.New(pipeline.Config{
		Generator: &generate.Static{Script: "regress y x\n"},
		Runner:    e.runner,
		Logger:    logger,
	})
	require.NoError(t, err)

	cfg := Config{
		Store:     e.store,
		Layout:    e.layout,
		Queue:     q,
		Executor:  exec,
		Publisher: e.events,
		Mirror:    e.mirror,
		WorkerID:  "worker-test",
		Sleep: func(_ context.Context, d time.Duration) error {
			e.sleepMu.Lock()
			defer e.sleepMu.Unlock()
			e.sleeps = append(e.sleeps, d)
			return nil
		},
		Logger: logger,
	}
	for _, opt := range opts {
		opt(e, &cfg)
	}
	e.store = cfg.Store

	e.w, err = New(cfg)
	require.NoError(t, err)
	return e
}

func computePlan() *domain.Plan {
	return &domain.Plan{PlanID: "0123456789abcdef", Steps: []domain.Step{{
		ID:      "fit",
		Type:    domain.StepRunCompute,
		Compute: &domain.ComputeParams{StepCommon: domain.StepCommon{TemplateID: "ols"}},
	}}}
}

func (e *env) addJob(t *testing.T, status domain.JobStatus, plan *domain.Plan) *domain.Job {
	t.Helper()
	ctx := context.Background()

	job := domain.NewJob("acme", "regress y on x")
	job.Status = status
	job.Plan = plan
	require.NoError(t, e.store.Create(ctx, job))
	require.NoError(t, e.queue.Enqueue(ctx, job.TenantID, job.JobID))
	return job
}

func (e *env) load(t *testing.T, job *domain.Job) *domain.Job {
	t.Helper()
	stored, err := e.store.Load(context.Background(), job.TenantID, job.JobID)
	require.NoError(t, err)
	return stored
}

func (e *env) records(t *testing.T) []queue.Record {
	t.Helper()
	records, err := e.queue.List(context.Background())
	require.NoError(t, err)
	return records
}

func failing(n int) func(int, runner.Request) (*runner.Result, error) {
	return func(call int, _ runner.Request) (*runner.Result, error) {
		if call <= n {
			return &runner.Result{ExitCode: 1, Error: "r(111) variable not found"}, nil
		}
		return &runner.Result{OK: true}, nil
	}
}

func TestProcessOne_RetryThenSucceed(t *testing.T) {
	e := newEnv(t)
	e.runner.Handle = failing(1)
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	processed, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	require.Len(t, stored.Runs, 2)

	first, second := stored.Runs[0], stored.Runs[1]
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, domain.AttemptStatusFailed, first.Status)
	assert.Equal(t, domain.ErrorComputeFailed, first.ErrorCode)
	assert.Equal(t, domain.AttemptStatusSucceeded, second.Status)
	require.NotNil(t, second.EndedAt)
	assert.NotEmpty(t, second.Artifacts)

	// Сводка каждой попытки попадает в индекс артефактов job
	summaries := 0
	for _, ref := range stored.ArtifactsIndex {
		if ref.Kind == domain.ArtifactPipelineSummary {
			summaries++
		}
	}
	assert.Equal(t, 2, summaries)

	assert.Equal(t, []time.Duration{time.Second}, e.sleeps)
	assert.Empty(t, e.records(t))
	assert.Equal(t, []mq.MessageType{mq.MessageTypeJobRetrying, mq.MessageTypeJobSucceeded}, e.events.types())
	assert.Equal(t, []string{job.JobID}, e.mirror.jobs, "mirror failure does not change the job")
}

func TestProcessOne_AttemptsExhausted(t *testing.T) {
	e := newEnv(t)
	e.runner.Handle = failing(100)
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	processed, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	require.Len(t, stored.Runs, defaultMaxAttempts)
	for _, run := range stored.Runs {
		assert.Equal(t, domain.AttemptStatusFailed, run.Status)
	}

	dir, err := e.layout.JobDir(job.TenantID, job.JobID)
	require.NoError(t, err)
	last := stored.LastRun()
	_, err = os.Stat(filepath.Join(dir, "runs", last.RunID, pipeline.RunErrorName))
	assert.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.sleeps)
	assert.Empty(t, e.records(t))
	assert.Equal(t, []mq.MessageType{
		mq.MessageTypeJobRetrying, mq.MessageTypeJobRetrying, mq.MessageTypeJobFailed,
	}, e.events.types())

	failed := e.events.events[len(e.events.events)-1]
	assert.Equal(t, string(domain.ErrorComputeFailed), failed.ErrorCode)
	assert.Equal(t, last.RunID, failed.RunID)
}

func TestProcessOne_TerminalJobAckedWithoutExecution(t *testing.T) {
	for _, status := range []domain.JobStatus{domain.JobStatusSucceeded, domain.JobStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			e := newEnv(t)
			job := e.addJob(t, status, computePlan())

			processed, err := e.w.ProcessOne(context.Background())
			require.NoError(t, err)
			assert.True(t, processed)

			assert.Empty(t, e.runner.Calls())
			assert.Empty(t, e.records(t))
			assert.Equal(t, status, e.load(t, job).Status)
			assert.Empty(t, e.events.types())
		})
	}
}

func TestProcessOne_UnexpectedStatusReleased(t *testing.T) {
	e := newEnv(t)
	job := e.addJob(t, domain.JobStatusDraftReady, nil)

	processed, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, domain.JobStatusDraftReady, e.load(t, job).Status)
	assert.Empty(t, e.runner.Calls())

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, queue.StateQueued, records[0].State)
}

func TestProcessOne_NotReadyJobDoesNotBlockQueue(t *testing.T) {
	e := newEnv(t)
	stuck := e.addJob(t, domain.JobStatusDraftReady, nil)
	ready := e.addJob(t, domain.JobStatusQueued, computePlan())

	for range 2 {
		processed, err := e.w.ProcessOne(context.Background())
		require.NoError(t, err)
		require.True(t, processed)
	}

	assert.Equal(t, domain.JobStatusSucceeded, e.load(t, ready).Status)
	assert.Equal(t, domain.JobStatusDraftReady, e.load(t, stuck).Status)
	require.Len(t, e.runner.Calls(), 1)

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, stuck.JobID, records[0].JobID)
	assert.Equal(t, queue.StateQueued, records[0].State)
}

func TestDrain_StopsAfterRelease(t *testing.T) {
	e := newEnv(t)
	stuck := e.addJob(t, domain.JobStatusDraftReady, nil)
	ready := e.addJob(t, domain.JobStatusQueued, computePlan())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Первый проход отпускает неготовый job и возвращается
	e.w.drain(ctx)
	require.NoError(t, ctx.Err())
	assert.Equal(t, domain.JobStatusQueued, e.load(t, ready).Status)

	// Следующий проход исполняет ожидавший job
	e.w.drain(ctx)
	require.NoError(t, ctx.Err())
	assert.Equal(t, domain.JobStatusSucceeded, e.load(t, ready).Status)
	assert.Equal(t, domain.JobStatusDraftReady, e.load(t, stuck).Status)
}

func TestHandleClaim_ShutdownCapsStepTimeout(t *testing.T) {
	const grace = 2 * time.Second
	e := newEnv(t, withShutdownGrace(grace))
	job := domain.NewJob("acme", "r")
	job.Status = domain.JobStatusRunning
	job.Plan = computePlan()
	job.Runs = append(job.Runs, domain.NewRunAttempt("run_stale", 1, time.Now()))
	require.NoError(t, e.store.Create(context.Background(), job))
	require.NoError(t, e.queue.Enqueue(context.Background(), job.TenantID, job.JobID))

	claim, err := e.queue.Claim(context.Background(), "worker-test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.w.handleClaim(ctx, claim))

	calls := e.runner.Calls()
	require.Len(t, calls, 1)
	assert.Positive(t, calls[0].Timeout)
	assert.LessOrEqual(t, calls[0].Timeout, grace)
	assert.Equal(t, domain.JobStatusSucceeded, e.load(t, job).Status)
}

func TestProcessOne_InvalidPlanNotRetried(t *testing.T) {
	e := newEnv(t)
	plan := computePlan()
	plan.Steps = append(plan.Steps, domain.Step{
		ID:        "report",
		Type:      domain.StepGenerateArtifact,
		DependsOn: []string{"fit"},
		Generate:  &domain.GenerateParams{StepCommon: domain.StepCommon{TemplateID: "report"}},
	})
	plan.Steps[0].DependsOn = []string{"report"}
	job := e.addJob(t, domain.JobStatusQueued, plan)

	_, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	require.Len(t, stored.Runs, 1)
	assert.Equal(t, domain.ErrorDependencyCycle, stored.Runs[0].ErrorCode)
	assert.Empty(t, e.sleeps)
	assert.Empty(t, e.runner.Calls())
}

func TestProcessOne_ShutdownDuringBackoffRequeues(t *testing.T) {
	e := newEnv(t, withSleep(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	e.runner.Handle = failing(1)
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	_, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	require.Len(t, stored.Runs, 1)
	assert.Equal(t, domain.AttemptStatusFailed, stored.Runs[0].Status)

	records := e.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, queue.StateQueued, records[0].State)
}

func TestHandleClaim_ShutdownBeforeStart(t *testing.T) {
	e := newEnv(t)
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	claim, err := e.queue.Claim(context.Background(), "worker-test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.w.handleClaim(ctx, claim)
	assert.ErrorIs(t, err, context.Canceled)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Empty(t, stored.Runs)
	require.Len(t, e.records(t), 1)
	assert.Equal(t, queue.StateQueued, e.records(t)[0].State)
}

func TestProcessOne_ResumesAbandonedRun(t *testing.T) {
	e := newEnv(t)
	job := domain.NewJob("acme", "r")
	job.Status = domain.JobStatusRunning
	job.Plan = computePlan()
	job.Runs = append(job.Runs, domain.NewRunAttempt("run_stale", 1, time.Now()))
	require.NoError(t, e.store.Create(context.Background(), job))
	require.NoError(t, e.queue.Enqueue(context.Background(), job.TenantID, job.JobID))

	_, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)

	stored := e.load(t, job)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	require.Len(t, stored.Runs, 2)
	assert.Equal(t, domain.AttemptStatusFailed, stored.Runs[0].Status)
	assert.Equal(t, domain.ErrorUnexpected, stored.Runs[0].ErrorCode)
	assert.Equal(t, 2, stored.Runs[1].Attempt)
}

func TestProcessOne_VersionConflictReloads(t *testing.T) {
	store := &conflictStore{Memory: repo.NewMemory()}
	e := newEnv(t, withStore(store))
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	_, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, e.load(t, job).Status)
}

func TestProcessOne_MissingJobRecordAcked(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.queue.Enqueue(context.Background(), "acme", "job_gone"))

	processed, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, e.records(t))
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	e := newEnv(t)
	processed, err := e.w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_StartStop(t *testing.T) {
	e := newEnv(t)
	job := e.addJob(t, domain.JobStatusQueued, computePlan())

	require.NoError(t, e.w.Start(context.Background()))
	require.Eventually(t, func() bool {
		stored, err := e.store.Load(context.Background(), job.TenantID, job.JobID)
		return err == nil && stored.Status == domain.JobStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	e.w.Stop()
	assert.True(t, e.w.IsStopped())
	assert.ErrorIs(t, e.w.Start(context.Background()), ErrWorkerStopped)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestClassify(t *testing.T) {
	out := classify(nil, pipeline.ErrNoPlan)
	assert.Equal(t, domain.ErrorPlanInvalid, out.code)
	assert.False(t, out.retryable)

	out = classify(nil, errors.New("disk full"))
	assert.Equal(t, domain.ErrorStorage, out.code)
	assert.True(t, out.retryable)

	out = classify(&pipeline.Result{Outcome: pipeline.OutcomeInvalid, ErrorCode: domain.ErrorPlanInvalid}, nil)
	assert.False(t, out.retryable)

	out = classify(&pipeline.Result{
		Outcome:    pipeline.OutcomeFailed,
		ErrorCode:  domain.ErrorComputeTimeout,
		Message:    "step fit: timed out (compute_timeout)",
		FailedStep: "fit",
	}, nil)
	assert.True(t, out.retryable)
	assert.Equal(t, domain.ErrorComputeTimeout, out.code)

	out = classify(&pipeline.Result{Outcome: pipeline.OutcomeSucceeded}, nil)
	assert.True(t, out.ok)
	assert.Equal(t, "succeeded", out.label())
}
