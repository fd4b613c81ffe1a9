package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/jobs"
	"github.com/shaiso/Statflow/internal/mq"
	"github.com/shaiso/Statflow/internal/pipeline"
	"github.com/shaiso/Statflow/internal/queue"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/telemetry"
)

// maxSaveAttempts — попыток сохранения при конфликте версий.
const maxSaveAttempts = 3

// errNotReady — job в статусе, который воркер не исполняет; запись
// возвращена в очередь.
var errNotReady = errors.New("job is not ready for execution")

// outcome — чем закончилась обработка одной аренды.
type outcome int

const (
	outcomeEmpty outcome = iota
	outcomeHandled
	outcomeReleased
)

// ProcessOne забирает одну аренду и обрабатывает её до ack или release.
// processed == false, если очередь пуста.
func (w *Worker) ProcessOne(ctx context.Context) (processed bool, err error) {
	res, err := w.processOne(ctx)
	return res != outcomeEmpty, err
}

func (w *Worker) processOne(ctx context.Context) (outcome, error) {
	if err := ctx.Err(); err != nil {
		return outcomeEmpty, err
	}

	claim, err := w.queue.Claim(ctx, w.workerID)
	if errors.Is(err, queue.ErrEmpty) {
		return outcomeEmpty, nil
	}
	telemetry.QueueOp("claim", err)
	if err != nil {
		return outcomeEmpty, fmt.Errorf("claim: %w", err)
	}
	telemetry.JobsClaimed.Inc()

	err = w.handleClaim(ctx, claim)
	if errors.Is(err, errNotReady) {
		return outcomeReleased, nil
	}
	return outcomeHandled, err
}

// handleClaim решает по статусу job, выполнять ли его.
func (w *Worker) handleClaim(ctx context.Context, claim *queue.Claim) error {
	logger := telemetry.WithJobID(w.logger, claim.TenantID, claim.JobID).With("claim_id", claim.ClaimID)

	// Учёт аренды переживает остановку процесса
	bg := context.WithoutCancel(ctx)

	job, err := w.store.Load(bg, claim.TenantID, claim.JobID)
	if errors.Is(err, repo.ErrNotFound) {
		logger.Warn("claimed job does not exist, dropping queue record")
		return w.ack(bg, claim, logger)
	}
	if err != nil {
		w.release(bg, claim, logger)
		return fmt.Errorf("load job %s: %w", claim.JobID, err)
	}

	switch job.Status {
	case domain.JobStatusSucceeded, domain.JobStatusFailed:
		logger.Info("job already finished, acking duplicate delivery", "status", job.Status)
		return w.ack(bg, claim, logger)

	case domain.JobStatusQueued:
		if ctx.Err() != nil {
			logger.Info("shutdown before start, releasing claim")
			w.release(bg, claim, logger)
			return ctx.Err()
		}
		job, err = w.update(bg, job, func(j *domain.Job) error {
			return j.Transition(domain.JobStatusRunning)
		})
		if err != nil {
			w.release(bg, claim, logger)
			return fmt.Errorf("mark job running: %w", err)
		}

	case domain.JobStatusRunning:
		// Прошлая аренда истекла посреди выполнения
		job, err = w.update(bg, job, abandonRunning(w.now()))
		if err != nil {
			w.release(bg, claim, logger)
			return fmt.Errorf("close abandoned attempt: %w", err)
		}
		logger.Warn("resuming job left RUNNING by an expired claim", "attempts", job.AttemptCount())

	default:
		logger.Warn("job is not ready for execution, releasing claim", "status", job.Status)
		w.release(bg, claim, logger)
		return fmt.Errorf("%w: status %s", errNotReady, job.Status)
	}

	logger.Info("job started", "attempts", job.AttemptCount())
	return w.run(ctx, claim, job, logger)
}

// run выполняет попытки под одной арендой до успеха, исчерпания
// попыток или остановки.
func (w *Worker) run(ctx context.Context, claim *queue.Claim, job *domain.Job, logger *slog.Logger) error {
	bg := context.WithoutCancel(ctx)

	stopRenew := w.keepAlive(bg, claim, logger)
	defer stopRenew()

	dir, err := w.layout.JobDir(job.TenantID, job.JobID)
	if err != nil {
		return w.failWithoutAttempt(bg, claim, job, domain.ErrorStorage, err, logger)
	}
	manifest, err := jobs.ReadManifest(dir, job.Inputs)
	if err != nil {
		return w.failWithoutAttempt(bg, claim, job, domain.ErrorStorage, err, logger)
	}

	for attempt := 1; ; attempt++ {
		runID := domain.NewRunID()
		runLogger := telemetry.WithRunID(logger, runID).With("attempt", attempt)

		job, err = w.update(bg, job, func(j *domain.Job) error {
			j.Runs = append(j.Runs, domain.NewRunAttempt(runID, j.AttemptCount()+1, w.now()))
			return nil
		})
		if err != nil {
			w.release(bg, claim, logger)
			return fmt.Errorf("record attempt: %w", err)
		}

		runLogger.Info("attempt started")

		execCtx, deadline, cancelExec := w.executionContext(ctx)
		execCtx = telemetry.WithLogger(execCtx, w.logger)
		result, execErr := w.executor.Execute(execCtx, pipeline.Request{
			Job:           job,
			JobDir:        dir,
			Manifest:      manifest,
			PipelineRunID: runID,
			Deadline:      deadline,
		})
		cancelExec()

		out := classify(result, execErr)
		telemetry.JobAttempts.WithLabelValues(out.label()).Inc()

		job, err = w.update(bg, job, func(j *domain.Job) error {
			return recordAttempt(j, runID, out, w.now())
		})
		if err != nil {
			w.release(bg, claim, logger)
			return fmt.Errorf("record attempt result: %w", err)
		}

		if out.ok {
			runLogger.Info("attempt succeeded")
			// Финальный статус сохраняется до ack. Если ack не удастся,
			// аренда истечёт, а повторная доставка будет подтверждена по
			// статусу без выполнения; обратный порядок при сбое ack
			// оставил бы job в RUNNING с уже снятой записью очереди.
			return w.finish(bg, claim, job, domain.JobStatusSucceeded, logger)
		}

		runLogger.Warn("attempt failed",
			"error_code", out.code,
			"error", out.message,
			"retryable", out.retryable,
		)

		if out.code == domain.ErrorShutdown || ctx.Err() != nil {
			return w.requeue(bg, claim, job, logger)
		}
		if !out.retryable || attempt >= w.maxAttempts {
			return w.finish(bg, claim, job, domain.JobStatusFailed, logger)
		}

		delay := calculateBackoff(attempt, w.backoffBase, w.backoffMax)
		w.publishJobEvent(bg, job, mq.MessageTypeJobRetrying, delay, logger)
		runLogger.Info("retrying after backoff", "delay", delay)

		if err := w.sleep(ctx, delay); err != nil {
			return w.requeue(bg, claim, job, logger)
		}
	}
}

// finish сохраняет финальный статус и подтверждает аренду.
// Статус сохраняется первым: повторная доставка финального job
// подтверждается без выполнения.
func (w *Worker) finish(ctx context.Context, claim *queue.Claim, job *domain.Job, status domain.JobStatus, logger *slog.Logger) error {
	job, err := w.update(ctx, job, func(j *domain.Job) error {
		return j.Transition(status)
	})
	if err != nil {
		w.release(ctx, claim, logger)
		return fmt.Errorf("mark job %s: %w", status, err)
	}

	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()
	logger.Info("job finished", "status", status, "attempts", job.AttemptCount())

	eventType := mq.MessageTypeJobSucceeded
	if status == domain.JobStatusFailed {
		eventType = mq.MessageTypeJobFailed
	}
	w.publishJobEvent(ctx, job, eventType, 0, logger)
	w.mirrorArtifacts(ctx, job, logger)

	return w.ack(ctx, claim, logger)
}

// failWithoutAttempt завершает job, который невозможно даже начать
// выполнять (нет рабочей директории, повреждён манифест).
func (w *Worker) failWithoutAttempt(ctx context.Context, claim *queue.Claim, job *domain.Job, code domain.ErrorCode, cause error, logger *slog.Logger) error {
	now := w.now()
	job, err := w.update(ctx, job, func(j *domain.Job) error {
		run := domain.NewRunAttempt(domain.NewRunID(), j.AttemptCount()+1, now)
		run.MarkFailed(now, code, cause.Error())
		j.Runs = append(j.Runs, run)
		return nil
	})
	if err != nil {
		w.release(ctx, claim, logger)
		return fmt.Errorf("record failed attempt: %w", err)
	}
	telemetry.JobAttempts.WithLabelValues(string(code)).Inc()
	logger.Error("job cannot be executed", "error_code", code, "error", cause)
	return w.finish(ctx, claim, job, domain.JobStatusFailed, logger)
}

// requeue возвращает прерванный остановкой job в очередь:
// RUNNING → FAILED → QUEUED, аренда освобождается.
func (w *Worker) requeue(ctx context.Context, claim *queue.Claim, job *domain.Job, logger *slog.Logger) error {
	_, err := w.update(ctx, job, func(j *domain.Job) error {
		if err := j.Transition(domain.JobStatusFailed); err != nil {
			return err
		}
		return j.Transition(domain.JobStatusQueued)
	})
	if err != nil {
		// Аренда истечёт и job будет подобран в статусе RUNNING
		logger.Error("failed to requeue interrupted job", "error", err)
		return fmt.Errorf("requeue job: %w", err)
	}

	logger.Info("execution interrupted by shutdown, job requeued")
	w.release(ctx, claim, logger)
	return nil
}

// update применяет mutate и сохраняет job. При конфликте версий
// перечитывает запись и повторяет mutate.
func (w *Worker) update(ctx context.Context, job *domain.Job, mutate func(*domain.Job) error) (*domain.Job, error) {
	for i := 1; ; i++ {
		if err := mutate(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = w.now().UTC()

		err := w.store.Save(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) || i >= maxSaveAttempts {
			return nil, err
		}

		w.logger.Debug("version conflict, reloading job", "job_id", job.JobID, "attempt", i)
		job, err = w.store.Load(ctx, job.TenantID, job.JobID)
		if err != nil {
			return nil, err
		}
	}
}

// shutdownDeadline фиксирует момент now+grace при первой отмене parent.
type shutdownDeadline struct {
	parent context.Context
	grace  time.Duration
	now    func() time.Time

	mu sync.Mutex
	at time.Time
}

// get возвращает нулевое время, пока parent не отменён.
func (d *shutdownDeadline) get() time.Time {
	if d.parent.Err() == nil {
		return time.Time{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.at.IsZero() {
		d.at = d.now().Add(d.grace)
	}
	return d.at
}

// executionContext отменяется через ShutdownGrace после отмены parent.
// deadline сообщает исполнителю тот же предел, чтобы таймауты шагов,
// начатых после отмены, не выходили за него.
func (w *Worker) executionContext(parent context.Context) (ctx context.Context, deadline func() time.Time, cancel context.CancelFunc) {
	ctx, cancelCtx := context.WithCancel(context.WithoutCancel(parent))
	sd := &shutdownDeadline{parent: parent, grace: w.shutdownGrace, now: w.now}
	stop := context.AfterFunc(parent, func() {
		sd.get()
		timer := time.NewTimer(w.shutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelCtx()
		case <-ctx.Done():
		}
	})
	return ctx, sd.get, func() {
		stop()
		cancelCtx()
	}
}

// keepAlive продлевает аренду, пока идёт выполнение.
func (w *Worker) keepAlive(ctx context.Context, claim *queue.Claim, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.queue.Renew(ctx, claim)
				telemetry.QueueOp("renew", err)
				if err != nil {
					logger.Warn("failed to renew claim", "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) ack(ctx context.Context, claim *queue.Claim, logger *slog.Logger) error {
	err := w.queue.Ack(ctx, claim)
	telemetry.QueueOp("ack", err)
	if err != nil {
		logger.Error("failed to ack claim", "error", err)
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// release возвращает запись в очередь. Ошибка только логируется:
// аренда всё равно истечёт.
func (w *Worker) release(ctx context.Context, claim *queue.Claim, logger *slog.Logger) {
	err := w.queue.Release(ctx, claim)
	telemetry.QueueOp("release", err)
	if err != nil {
		logger.Warn("failed to release claim", "error", err)
	}
}

// publishJobEvent публикует событие, если publisher настроен.
// Ошибка публикации на job не влияет.
func (w *Worker) publishJobEvent(ctx context.Context, job *domain.Job, eventType mq.MessageType, retryIn time.Duration, logger *slog.Logger) {
	if w.publisher == nil {
		return
	}

	event := mq.JobEvent{
		Type:     eventType,
		TenantID: job.TenantID,
		JobID:    job.JobID,
		Status:   string(job.Status),
		RetryIn:  retryIn,
	}
	if last := job.LastRun(); last != nil {
		event.RunID = last.RunID
		event.Attempt = last.Attempt
		event.ErrorCode = string(last.ErrorCode)
		event.Error = last.Error
	}

	if err := w.publisher.PublishJobEvent(ctx, event); err != nil {
		logger.Error("failed to publish job event", "type", eventType, "error", err)
	}
}

// mirrorArtifacts копирует артефакты, если зеркало настроено.
func (w *Worker) mirrorArtifacts(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.MirrorJob(ctx, job); err != nil {
		logger.Error("failed to mirror job artifacts", "error", err)
	}
}

// calculateBackoff вычисляет задержку перед следующей попыткой:
// base * 2^(attempt-1), не больше limit.
func calculateBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}
