package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/mq"
	"github.com/shaiso/Statflow/internal/pipeline"
	"github.com/shaiso/Statflow/internal/queue"
	"github.com/shaiso/Statflow/internal/repo"
)

// Default configuration values.
const (
	defaultMaxAttempts   = 3
	defaultBackoffBase   = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultPollInterval  = 2 * time.Second
	defaultShutdownGrace = 30 * time.Second
	defaultRenewInterval = time.Minute
)

// Queue — очередь работ с точки зрения воркера.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*queue.Claim, error)
	Ack(ctx context.Context, claim *queue.Claim) error
	Release(ctx context.Context, claim *queue.Claim) error
	Renew(ctx context.Context, claim *queue.Claim) error
}

// Executor исполняет замороженный план (pipeline.Executor).
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// EventPublisher публикует события жизненного цикла job (mq.Publisher).
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event mq.JobEvent) error
}

// ArtifactMirror копирует артефакты завершённого job во внешнее хранилище.
type ArtifactMirror interface {
	MirrorJob(ctx context.Context, job *domain.Job) error
}

// Worker — цикл обработки очереди job.
//
// Один Worker обрабатывает одну аренду за раз; масштабирование —
// несколькими процессами над общей очередью и хранилищем.
type Worker struct {
	store    repo.JobStore
	layout   repo.Layout
	queue    Queue
	executor Executor

	publisher EventPublisher
	mirror    ArtifactMirror

	workerID      string
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	pollInterval  time.Duration
	shutdownGrace time.Duration
	renewInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	Store    repo.JobStore
	Layout   repo.Layout
	Queue    Queue
	Executor Executor

	// Publisher и Mirror опциональны.
	Publisher EventPublisher
	Mirror    ArtifactMirror

	// WorkerID — идентификатор в записях аренды (default: worker-<uuid>).
	WorkerID string

	// Retry: попыток на одну аренду и экспоненциальная задержка между ними.
	MaxAttempts int           // default: 3
	BackoffBase time.Duration // default: 1s
	BackoffMax  time.Duration // default: 30s

	PollInterval time.Duration // default: 2s

	// ShutdownGrace — сколько текущая попытка может работать после
	// сигнала остановки (default: 30s).
	ShutdownGrace time.Duration

	// RenewInterval — период продления аренды во время выполнения (default: 1m).
	RenewInterval time.Duration

	// Now и Sleep подменяются в тестах.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("%w: store, queue and executor are required", ErrInvalidConfig)
	}
	if cfg.Layout.Root == "" {
		return nil, fmt.Errorf("%w: layout root is required", ErrInvalidConfig)
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaultRenewInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		store:         cfg.Store,
		layout:        cfg.Layout,
		queue:         cfg.Queue,
		executor:      cfg.Executor,
		publisher:     cfg.Publisher,
		mirror:        cfg.Mirror,
		workerID:      cfg.WorkerID,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		pollInterval:  cfg.PollInterval,
		shutdownGrace: cfg.ShutdownGrace,
		renewInterval: cfg.RenewInterval,
		now:           cfg.Now,
		sleep:         cfg.Sleep,
		logger:        cfg.Logger.With("worker_id", cfg.WorkerID),
	}, nil
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string {
	return w.workerID
}

// Start запускает цикл опроса очереди в отдельной горутине.
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"poll_interval", w.pollInterval,
		"max_attempts", w.maxAttempts,
		"backoff_base", w.backoffBase,
		"backoff_max", w.backoffMax,
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop прекращает опрос и ждёт завершения текущей аренды.
// Текущая попытка получает ShutdownGrace на завершение.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// pollLoop забирает аренды, пока очередь не пуста, затем ждёт тика.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Первый опрос сразу при старте
	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain обрабатывает очередь до пустой очереди, ошибки или release.
// После release следующий цикл начинается по таймеру опроса, иначе
// неготовые job захватывались бы подряд без паузы.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := w.processOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("failed to process claim", "error", err)
		}
		if res != outcomeHandled || err != nil {
			return
		}
	}
}

// sleepContext ждёт d или отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
