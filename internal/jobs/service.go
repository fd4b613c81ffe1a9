package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/engine"
	"github.com/shaiso/Statflow/internal/planner"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/telemetry"
)

// Enqueuer — очередь работ с точки зрения сервиса.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, jobID string) error
}

// Config — конфигурация сервиса.
type Config struct {
	Store repo.JobStore

	// Layout — раскладка рабочих директорий job на диске.
	Layout repo.Layout

	Planner planner.Planner
	Queue   Enqueuer

	Now    func() time.Time
	Logger *slog.Logger
}

// Service управляет job со стороны пользователя.
type Service struct {
	store   repo.JobStore
	layout  repo.Layout
	planner planner.Planner
	queue   Enqueuer
	now     func() time.Time
	logger  *slog.Logger
}

// NewService создаёт сервис.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	if cfg.Layout.Root == "" {
		return nil, errors.New("jobs: layout root is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		store:   cfg.Store,
		layout:  cfg.Layout,
		planner: cfg.Planner,
		queue:   cfg.Queue,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}, nil
}

// JobDir возвращает рабочую директорию job.
func (s *Service) JobDir(tenantID, jobID string) (string, error) {
	return s.layout.JobDir(tenantID, jobID)
}

// Create создаёт job в статусе CREATED и сохраняет загруженные датасеты.
func (s *Service) Create(ctx context.Context, tenantID, requirement string, uploads []Upload) (*domain.Job, error) {
	if err := repo.ValidateID("tenant_id", tenantID); err != nil {
		return nil, err
	}

	job := domain.NewJob(tenantID, requirement)
	job.CreatedAt = s.now().UTC()
	job.UpdatedAt = job.CreatedAt

	dir, err := s.layout.JobDir(tenantID, job.JobID)
	if err != nil {
		return nil, err
	}

	if len(uploads) > 0 {
		manifest, err := stageUploads(dir, uploads)
		if err != nil {
			return nil, err
		}
		ref, err := writeManifest(dir, manifest)
		if err != nil {
			return nil, err
		}
		job.Inputs = ref
		job.AddArtifacts(domain.ArtifactRef{
			Kind:      domain.ArtifactInputsManifest,
			RelPath:   ref.ManifestRelPath,
			CreatedAt: job.CreatedAt,
		})
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	telemetry.WithJobID(s.logger, tenantID, job.JobID).Info("job created", "datasets", len(uploads))
	return job, nil
}

// Get возвращает job.
func (s *Service) Get(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	return s.store.Load(ctx, tenantID, jobID)
}

// List возвращает все job тенанта.
func (s *Service) List(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	return s.store.List(ctx, tenantID)
}

// Draft запрашивает черновик плана и переводит job в DRAFT_READY.
// Повторный вызов в DRAFT_READY заменяет черновик.
func (s *Service) Draft(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	if s.planner == nil {
		return nil, errors.New("jobs: planner is not configured")
	}

	job, err := s.store.Load(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.check(job, domain.JobStatusDraftReady); err != nil {
		return nil, err
	}

	dir, err := s.layout.JobDir(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	manifest, err := ReadManifest(dir, job.Inputs)
	if err != nil {
		return nil, err
	}

	draft, err := s.planner.Propose(ctx, planner.Request{
		TenantID:    tenantID,
		JobID:       jobID,
		Requirement: job.Requirement,
		Manifest:    manifest,
	})
	if err != nil {
		return nil, fmt.Errorf("propose plan: %w", err)
	}

	job.Draft = draft
	if err := s.transition(job, domain.JobStatusDraftReady); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}

	telemetry.WithJobID(s.logger, tenantID, jobID).Info("draft plan stored", "steps", len(draft.Steps))
	return job, nil
}

// Confirm замораживает черновик и переводит job в CONFIRMED.
//
// Повторная заморозка с теми же входами возвращает тот же plan_id без
// записи; с другими входами — ErrPlanConflict.
func (s *Service) Confirm(ctx context.Context, tenantID, jobID string, confirmation map[string]any) (*domain.Job, error) {
	job, err := s.store.Load(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Draft == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDraft, jobID)
	}

	planID, err := PlanID(job, confirmation, job.Draft.Steps)
	if err != nil {
		return nil, err
	}

	if job.Plan != nil {
		if job.Plan.PlanID == planID {
			return job, nil
		}
		return nil, fmt.Errorf("%w: frozen %s, requested %s", ErrPlanConflict, job.Plan.PlanID, planID)
	}

	if err := s.check(job, domain.JobStatusConfirmed); err != nil {
		return nil, err
	}

	dir, err := s.layout.JobDir(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	manifest, err := ReadManifest(dir, job.Inputs)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Validate(job.Draft, manifest.Keys()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanInvalid, err)
	}

	plan := &domain.Plan{PlanID: planID, Steps: job.Draft.Steps}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	if err := repo.WriteArtifact(dir, PlanRelPath, data); err != nil {
		return nil, fmt.Errorf("write plan: %w", err)
	}

	job.Plan = plan
	job.Confirmation = confirmation
	job.AddArtifacts(domain.ArtifactRef{
		Kind:      domain.ArtifactPlan,
		RelPath:   PlanRelPath,
		Meta:      map[string]string{"plan_id": planID},
		CreatedAt: s.now().UTC(),
	})
	if err := s.transition(job, domain.JobStatusConfirmed); err != nil {
		return nil, err
	}
	if err := s.store.Save(ctx, job); err != nil {
		return nil, err
	}

	telemetry.WithJobID(s.logger, tenantID, jobID).Info("plan frozen", "plan_id", planID)
	return job, nil
}

// Enqueue переводит подтверждённый job в QUEUED и ставит его в очередь.
func (s *Service) Enqueue(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	return s.enqueue(ctx, tenantID, jobID, "enqueue")
}

// Retry возвращает упавший job в очередь. Новая попытка получит новый run id.
func (s *Service) Retry(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	return s.enqueue(ctx, tenantID, jobID, "retry")
}

// enqueue сохраняет QUEUED до постановки в очередь: запись очереди
// без QUEUED-статуса воркер вернёт обратно. Уже QUEUED job только
// повторно ставится в очередь (запись очереди идемпотентна).
func (s *Service) enqueue(ctx context.Context, tenantID, jobID, action string) (*domain.Job, error) {
	if s.queue == nil {
		return nil, errors.New("jobs: queue is not configured")
	}

	job, err := s.store.Load(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != domain.JobStatusQueued {
		if err := s.transition(job, domain.JobStatusQueued); err != nil {
			return nil, err
		}
		if err := s.store.Save(ctx, job); err != nil {
			return nil, err
		}
	}

	if err := s.queue.Enqueue(ctx, tenantID, jobID); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.WithJobID(s.logger, tenantID, jobID).Info("job enqueued", "action", action, "attempts", job.AttemptCount())
	return job, nil
}

// check проверяет переход без изменения job.
func (s *Service) check(job *domain.Job, to domain.JobStatus) error {
	if err := domain.CheckTransition(job.Status, to); err != nil {
		s.logIllegal(job, err)
		return err
	}
	return nil
}

func (s *Service) transition(job *domain.Job, to domain.JobStatus) error {
	if err := job.Transition(to); err != nil {
		s.logIllegal(job, err)
		return err
	}
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Service) logIllegal(job *domain.Job, err error) {
	var te *domain.TransitionError
	if errors.As(err, &te) {
		telemetry.WithJobID(s.logger, job.TenantID, job.JobID).Warn("illegal transition",
			"from", te.From, "to", te.To)
	}
}
