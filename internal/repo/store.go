package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Statflow/internal/domain"
)

// JobStore — версионированное хранилище записей job.
//
// Save сравнивает job.Version с сохранённой версией (CAS) и при успехе
// увеличивает её на единицу, обновляя job.Version у вызывающего.
type JobStore interface {
	// Create сохраняет новую запись. ErrAlreadyExists, если запись уже есть.
	Create(ctx context.Context, job *domain.Job) error

	// Load читает запись. ErrNotFound или ErrDataCorrupted.
	Load(ctx context.Context, tenantID, jobID string) (*domain.Job, error)

	// Save атомарно перезаписывает запись. ErrVersionConflict при гонке.
	Save(ctx context.Context, job *domain.Job) error

	// List возвращает все job тенанта.
	List(ctx context.Context, tenantID string) ([]*domain.Job, error)
}

// decodeJob разбирает сохранённую запись и мигрирует её до текущей версии схемы.
func decodeJob(data []byte) (*domain.Job, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}

	if err := migrate(raw); err != nil {
		return nil, err
	}

	migrated, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}

	var job domain.Job
	if err := json.Unmarshal(migrated, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupted, err)
	}
	if job.JobID == "" || !job.Status.IsValid() {
		return nil, fmt.Errorf("%w: job %q has status %q", ErrDataCorrupted, job.JobID, job.Status)
	}
	if job.Runs == nil {
		job.Runs = []domain.RunAttempt{}
	}
	if job.ArtifactsIndex == nil {
		job.ArtifactsIndex = []domain.ArtifactRef{}
	}
	return &job, nil
}

// encodeJob сериализует запись в текущей версии схемы.
func encodeJob(job *domain.Job) ([]byte, error) {
	job.SchemaVersion = domain.CurrentJobSchemaVersion
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// cloneJob возвращает независимую копию job.
func cloneJob(job *domain.Job) (*domain.Job, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	var out domain.Job
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &out, nil
}
