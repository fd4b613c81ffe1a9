package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
)

// Memory — JobStore в памяти для тестов. Семантика CAS та же, что у FileStore.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job)}
}

func memoryKey(tenantID, jobID string) string {
	return tenantID + "/" + jobID
}

func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(job.TenantID, job.JobID)
	if _, ok := m.jobs[key]; ok {
		return fmt.Errorf("job %s: %w", job.JobID, ErrAlreadyExists)
	}
	if job.Version < 1 {
		job.Version = 1
	}
	stored, err := cloneJob(job)
	if err != nil {
		return err
	}
	m.jobs[key] = stored
	return nil
}

func (m *Memory) Load(_ context.Context, tenantID, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[memoryKey(tenantID, jobID)]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(stored)
}

func (m *Memory) Save(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(job.TenantID, job.JobID)
	stored, ok := m.jobs[key]
	if !ok {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNotFound)
	}
	if stored.Version != job.Version {
		return fmt.Errorf("job %s: stored version %d, expected %d: %w",
			job.JobID, stored.Version, job.Version, ErrVersionConflict)
	}

	job.Version++
	job.UpdatedAt = time.Now().UTC()
	next, err := cloneJob(job)
	if err != nil {
		job.Version--
		return err
	}
	m.jobs[key] = next
	return nil
}

func (m *Memory) List(_ context.Context, tenantID string) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*domain.Job
	for _, stored := range m.jobs {
		if stored.TenantID != tenantID {
			continue
		}
		job, err := cloneJob(stored)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}
