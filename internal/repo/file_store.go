package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
)

const (
	jobFileName  = "job.json"
	lockFileName = ".job.lock"
)

// FileStore — JobStore поверх файловой системы.
//
// Одна запись — один JSON-файл. Запись атомарна (temp + rename),
// а проверка версии и запись выполняются под межпроцессной блокировкой
// (flock) на lock-файле в директории job.
type FileStore struct {
	layout Layout
}

// NewFileStore создаёт FileStore с корнем в dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{layout: Layout{Root: dataDir}}
}

// Layout возвращает раскладку директорий хранилища.
func (s *FileStore) Layout() Layout {
	return s.layout
}

// Create сохраняет новую запись job.
func (s *FileStore) Create(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateID("tenant_id", job.TenantID); err != nil {
		return err
	}
	if err := ValidateID("job_id", job.JobID); err != nil {
		return err
	}

	legacy := filepath.Join(s.layout.legacyDir(job.TenantID, job.JobID), jobFileName)
	if fileExists(legacy) {
		return fmt.Errorf("job %s: %w", job.JobID, ErrAlreadyExists)
	}

	dir := s.layout.shardedDir(job.TenantID, job.JobID)
	return s.withLock(dir, func() error {
		name := filepath.Join(dir, jobFileName)
		if fileExists(name) {
			return fmt.Errorf("job %s: %w", job.JobID, ErrAlreadyExists)
		}
		// Legacy-запись с тем же ID тоже считается существующей;
		// повторная проверка под блокировкой
		if fileExists(legacy) {
			return fmt.Errorf("job %s: %w", job.JobID, ErrAlreadyExists)
		}

		if job.Version < 1 {
			job.Version = 1
		}
		return s.write(name, job)
	})
}

// Load читает запись job, мигрируя старые версии схемы.
func (s *FileStore) Load(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.layout.JobDir(tenantID, jobID)
	if err != nil {
		return nil, err
	}
	return s.read(filepath.Join(dir, jobFileName), jobID)
}

// Save перезаписывает запись, если её версия равна job.Version.
// При успехе job.Version увеличивается на единицу.
func (s *FileStore) Save(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.layout.JobDir(job.TenantID, job.JobID)
	if err != nil {
		return err
	}
	// withLock создаёт директорию; для несуществующего job её быть не должно
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNotFound)
	}

	return s.withLock(dir, func() error {
		name := filepath.Join(dir, jobFileName)
		current, err := s.read(name, job.JobID)
		if err != nil {
			return err
		}
		if current.Version != job.Version {
			return fmt.Errorf("job %s: stored version %d, expected %d: %w",
				job.JobID, current.Version, job.Version, ErrVersionConflict)
		}

		next := job.Version + 1
		job.Version = next
		job.UpdatedAt = time.Now().UTC()
		if err := s.write(name, job); err != nil {
			job.Version = next - 1
			return err
		}
		return nil
	})
}

// List возвращает все job тенанта, включая legacy-записи.
func (s *FileStore) List(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	if err := ValidateID("tenant_id", tenantID); err != nil {
		return nil, err
	}

	root := s.layout.tenantJobsDir(tenantID)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var jobs []*domain.Job
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(root, entry.Name())
		// Legacy: директория job лежит прямо в jobs/
		if fileExists(filepath.Join(dir, jobFileName)) {
			job, err := s.read(filepath.Join(dir, jobFileName), entry.Name())
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
			continue
		}

		children, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list shard %s: %w", entry.Name(), err)
		}
		for _, child := range children {
			name := filepath.Join(dir, child.Name(), jobFileName)
			if !child.IsDir() || !fileExists(name) {
				continue
			}
			job, err := s.read(name, child.Name())
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *FileStore) read(name, jobID string) (*domain.Job, error) {
	data, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}

	job, err := decodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *FileStore) write(name string, job *domain.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(name, data, 0o644); err != nil {
		return fmt.Errorf("write job %s: %w", job.JobID, err)
	}
	return nil
}

// withLock выполняет fn под эксклюзивной flock-блокировкой директории job.
func (s *FileStore) withLock(dir string, fn func() error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}
