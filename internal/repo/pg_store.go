package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Statflow/internal/domain"
)

// PgSchema — DDL таблицы jobs.
const PgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	tenant_id  TEXT        NOT NULL,
	job_id     TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	status     TEXT        NOT NULL,
	record     JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, job_id)
);
CREATE INDEX IF NOT EXISTS jobs_tenant_created_idx ON jobs (tenant_id, created_at);
`

// PgStore — JobStore поверх PostgreSQL.
//
// Запись job хранится целиком в record (JSONB); version и status
// вынесены в колонки для CAS и фильтрации.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore создаёт новый PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema создаёт таблицу jobs, если её нет.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create сохраняет новую запись job.
func (s *PgStore) Create(ctx context.Context, job *domain.Job) error {
	if job.Version < 1 {
		job.Version = 1
	}
	record, err := encodeJob(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (tenant_id, job_id, version, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, job_id) DO NOTHING
	`
	result, err := s.pool.Exec(ctx, query,
		job.TenantID,
		job.JobID,
		job.Version,
		job.Status,
		record,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.JobID, ErrAlreadyExists)
	}
	return nil
}

// Load возвращает job по (tenant, id).
func (s *PgStore) Load(ctx context.Context, tenantID, jobID string) (*domain.Job, error) {
	query := `
		SELECT version, record
		FROM jobs
		WHERE tenant_id = $1 AND job_id = $2
	`
	return s.scanJob(s.pool.QueryRow(ctx, query, tenantID, jobID), jobID)
}

// Save обновляет запись, если сохранённая версия равна job.Version.
func (s *PgStore) Save(ctx context.Context, job *domain.Job) error {
	expected := job.Version
	job.Version = expected + 1
	job.UpdatedAt = time.Now().UTC()

	record, err := encodeJob(job)
	if err != nil {
		job.Version = expected
		return err
	}

	query := `
		UPDATE jobs
		SET version = $4, status = $5, record = $6, updated_at = $7
		WHERE tenant_id = $1 AND job_id = $2 AND version = $3
	`
	result, err := s.pool.Exec(ctx, query,
		job.TenantID,
		job.JobID,
		expected,
		job.Version,
		job.Status,
		record,
		job.UpdatedAt,
	)
	if err != nil {
		job.Version = expected
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	job.Version = expected

	// Различаем отсутствие записи и гонку версий
	var stored int
	err = s.pool.QueryRow(ctx,
		`SELECT version FROM jobs WHERE tenant_id = $1 AND job_id = $2`,
		job.TenantID, job.JobID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", job.JobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check job version: %w", err)
	}
	return fmt.Errorf("job %s: stored version %d, expected %d: %w",
		job.JobID, stored, expected, ErrVersionConflict)
}

// List возвращает job тенанта в порядке создания.
func (s *PgStore) List(ctx context.Context, tenantID string) ([]*domain.Job, error) {
	query := `
		SELECT job_id, version, record
		FROM jobs
		WHERE tenant_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var jobID string
		var version int
		var record []byte
		if err := rows.Scan(&jobID, &version, &record); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeRecord(jobID, version, record)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob сканирует одну строку в Job.
func (s *PgStore) scanJob(row pgx.Row, jobID string) (*domain.Job, error) {
	var version int
	var record []byte

	err := row.Scan(&version, &record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return decodeRecord(jobID, version, record)
}

// decodeRecord разбирает JSONB; колонка version — источник истины для CAS.
func decodeRecord(jobID string, version int, record []byte) (*domain.Job, error) {
	job, err := decodeJob(record)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	job.Version = version
	return job, nil
}
