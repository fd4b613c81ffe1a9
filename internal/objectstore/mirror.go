package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

// JobRecordName — имя снимка записи job рядом с артефактами.
const JobRecordName = "job.json"

// Bucket — операции MinIO, нужные зеркалу.
type Bucket interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioMirror копирует артефакты завершённого job в бакет.
//
// Ключ объекта: <prefix>/<tenant_id>/<job_id>/<rel_path>.
type MinioMirror struct {
	client Bucket
	bucket string
	prefix string
	region string
	layout repo.Layout
	logger *slog.Logger
}

// NewMinioMirror создаёт зеркало поверх готового клиента.
func NewMinioMirror(client Bucket, cfg Config, layout repo.Layout, logger *slog.Logger) (*MinioMirror, error) {
	if client == nil {
		return nil, ErrNotInitialized
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MinioMirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		region: cfg.Region,
		layout: layout,
		logger: logger,
	}, nil
}

// Open создаёт клиент MinIO по конфигурации и зеркало над ним.
func Open(cfg Config, layout repo.Layout, logger *slog.Logger) (*MinioMirror, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewMinioMirror(client, cfg, layout, logger)
}

// EnsureBucket создаёт бакет, если его нет.
func (m *MinioMirror) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", m.bucket, err)
	}
	return nil
}

// MirrorJob загружает все артефакты из индекса job и снимок записи.
// Ошибки отдельных объектов не прерывают загрузку остальных.
func (m *MinioMirror) MirrorJob(ctx context.Context, job *domain.Job) error {
	if m == nil || m.client == nil {
		return ErrNotInitialized
	}

	dir, err := m.layout.JobDir(job.TenantID, job.JobID)
	if err != nil {
		return err
	}

	var errs []error
	uploaded := 0
	for _, ref := range job.ArtifactsIndex {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.putFile(ctx, job, dir, ref.RelPath); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ref.RelPath, err))
			continue
		}
		uploaded++
	}

	record, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		errs = append(errs, fmt.Errorf("marshal job record: %w", err))
	} else if err := m.put(ctx, m.objectKey(job, JobRecordName), bytes.NewReader(record), int64(len(record)), "application/json"); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", JobRecordName, err))
	}

	m.logger.Info("job artifacts mirrored",
		"tenant_id", job.TenantID,
		"job_id", job.JobID,
		"bucket", m.bucket,
		"uploaded", uploaded,
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

func (m *MinioMirror) putFile(ctx context.Context, job *domain.Job, dir, rel string) error {
	name, err := repo.SafeJoin(dir, rel)
	if err != nil {
		return err
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return m.put(ctx, m.objectKey(job, rel), f, info.Size(), contentType(rel))
}

func (m *MinioMirror) put(ctx context.Context, key string, r io.Reader, size int64, ct string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: ct})
	return err
}

func (m *MinioMirror) objectKey(job *domain.Job, rel string) string {
	return path.Join(m.prefix, job.TenantID, job.JobID, rel)
}

func contentType(rel string) string {
	switch path.Ext(rel) {
	case ".do", ".log", ".txt":
		return "text/plain; charset=utf-8"
	case ".csv":
		return "text/csv"
	}
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
