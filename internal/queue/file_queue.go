package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	queuedDir  = "queued"
	claimedDir = "claimed"
	recordExt  = ".json"
)

// Config — конфигурация FileQueue.
type Config struct {
	// Dir — корневая директория очереди.
	Dir string

	// LeaseTTL — длительность аренды (по умолчанию 10m).
	LeaseTTL time.Duration

	// Now — источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// FileQueue — FIFO-очередь job на файловой системе.
//
// Безопасна для нескольких процессов, работающих с одной директорией.
type FileQueue struct {
	dir      string
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New создаёт FileQueue и её директории.
func New(cfg Config) (*FileQueue, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue dir is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	for _, sub := range []string{queuedDir, claimedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	return &FileQueue{
		dir:      cfg.Dir,
		leaseTTL: cfg.LeaseTTL,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// LeaseTTL возвращает длительность аренды.
func (q *FileQueue) LeaseTTL() time.Duration {
	return q.leaseTTL
}

// Enqueue ставит job в очередь. Повторный вызов для уже стоящей
// в очереди job ничего не меняет.
func (q *FileQueue) Enqueue(ctx context.Context, tenantID, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkName(jobID); err != nil {
		return err
	}

	if err := q.checkTenant(claimedDir, tenantID, jobID); err != nil {
		return err
	}

	rec := Record{
		JobID:      jobID,
		TenantID:   tenantID,
		EnqueuedAt: q.now().UTC(),
	}
	err := q.publish(queuedDir, jobID, rec)
	if errors.Is(err, fs.ErrExist) {
		if err := q.checkTenant(queuedDir, tenantID, jobID); err != nil {
			return err
		}
		q.logger.Debug("job already queued", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}

	q.logger.Info("job enqueued", "job_id", jobID, "tenant_id", tenantID)
	return nil
}

// Claim выдаёт в аренду самую старую запись очереди.
// Перед выбором возвращает в очередь просроченные аренды.
// Возвращает ErrEmpty, если брать нечего.
func (q *FileQueue) Claim(ctx context.Context, workerID string) (*Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := q.requeueExpired(); err != nil {
		return nil, err
	}

	queued, err := q.readDir(queuedDir)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if !queued[i].EnqueuedAt.Equal(queued[j].EnqueuedAt) {
			return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt)
		}
		return queued[i].JobID < queued[j].JobID
	})

	for _, rec := range queued {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now().UTC()
		expires := now.Add(q.leaseTTL)
		claimed := rec
		claimed.ClaimID = uuid.NewString()
		claimed.WorkerID = workerID
		claimed.ClaimedAt = &now
		claimed.LeaseExpiresAt = &expires
		claimed.LeaseEpoch++

		err := q.publish(claimedDir, rec.JobID, claimed)
		if errors.Is(err, fs.ErrExist) {
			// Job уже в аренде у другого воркера
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", rec.JobID, err)
		}

		// Владелец — тот, кто удалил запись из queued/
		if err := os.Remove(q.path(queuedDir, rec.JobID)); err != nil {
			if rmErr := os.Remove(q.path(claimedDir, rec.JobID)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				q.logger.Warn("failed to undo claim", "job_id", rec.JobID, "error", rmErr)
			}
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", rec.JobID, err)
		}

		q.logger.Debug("job claimed",
			"job_id", rec.JobID,
			"worker_id", workerID,
			"claim_id", claimed.ClaimID,
			"lease_epoch", claimed.LeaseEpoch,
		)
		return &Claim{
			JobID:          rec.JobID,
			TenantID:       rec.TenantID,
			ClaimID:        claimed.ClaimID,
			WorkerID:       workerID,
			LeaseExpiresAt: expires,
		}, nil
	}

	return nil, ErrEmpty
}

// Ack удаляет запись после завершения обработки.
func (q *FileQueue) Ack(ctx context.Context, claim *Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := q.owned(claim); err != nil {
		return err
	}
	if err := os.Remove(q.path(claimedDir, claim.JobID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("ack %s: %w", claim.JobID, ErrClaimLost)
		}
		return fmt.Errorf("ack %s: %w", claim.JobID, err)
	}
	return nil
}

// Release возвращает запись в конец очереди без изменений job.
func (q *FileQueue) Release(ctx context.Context, claim *Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := q.owned(claim)
	if err != nil {
		return err
	}

	// Новый EnqueuedAt ставит запись за уже ожидающими, иначе
	// неисполнимый job снова окажется первым при следующем Claim
	rel := rec.released()
	rel.EnqueuedAt = q.now().UTC()
	err = q.publish(queuedDir, claim.JobID, rel)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("release %s: %w", claim.JobID, err)
	}
	if err := os.Remove(q.path(claimedDir, claim.JobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release %s: %w", claim.JobID, err)
	}
	return nil
}

// Renew продлевает аренду на LeaseTTL от текущего момента.
func (q *FileQueue) Renew(ctx context.Context, claim *Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := q.owned(claim)
	if err != nil {
		return err
	}

	expires := q.now().UTC().Add(q.leaseTTL)
	rec.LeaseExpiresAt = &expires
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp, err := q.writeTemp(claimedDir, data)
	if err != nil {
		return fmt.Errorf("renew %s: %w", claim.JobID, err)
	}
	if err := os.Rename(tmp, q.path(claimedDir, claim.JobID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renew %s: %w", claim.JobID, err)
	}
	claim.LeaseExpiresAt = expires
	return nil
}

// List возвращает все записи очереди: сначала queued, затем claimed.
func (q *FileQueue) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Record
	for _, sub := range []string{queuedDir, claimedDir} {
		recs, err := q.readDir(sub)
		if err != nil {
			return nil, err
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].EnqueuedAt.Before(recs[j].EnqueuedAt) })
		out = append(out, recs...)
	}
	return out, nil
}

// owned читает запись из claimed/ и проверяет, что аренда принадлежит claim.
func (q *FileQueue) owned(claim *Claim) (Record, error) {
	rec, err := q.readRecord(claimedDir, claim.JobID)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("job %s: %w", claim.JobID, ErrClaimLost)
	}
	if err != nil {
		return Record{}, err
	}
	if rec.ClaimID != claim.ClaimID {
		return Record{}, fmt.Errorf("job %s: claimed by %s: %w", claim.JobID, rec.WorkerID, ErrClaimLost)
	}
	return rec, nil
}

// requeueExpired возвращает просроченные аренды в queued/.
//
// Запись сначала атомарно переименовывается в уникальное имя —
// из нескольких конкурентных уборщиков её забирает только один.
func (q *FileQueue) requeueExpired() error {
	entries, err := os.ReadDir(filepath.Join(q.dir, claimedDir))
	if err != nil {
		return fmt.Errorf("read claimed dir: %w", err)
	}

	now := q.now()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		jobID := strings.TrimSuffix(name, recordExt)

		if !q.isExpired(jobID, now) {
			continue
		}

		reaping := filepath.Join(q.dir, claimedDir, ".reap-"+uuid.NewString())
		if err := os.Rename(q.path(claimedDir, jobID), reaping); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("requeue %s: %w", jobID, err)
		}

		if err := q.finishReap(jobID, reaping, now); err != nil {
			return err
		}
	}
	return nil
}

// finishReap публикует запись из reaping обратно в queued/.
// Если между проверкой и переименованием аренду успели обновить,
// запись возвращается в claimed/.
func (q *FileQueue) finishReap(jobID, reaping string, now time.Time) error {
	defer os.Remove(reaping)

	rec, err := readRecordFile(reaping)
	if err == nil && !rec.expired(now) {
		if err := os.Link(reaping, q.path(claimedDir, jobID)); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("restore claim %s: %w", jobID, err)
		}
		return nil
	}
	if err != nil {
		// Без tenant_id запись не обработать; job остаётся видимой в хранилище
		q.logger.Error("dropping unreadable claim record", "job_id", jobID, "error", err)
		return nil
	}

	q.logger.Info("lease expired, job requeued",
		"job_id", jobID,
		"worker_id", rec.WorkerID,
		"lease_epoch", rec.LeaseEpoch,
	)

	err = q.publish(queuedDir, jobID, rec.released())
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("requeue %s: %w", jobID, err)
	}
	return nil
}

// isExpired проверяет аренду записи. Для нечитаемой записи
// используется mtime файла + LeaseTTL.
func (q *FileQueue) isExpired(jobID string, now time.Time) bool {
	rec, err := q.readRecord(claimedDir, jobID)
	if err == nil {
		if rec.LeaseExpiresAt != nil {
			return rec.expired(now)
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		return false
	}

	info, statErr := os.Stat(q.path(claimedDir, jobID))
	if statErr != nil {
		return false
	}
	return !now.Before(info.ModTime().Add(q.leaseTTL))
}

// publish атомарно создаёт <sub>/<jobID>.json. Возвращает fs.ErrExist,
// если файл уже существует: существующая запись не перезаписывается.
func (q *FileQueue) publish(sub, jobID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tmp, err := q.writeTemp(sub, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, q.path(sub, jobID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return err
	}
	return nil
}

func (q *FileQueue) writeTemp(sub string, data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Join(q.dir, sub), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp record: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp record: %w", err)
	}
	return name, nil
}

func (q *FileQueue) readDir(sub string) ([]Record, error) {
	entries, err := os.ReadDir(filepath.Join(q.dir, sub))
	if err != nil {
		return nil, fmt.Errorf("read %s dir: %w", sub, err)
	}

	recs := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := q.readRecord(sub, strings.TrimSuffix(name, recordExt))
		if errors.Is(err, fs.ErrNotExist) {
			// Забрана другим процессом между ReadDir и чтением
			continue
		}
		if err != nil {
			q.logger.Warn("skipping unreadable queue record", "file", name, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (q *FileQueue) readRecord(sub, jobID string) (Record, error) {
	rec, err := readRecordFile(q.path(sub, jobID))
	if err != nil {
		return Record{}, err
	}
	rec.State = State(sub)
	return rec, nil
}

func readRecordFile(name string) (Record, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, filepath.Base(name), err)
	}
	if rec.JobID == "" {
		return Record{}, fmt.Errorf("%w: %s: missing job_id", ErrInvalidRecord, filepath.Base(name))
	}
	return rec, nil
}

// checkTenant отвергает запись sub/jobID, принадлежащую другому тенанту.
func (q *FileQueue) checkTenant(sub, tenantID, jobID string) error {
	existing, err := q.readRecord(sub, jobID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if existing.TenantID != tenantID {
		return fmt.Errorf("enqueue %s for %s: %w (%s)", jobID, tenantID, ErrTenantMismatch, existing.TenantID)
	}
	return nil
}

// path — файл записи. Имя не содержит тенанта: job_id глобально
// уникален (domain.NewJobID), а Enqueue отвергает чужой тенант.
func (q *FileQueue) path(sub, jobID string) string {
	return filepath.Join(q.dir, sub, jobID+recordExt)
}

// checkName проверяет, что job_id пригоден как имя файла.
func checkName(jobID string) error {
	if jobID == "" || strings.HasPrefix(jobID, ".") || strings.ContainsAny(jobID, `/\`) {
		return fmt.Errorf("%w: job id %q", ErrInvalidRecord, jobID)
	}
	return nil
}
