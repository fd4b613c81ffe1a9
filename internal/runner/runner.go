package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

// Имена внутри директории запуска.
const (
	ScriptName = "main.do"
	WorkDir    = "work"
	ExportsDir = "exports"
	StdoutName = "stdout.log"
	StderrName = "stderr.log"
	MetaName   = "run.meta.json"
)

// ErrInvalidRequest — запрос не содержит обязательных полей.
var ErrInvalidRequest = errors.New("invalid runner request")

// Request — запрос на запуск.
type Request struct {
	TenantID string
	JobID    string

	// RunID — идентификатор запуска (pipelineRunID__stepID).
	RunID string

	// JobDir — директория job; запуск пишет в runs/<RunID>/.
	JobDir string

	Script string

	// Timeout — жёсткий предел запуска; 0 — только ctx.
	Timeout time.Duration

	// InputsDir — директория подготовленных входов шага.
	InputsDir string
}

// Result — итог запуска.
type Result struct {
	OK        bool
	ExitCode  int
	TimedOut  bool
	Artifacts []domain.ArtifactRef
	Error     string
}

// Runner — внешний вычислитель.
//
// Ошибка возвращается только при инфраструктурном сбое (не удалось
// подготовить директорию); неуспех самого вычисления — Result.OK == false.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunRelDir возвращает путь директории запуска относительно директории job.
func RunRelDir(runID string) string {
	return path.Join("runs", runID)
}

// ExportsRelDir возвращает путь директории экспортов относительно директории job.
func ExportsRelDir(runID string) string {
	return path.Join(RunRelDir(runID), WorkDir, ExportsDir)
}

func (r Request) validate() error {
	if r.RunID == "" || r.JobDir == "" {
		return fmt.Errorf("%w: run id and job dir are required", ErrInvalidRequest)
	}
	return repo.ValidateID("run_id", r.RunID)
}

// prepare создаёт директорию запуска и пишет скрипт.
func prepare(req Request) (domain.ArtifactRef, error) {
	if err := req.validate(); err != nil {
		return domain.ArtifactRef{}, err
	}

	rel := path.Join(RunRelDir(req.RunID), WorkDir, ScriptName)
	if err := repo.WriteArtifact(req.JobDir, rel, []byte(req.Script)); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("write script: %w", err)
	}

	exports, err := repo.SafeJoin(req.JobDir, ExportsRelDir(req.RunID))
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := os.MkdirAll(exports, 0o755); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("create exports dir: %w", err)
	}

	return newRef(domain.ArtifactComputeScript, rel, req.RunID), nil
}

// collectExports возвращает файлы из work/exports/ как compute.export.
func collectExports(req Request) ([]domain.ArtifactRef, error) {
	relDir := ExportsRelDir(req.RunID)
	dir, err := repo.SafeJoin(req.JobDir, relDir)
	if err != nil {
		return nil, err
	}

	var refs []domain.ArtifactRef
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		// Симлинки в экспортах не собираются
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)
		ref := newRef(domain.ArtifactComputeExport, path.Join(relDir, name), req.RunID)
		ref.Meta["name"] = name
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect exports: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].RelPath < refs[j].RelPath })
	return refs, nil
}

// runMeta — содержимое run.meta.json.
type runMeta struct {
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id"`
	Command    []string  `json:"command"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
}

func writeMeta(req Request, meta runMeta) (domain.ArtifactRef, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("marshal run meta: %w", err)
	}
	rel := path.Join(RunRelDir(req.RunID), MetaName)
	if err := repo.WriteArtifact(req.JobDir, rel, data); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("write run meta: %w", err)
	}
	return newRef(domain.ArtifactComputeMeta, rel, req.RunID), nil
}

func newRef(kind domain.ArtifactKind, rel, runID string) domain.ArtifactRef {
	return domain.ArtifactRef{
		Kind:      kind,
		RelPath:   rel,
		Meta:      map[string]string{"run_id": runID},
		CreatedAt: time.Now().UTC(),
	}
}
