package runner

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

// Fake — Runner для тестов.
//
// По умолчанию пишет скрипт и файлы Exports в директорию запуска
// и возвращает успех. Handle позволяет подменить исход запуска:
// если он вернул Result с OK, экспорты всё равно пишутся.
type Fake struct {
	mu sync.Mutex

	// Handle определяет исход вызова (n — номер вызова, с 1).
	Handle func(n int, req Request) (*Result, error)

	// Exports — файлы, которые «экспортирует» успешный запуск.
	Exports map[string][]byte

	calls []Request
}

// Calls возвращает копию всех запросов.
func (f *Fake) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *Fake) Run(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	handle := f.Handle
	exports := f.Exports
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &Result{ExitCode: -1, Error: fmt.Sprintf("compute cancelled: %v", err)}, nil
	}

	scriptRef, err := prepare(req)
	if err != nil {
		return nil, err
	}

	result := &Result{OK: true}
	if handle != nil {
		result, err = handle(n, req)
		if err != nil || result == nil {
			return result, err
		}
	}

	if result.OK {
		for name, data := range exports {
			rel := path.Join(ExportsRelDir(req.RunID), name)
			if err := repo.WriteArtifact(req.JobDir, rel, data); err != nil {
				return nil, err
			}
		}
	}

	collected, err := collectExports(req)
	if err != nil {
		return nil, err
	}
	result.Artifacts = append(append([]domain.ArtifactRef{scriptRef}, result.Artifacts...), collected...)
	return result, nil
}
