package config

import (
	"context"
	"fmt"

	"github.com/shaiso/Statflow/internal/repo"
)

// OpenStore открывает хранилище job по STORE_BACKEND. Рабочие директории
// job всегда лежат под DataDir. closeFn освобождает ресурсы бэкенда.
func (c *Config) OpenStore(ctx context.Context) (store repo.JobStore, layout repo.Layout, closeFn func(), err error) {
	layout = repo.Layout{Root: c.DataDir}

	switch c.StoreBackend {
	case BackendPostgres:
		pool, err := repo.NewPool(ctx, c.DBURL)
		if err != nil {
			return nil, layout, nil, err
		}
		pg := repo.NewPgStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, layout, nil, err
		}
		return pg, layout, pool.Close, nil

	case BackendFile, "":
		fs := repo.NewFileStore(c.DataDir)
		return fs, fs.Layout(), func() {}, nil

	default:
		return nil, layout, nil, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
}
