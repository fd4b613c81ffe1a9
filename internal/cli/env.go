package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Statflow/internal/config"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/jobs"
	"github.com/shaiso/Statflow/internal/planner"
	"github.com/shaiso/Statflow/internal/queue"
	"github.com/shaiso/Statflow/internal/repo"
)

// Env — зависимости команд. Создаётся лениво, после разбора флагов.
type Env struct {
	Config  *config.Config
	Store   repo.JobStore
	Layout  repo.Layout
	Queue   *queue.FileQueue
	Service *jobs.Service

	// Tenant — тенант, от имени которого работают команды job.
	Tenant string

	closeFn func()
}

// EnvOptions — параметры открытия Env.
type EnvOptions struct {
	EnvFile string
	Tenant  string

	// Planner заменяет планировщик из конфигурации.
	Planner planner.Planner

	Logger *slog.Logger
}

// OpenEnv читает конфигурацию и открывает хранилище, очередь и сервис job.
func OpenEnv(ctx context.Context, opts EnvOptions) (*Env, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, err
	}

	store, layout, closeFn, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	q, err := queue.New(queue.Config{Dir: cfg.QueueDir, LeaseTTL: cfg.Worker.LeaseTTL, Logger: opts.Logger})
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	p := opts.Planner
	if p == nil {
		p, err = configuredPlanner(cfg, opts.Logger)
		if err != nil {
			closeFn()
			return nil, err
		}
	}

	svc, err := jobs.NewService(jobs.Config{
		Store:   store,
		Layout:  layout,
		Planner: p,
		Queue:   q,
		Logger:  opts.Logger,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	return &Env{
		Config:  cfg,
		Store:   store,
		Layout:  layout,
		Queue:   q,
		Service: svc,
		Tenant:  opts.Tenant,
		closeFn: closeFn,
	}, nil
}

// Close освобождает ресурсы хранилища.
func (e *Env) Close() {
	if e != nil && e.closeFn != nil {
		e.closeFn()
	}
}

// configuredPlanner возвращает OpenAI-планировщик, если задан ключ.
// Без ключа draft недоступен, остальные команды работают.
func configuredPlanner(cfg *config.Config, logger *slog.Logger) (planner.Planner, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, nil
	}

	templates, err := generate.NewDirRepository(cfg.TemplatesDir).List()
	if err != nil {
		logger.Warn("template catalog unavailable, planner prompt lists none", "dir", cfg.TemplatesDir, "error", err)
	}

	p, err := planner.NewOpenAI(planner.OpenAIConfig{
		APIKey:    cfg.OpenAI.APIKey,
		Model:     cfg.OpenAI.Model,
		BaseURL:   cfg.OpenAI.BaseURL,
		Templates: templates,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create planner: %w", err)
	}
	return p, nil
}
