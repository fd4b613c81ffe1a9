// Statflow Worker — выполняет job из очереди работ.
//
// Worker:
//   - Берёт аренды из файловой очереди
//   - Исполняет замороженный план через генератор и вычислитель
//   - Повторяет упавшие попытки с exponential backoff
//   - Публикует события job в RabbitMQ (опционально)
//   - Зеркалирует артефакты в S3/MinIO (опционально)
//
// Workers масштабируются горизонтально над общей очередью.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Statflow/internal/config"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/mq"
	"github.com/shaiso/Statflow/internal/objectstore"
	"github.com/shaiso/Statflow/internal/pipeline"
	"github.com/shaiso/Statflow/internal/queue"
	"github.com/shaiso/Statflow/internal/runner"
	"github.com/shaiso/Statflow/internal/telemetry"
	"github.com/shaiso/Statflow/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting statflow-worker")

	cfg, err := config.Load(".env")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, layout, closeStore, err := cfg.OpenStore(ctx)
	if err != nil {
		logger.Error("failed to open job store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("job store opened", "backend", cfg.StoreBackend, "data_dir", layout.Root)

	q, err := queue.New(queue.Config{Dir: cfg.QueueDir, LeaseTTL: cfg.Worker.LeaseTTL, Logger: logger})
	if err != nil {
		logger.Error("failed to open queue", "dir", cfg.QueueDir, "error", err)
		os.Exit(1)
	}

	executor, err := pipeline.New(pipeline.Config{
		Generator: generate.NewTemplateGenerator(generate.NewDirRepository(cfg.TemplatesDir), logger),
		Runner: runner.NewSubprocess(runner.SubprocessConfig{
			Command: cfg.RunnerCommand,
			Logger:  logger,
		}),
		DefaultTimeout: cfg.Worker.StepTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create executor", "error", err)
		os.Exit(1)
	}

	wcfg := worker.Config{
		Store:         store,
		Layout:        layout,
		Queue:         q,
		Executor:      executor,
		WorkerID:      cfg.Worker.ID,
		MaxAttempts:   cfg.Worker.MaxAttempts,
		BackoffBase:   cfg.Worker.BackoffBase,
		BackoffMax:    cfg.Worker.BackoffMax,
		PollInterval:  cfg.Worker.PollInterval,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		RenewInterval: q.LeaseTTL() / 3,
		Logger:        logger,
	}

	// RabbitMQ
	var mqConn *mq.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, "statflow-worker", logger)
		if err != nil {
			mqConn = nil
			logger.Warn("RabbitMQ not available, job events disabled", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			wcfg.Publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	// S3 / MinIO
	if cfg.S3.Enabled() {
		mirror, err := objectstore.Open(cfg.S3, layout, logger)
		if err != nil {
			logger.Error("failed to create artifact mirror", "error", err)
			os.Exit(1)
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			logger.Warn("artifact bucket unavailable, mirroring disabled", "bucket", cfg.S3.Bucket, "error", err)
		} else {
			wcfg.Mirror = mirror
		}
	}

	w, err := worker.New(wcfg)
	if err != nil {
		logger.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte("stopped"))
			return
		}
		rw.WriteHeader(http.StatusOK)
		if mqConn != nil && !mqConn.IsConnected() {
			rw.Write([]byte("ok (events broker disconnected)"))
			return
		}
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Worker.Port
	go func() {
		logger.Info("listening", "addr", addr, "worker_id", w.ID())
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker; текущая попытка получает ShutdownGrace
	w.Stop()
	logger.Info("statflow-worker stopped")
}
