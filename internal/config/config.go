package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/shaiso/Statflow/internal/objectstore"
)

// Бэкенды хранилища job.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config — конфигурация процессов Statflow из окружения.
type Config struct {
	// DataDir — корень рабочих директорий job и файлового хранилища.
	DataDir string

	// QueueDir — корень файловой очереди (default: <DataDir>/queue).
	QueueDir string

	// StoreBackend — file или postgres.
	StoreBackend string
	DBURL        string

	Worker Worker

	// RunnerCommand — команда вычислителя; путь к скрипту добавляется последним.
	RunnerCommand []string
	TemplatesDir  string

	RabbitMQURL string

	S3 objectstore.Config

	OpenAI OpenAI
}

// Worker — параметры цикла воркера.
type Worker struct {
	ID            string
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	LeaseTTL      time.Duration
	PollInterval  time.Duration
	ShutdownGrace time.Duration
	StepTimeout   time.Duration

	// Port — порт /healthz и /metrics.
	Port string
}

// OpenAI — параметры планировщика.
type OpenAI struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Load читает необязательный .env и переменные окружения.
// Отсутствующий .env не ошибка.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	dataDir := String("DATA_DIR", "./data")
	cfg := &Config{
		DataDir:       dataDir,
		QueueDir:      String("QUEUE_DIR", filepath.Join(dataDir, "queue")),
		StoreBackend:  String("STORE_BACKEND", BackendFile),
		DBURL:         String("DB_URL", ""),
		RunnerCommand: Fields("RUNNER_COMMAND", []string{"stata-mp", "-b", "do"}),
		TemplatesDir:  String("TEMPLATES_DIR", "./templates"),
		RabbitMQURL:   String("RABBITMQ_URL", ""),
		S3: objectstore.Config{
			Endpoint:  String("S3_ENDPOINT", ""),
			AccessKey: String("S3_ACCESS_KEY", ""),
			SecretKey: String("S3_SECRET_KEY", ""),
			Bucket:    String("S3_BUCKET", "statflow-artifacts"),
			Region:    String("S3_REGION", ""),
			Prefix:    String("S3_PREFIX", ""),
		},
		OpenAI: OpenAI{
			APIKey:  String("OPENAI_API_KEY", ""),
			Model:   String("OPENAI_MODEL", ""),
			BaseURL: String("OPENAI_BASE_URL", ""),
		},
		Worker: Worker{
			ID:   String("WORKER_ID", ""),
			Port: String("WORKER_PORT", "8082"),
		},
	}

	var err error
	cfg.S3.UseSSL, err = Bool("S3_USE_SSL", false)
	collect(err)

	w := &cfg.Worker
	w.MaxAttempts, err = Int("MAX_ATTEMPTS", 3)
	collect(err)
	w.BackoffBase, err = Duration("BACKOFF_BASE", time.Second)
	collect(err)
	w.BackoffMax, err = Duration("BACKOFF_MAX", 30*time.Second)
	collect(err)
	w.LeaseTTL, err = Duration("LEASE_TTL", 10*time.Minute)
	collect(err)
	w.PollInterval, err = Duration("POLL_INTERVAL", 2*time.Second)
	collect(err)
	w.ShutdownGrace, err = Duration("SHUTDOWN_GRACE", 30*time.Second)
	collect(err)
	w.StepTimeout, err = Duration("STEP_TIMEOUT", 600*time.Second)
	collect(err)

	collect(cfg.validate())

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DBURL == "" {
			errs = append(errs, errors.New("DB_URL is required for STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts))
	}
	if c.Worker.BackoffMax < c.Worker.BackoffBase {
		errs = append(errs, errors.New("BACKOFF_MAX must not be less than BACKOFF_BASE"))
	}
	return errors.Join(errs...)
}
