package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

// batchLogName — лог, который Stata пишет в batch-режиме рядом со скриптом.
const batchLogName = "main.log"

// stataErrorLine — строка кода ошибки Stata в batch-логе: "r(111);".
var stataErrorLine = regexp.MustCompile(`^r\((\d+)\);\s*$`)

// SubprocessConfig — конфигурация Subprocess.
type SubprocessConfig struct {
	// Command — команда запуска; путь к скрипту добавляется последним аргументом.
	// По умолчанию: stata-mp -b do.
	Command []string

	// Env — дополнительные переменные окружения.
	Env []string

	// KillGrace — сколько ждать после отмены перед принудительным завершением.
	KillGrace time.Duration

	Logger *slog.Logger
}

// Subprocess — Runner, запускающий вычислитель отдельным процессом.
type Subprocess struct {
	command   []string
	env       []string
	killGrace time.Duration
	logger    *slog.Logger
}

// NewSubprocess создаёт Subprocess.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"stata-mp", "-b", "do"}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subprocess{
		command:   cfg.Command,
		env:       cfg.Env,
		killGrace: cfg.KillGrace,
		logger:    cfg.Logger,
	}
}

// Run выполняет скрипт и собирает stdout, stderr, мету и экспорты.
func (s *Subprocess) Run(ctx context.Context, req Request) (*Result, error) {
	scriptRef, err := prepare(req)
	if err != nil {
		return nil, err
	}

	runDir, err := repo.SafeJoin(req.JobDir, RunRelDir(req.RunID))
	if err != nil {
		return nil, err
	}
	workDir := filepath.Join(runDir, WorkDir)

	stdout, err := os.Create(filepath.Join(runDir, StdoutName))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(runDir, StderrName))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer stderr.Close()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), s.command[1:]...), ScriptName)
	cmd := exec.CommandContext(runCtx, s.command[0], args...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.killGrace
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Env = append(cmd.Env,
		"STATFLOW_TENANT_ID="+req.TenantID,
		"STATFLOW_JOB_ID="+req.JobID,
		"STATFLOW_RUN_ID="+req.RunID,
		"STATFLOW_INPUTS_DIR="+req.InputsDir,
		"STATFLOW_EXPORTS_DIR="+filepath.Join(workDir, ExportsDir),
	)

	logger := s.logger.With("run_id", req.RunID, "job_id", req.JobID)
	logger.Info("compute started", "command", s.command, "timeout", req.Timeout)

	started := time.Now().UTC()
	runErr := cmd.Run()
	ended := time.Now().UTC()

	result := &Result{ExitCode: -1}
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.Error = fmt.Sprintf("compute timed out after %s", req.Timeout)
	case ctx.Err() != nil:
		result.Error = fmt.Sprintf("compute cancelled: %v", ctx.Err())
		result.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("compute exited with code %d", result.ExitCode)
		} else {
			result.Error = fmt.Sprintf("start compute: %v", runErr)
		}
	}

	result.Artifacts = append(result.Artifacts,
		scriptRef,
		newRef(domain.ArtifactComputeStdout, path.Join(RunRelDir(req.RunID), StdoutName), req.RunID),
		newRef(domain.ArtifactComputeStderr, path.Join(RunRelDir(req.RunID), StderrName), req.RunID),
	)

	// Stata в batch-режиме завершается с кодом 0 даже при ошибке скрипта
	logRel := path.Join(RunRelDir(req.RunID), WorkDir, batchLogName)
	if logPath := filepath.Join(workDir, batchLogName); fileExists(logPath) {
		logRef := newRef(domain.ArtifactComputeStdout, logRel, req.RunID)
		logRef.Meta["source"] = "batch_log"
		result.Artifacts = append(result.Artifacts, logRef)

		if code, found := scanBatchLog(logPath); found && result.Error == "" {
			result.ExitCode = code
			result.Error = fmt.Sprintf("compute reported error r(%d)", code)
		}
	}

	result.OK = result.Error == ""

	exports, err := collectExports(req)
	if err != nil {
		return nil, err
	}
	result.Artifacts = append(result.Artifacts, exports...)

	metaRef, err := writeMeta(req, runMeta{
		RunID:      req.RunID,
		JobID:      req.JobID,
		Command:    append(append([]string(nil), s.command...), ScriptName),
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		OK:         result.OK,
		Error:      result.Error,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMS: ended.Sub(started).Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	result.Artifacts = append(result.Artifacts, metaRef)

	logger.Info("compute finished",
		"ok", result.OK,
		"exit_code", result.ExitCode,
		"timed_out", result.TimedOut,
		"duration_ms", ended.Sub(started).Milliseconds(),
		"exports", len(exports),
	)
	return result, nil
}

// scanBatchLog ищет последний код ошибки r(N); в логе.
func scanBatchLog(name string) (int, bool) {
	f, err := os.Open(name)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	code, found := 0, false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := stataErrorLine.FindStringSubmatch(scanner.Text()); m != nil {
			fmt.Sscanf(m[1], "%d", &code)
			found = true
		}
	}
	return code, found
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}
