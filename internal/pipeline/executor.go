package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/engine"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/runner"
	"github.com/shaiso/Statflow/internal/telemetry"
)

// DefaultStepTimeout — таймаут шага run_compute без собственного timeout_seconds.
const DefaultStepTimeout = 600 * time.Second

// Outcome — итог прогона.
type Outcome string

const (
	// OutcomeSucceeded — все шаги выполнены или пропущены условием.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeInvalid — план отклонён: валидация или зависимость от пропущенного шага.
	OutcomeInvalid Outcome = "invalid"

	// OutcomeFailed — шаг упал при исполнении.
	OutcomeFailed Outcome = "failed"
)

// Config — конфигурация исполнителя.
type Config struct {
	Generator generate.Generator
	Runner    runner.Runner

	// DefaultTimeout — таймаут шага по умолчанию (600s).
	DefaultTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Executor исполняет замороженный план одного job.
type Executor struct {
	gen            generate.Generator
	runner         runner.Runner
	defaultTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// New создаёт исполнитель.
func New(cfg Config) (*Executor, error) {
	if cfg.Generator == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("%w: generator and runner are required", ErrInvalidRequest)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultStepTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Executor{
		gen:            cfg.Generator,
		runner:         cfg.Runner,
		defaultTimeout: cfg.DefaultTimeout,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}, nil
}

// Request — запрос на один pipeline run.
type Request struct {
	Job    *domain.Job
	JobDir string

	// Manifest — манифест загруженных датасетов; источник input:<key>.
	Manifest *domain.InputsManifest

	PipelineRunID string

	// Deadline возвращает предел, заданный остановкой процесса. Читается
	// перед каждым шагом: остановка может начаться посреди прогона.
	// nil или нулевое время означают отсутствие предела.
	Deadline func() time.Time
}

func (r Request) deadline() time.Time {
	if r.Deadline == nil {
		return time.Time{}
	}
	return r.Deadline()
}

// Result — итог прогона. Ошибки шагов возвращаются здесь, а не через error.
type Result struct {
	Outcome   Outcome
	ErrorCode domain.ErrorCode
	Message   string

	// FailedStep — шаг, на котором прогон остановился.
	FailedStep string

	// Validation — структурированная ошибка валидации плана.
	Validation *engine.ValidationError

	Steps     []StepSummary
	Decisions []Decision

	// Artifacts — все артефакты прогона, включая сводку.
	Artifacts []domain.ArtifactRef
}

// OK сообщает об успешном прогоне.
func (r *Result) OK() bool {
	return r.Outcome == OutcomeSucceeded
}

// Execute исполняет план job.
//
// Возвращает error только если запрос неполон или не удалось записать
// сводку прогона; неуспех шагов и невалидный план описываются в Result.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Job == nil || req.JobDir == "" {
		return nil, fmt.Errorf("%w: job and job dir are required", ErrInvalidRequest)
	}
	if req.Job.Plan == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNoPlan, req.Job.JobID)
	}
	if err := repo.ValidateID("pipeline_run_id", req.PipelineRunID); err != nil {
		return nil, err
	}

	logger := telemetry.WithRunID(telemetry.WithJobID(telemetry.FromContextOr(ctx, e.logger), req.Job.TenantID, req.Job.JobID), req.PipelineRunID)
	state := newExecutionState(e.now())
	plan := req.Job.Plan

	analysis, err := engine.Validate(plan, req.Manifest.Keys())
	if err != nil {
		var verr *engine.ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		logger.Warn("plan rejected", "error_code", verr.Code(), "issues", len(verr.Issues))
		for i := range plan.Steps {
			state.AddStep(StepSummary{StepID: plan.Steps[i].ID, Type: plan.Steps[i].Type, Status: StepNotRun})
		}
		failure := &StepError{Code: verr.Code(), Message: verr.Error(), Err: verr}
		return e.finish(req, state, declaredMode(plan), failure, verr)
	}

	logger.Info("pipeline started", "mode", analysis.Mode, "steps", analysis.DAG.Size())

	var failure *StepError
	for _, node := range analysis.DAG.Order {
		step := node.Step

		if failure != nil {
			state.AddStep(StepSummary{StepID: step.ID, Type: step.Type, Status: StepNotRun})
			continue
		}

		if reason, ok := state.SkipReason(step.ID); ok {
			logger.Info("step skipped", "step_id", step.ID, "reason", reason)
			state.AddStep(StepSummary{StepID: step.ID, Type: step.Type, Status: StepSkipped, SkipReason: reason})
			telemetry.PipelineSteps.WithLabelValues(StepSkipped).Inc()
			continue
		}

		if serr := e.checkBudget(ctx, req, step.ID); serr != nil {
			failure = serr
			state.AddStep(failedSummary(step, "", serr, 0))
			continue
		}

		if serr := checkSkippedDependencies(step, state); serr != nil {
			failure = serr
			state.AddStep(failedSummary(step, "", serr, 0))
			continue
		}

		summary, serr := e.runStep(ctx, req, state, step, telemetry.WithStepID(logger, step.ID))
		state.AddStep(summary)
		telemetry.PipelineSteps.WithLabelValues(summary.Status).Inc()
		if serr != nil {
			failure = serr
		}
	}

	return e.finish(req, state, analysis.Mode, failure, nil)
}

// checkBudget проверяет отмену и предел остановки перед шагом.
func (e *Executor) checkBudget(ctx context.Context, req Request, stepID string) *StepError {
	if err := ctx.Err(); err != nil {
		return stepError(domain.ErrorShutdown, stepID, err, "pipeline cancelled before step")
	}
	if deadline := req.deadline(); !deadline.IsZero() && !e.now().Before(deadline) {
		return stepError(domain.ErrorShutdown, stepID, nil, "shutdown deadline reached before step")
	}
	return nil
}

// checkSkippedDependencies запрещает исполнять шаг, зависящий от пропущенного.
// Пропуск объявляет только условный шаг; транзитивно он не распространяется.
func checkSkippedDependencies(step *domain.Step, state *ExecutionState) *StepError {
	for _, dep := range step.DependsOn {
		if _, skipped := state.SkipReason(dep); skipped {
			return stepError(domain.ErrorDependencySkipped, step.ID, nil,
				"depends on step %s which was skipped by a condition", dep)
		}
	}
	return nil
}

// runStep проходит фазы шага: materializing → generating → running → registering.
func (e *Executor) runStep(ctx context.Context, req Request, state *ExecutionState, step *domain.Step, logger *slog.Logger) (StepSummary, *StepError) {
	started := e.now()
	runID := req.PipelineRunID + "__" + step.ID
	summary := StepSummary{StepID: step.ID, Type: step.Type, RunID: runID}
	if common := step.Common(); common != nil {
		summary.TemplateID = common.TemplateID
	}

	fail := func(serr *StepError) (StepSummary, *StepError) {
		logger.Error("step failed", "error_code", serr.Code, "error", serr.Error())
		out := failedSummary(step, runID, serr, e.now().Sub(started))
		out.TemplateID = summary.TemplateID
		out.Bindings = summary.Bindings
		out.ExitCode = summary.ExitCode
		return out, serr
	}

	if err := repo.ValidateID("run_id", runID); err != nil {
		return fail(stepError(domain.ErrorPlanInvalid, step.ID, err, "step id cannot form a run id"))
	}

	// materializing
	staged, bindings, serr := e.materialize(req, state, step, runID)
	summary.Bindings = bindings
	if serr != nil {
		return fail(serr)
	}

	// generating
	script, serr := e.generate(ctx, req, state, step, runID, staged)
	if serr != nil {
		return fail(serr)
	}

	// running
	var exports []domain.ArtifactRef
	if step.Compute != nil {
		result, serr := e.compute(ctx, req, state, step, runID, script)
		if result != nil {
			code := result.ExitCode
			summary.ExitCode = &code
			exports = exportsOf(result.Artifacts)
		}
		if serr != nil {
			return fail(serr)
		}
	}

	// registering
	products, serr := e.registerProducts(req, state, step, runID, staged, exports)
	if serr != nil {
		return fail(serr)
	}
	summary.Products = products

	if cond := step.Condition(); cond != nil {
		if serr := e.applyCondition(req, state, step, runID, cond); serr != nil {
			return fail(serr)
		}
	}

	duration := e.now().Sub(started)
	summary.Status = StepSucceeded
	summary.DurationMS = duration.Milliseconds()
	telemetry.PipelineStepDuration.Observe(duration.Seconds())
	logger.Info("step succeeded", "products", len(products), "duration_ms", summary.DurationMS)
	return summary, nil
}

// compute запускает вычислитель с пределом min(таймаут шага, остаток до остановки).
func (e *Executor) compute(ctx context.Context, req Request, state *ExecutionState, step *domain.Step, runID, script string) (*runner.Result, *StepError) {
	timeout := e.defaultTimeout
	if step.Compute.TimeoutSeconds > 0 {
		timeout = time.Duration(step.Compute.TimeoutSeconds) * time.Second
	}

	shutdownBound := false
	if deadline := req.deadline(); !deadline.IsZero() {
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			return nil, stepError(domain.ErrorShutdown, step.ID, nil, "shutdown deadline reached before compute")
		}
		if remaining < timeout {
			timeout = remaining
			shutdownBound = true
		}
	}

	result, err := e.runner.Run(ctx, runner.Request{
		TenantID:  req.Job.TenantID,
		JobID:     req.Job.JobID,
		RunID:     runID,
		JobDir:    req.JobDir,
		Script:    script,
		Timeout:   timeout,
		InputsDir: path.Join(runner.RunRelDir(runID), inputsDir),
	})
	if result != nil {
		state.AddArtifacts(result.Artifacts...)
	}
	if err != nil {
		return result, stepError(domain.ErrorStorage, step.ID, err, "compute runner failed to start")
	}
	if result.OK {
		return result, nil
	}

	switch {
	case result.TimedOut && shutdownBound:
		return result, stepError(domain.ErrorShutdown, step.ID, nil, "compute interrupted by shutdown after %s", timeout)
	case result.TimedOut:
		return result, stepError(domain.ErrorComputeTimeout, step.ID, nil, "compute timed out after %s", timeout)
	case ctx.Err() != nil:
		return result, stepError(domain.ErrorShutdown, step.ID, ctx.Err(), "compute cancelled")
	default:
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		return result, stepError(domain.ErrorComputeFailed, step.ID, nil, "compute failed: %s", msg)
	}
}

// finish пишет run.error.json (при ошибке) и сводку прогона.
func (e *Executor) finish(req Request, state *ExecutionState, mode domain.CompositionMode, failure *StepError, verr *engine.ValidationError) (*Result, error) {
	result := &Result{
		Outcome:    OutcomeSucceeded,
		Validation: verr,
		Steps:      state.steps,
		Decisions:  state.decisions,
	}

	var runErr *RunError
	if failure != nil {
		result.ErrorCode = failure.Code
		result.Message = failure.Error()
		result.FailedStep = failure.StepID
		result.Outcome = OutcomeFailed
		if failure.Code.IsValidation() {
			result.Outcome = OutcomeInvalid
		}

		runErr = newRunError(req, failure, verr, e.now())
		ref, err := writeJSONArtifact(req.JobDir, path.Join(runner.RunRelDir(req.PipelineRunID), RunErrorName),
			domain.ArtifactRunError, runErr, req.PipelineRunID)
		if err != nil {
			return nil, fmt.Errorf("write run error: %w", err)
		}
		state.AddArtifacts(ref)
	}

	summary := &Summary{
		SchemaVersion:   SummarySchemaVersion,
		JobID:           req.Job.JobID,
		PlanID:          req.Job.Plan.PlanID,
		PipelineRunID:   req.PipelineRunID,
		CompositionMode: mode,
		InputsManifest:  req.Manifest,
		Steps:           nonNilSteps(state.steps),
		Decisions:       nonNilDecisions(state.decisions),
		Error:           runErr,
		StartedAt:       state.startedAt.UTC(),
		EndedAt:         e.now().UTC(),
	}
	ref, err := writeJSONArtifact(req.JobDir, path.Join(runner.RunRelDir(req.PipelineRunID), SummaryName),
		domain.ArtifactPipelineSummary, summary, req.PipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("write pipeline summary: %w", err)
	}
	state.AddArtifacts(ref)

	result.Artifacts = state.artifacts

	e.logger.Info("pipeline finished",
		"job_id", req.Job.JobID,
		"run_id", req.PipelineRunID,
		"outcome", result.Outcome,
		"error_code", result.ErrorCode,
		"steps", len(state.steps),
	)
	return result, nil
}

func failedSummary(step *domain.Step, runID string, serr *StepError, elapsed time.Duration) StepSummary {
	return StepSummary{
		StepID:     step.ID,
		Type:       step.Type,
		Status:     StepFailed,
		RunID:      runID,
		ErrorCode:  string(serr.Code),
		Error:      serr.Error(),
		DurationMS: elapsed.Milliseconds(),
	}
}

// declaredMode — режим первого шага, объявившего его; для сводки невалидного плана.
func declaredMode(plan *domain.Plan) domain.CompositionMode {
	for i := range plan.Steps {
		if common := plan.Steps[i].Common(); common != nil && common.Mode != "" {
			return common.Mode
		}
	}
	return ""
}

func exportsOf(refs []domain.ArtifactRef) []domain.ArtifactRef {
	var out []domain.ArtifactRef
	for _, ref := range refs {
		if ref.Kind == domain.ArtifactComputeExport {
			out = append(out, ref)
		}
	}
	return out
}
