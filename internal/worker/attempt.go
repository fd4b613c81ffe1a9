package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/pipeline"
)

// attemptOutcome — итог одной попытки для записи в RunAttempt.
type attemptOutcome struct {
	ok        bool
	retryable bool
	code      domain.ErrorCode
	message   string
	artifacts []domain.ArtifactRef
}

func (o attemptOutcome) label() string {
	if o.ok {
		return "succeeded"
	}
	return string(o.code)
}

// classify переводит результат исполнителя в итог попытки.
//
// Невалидный план не повторяется: следующая попытка получит тот же план.
// Инфраструктурная ошибка исполнителя повторяется как storage_error.
func classify(result *pipeline.Result, err error) attemptOutcome {
	if err != nil {
		out := attemptOutcome{code: domain.ErrorStorage, message: err.Error(), retryable: true}
		switch {
		case errors.Is(err, pipeline.ErrNoPlan):
			out.code, out.retryable = domain.ErrorPlanInvalid, false
		case errors.Is(err, pipeline.ErrInvalidRequest):
			out.code, out.retryable = domain.ErrorUnexpected, false
		}
		if result != nil {
			out.artifacts = result.Artifacts
		}
		return out
	}
	if result == nil {
		return attemptOutcome{code: domain.ErrorUnexpected, message: "executor returned no result", retryable: true}
	}

	out := attemptOutcome{
		ok:        result.OK(),
		code:      result.ErrorCode,
		message:   result.Message,
		artifacts: result.Artifacts,
	}
	if out.ok {
		out.code, out.message = "", ""
		return out
	}
	if out.code == "" {
		out.code = domain.ErrorUnexpected
	}
	out.retryable = result.Outcome != pipeline.OutcomeInvalid && !out.code.IsValidation()
	return out
}

// recordAttempt закрывает попытку runID и добавляет её артефакты в индекс job.
func recordAttempt(job *domain.Job, runID string, out attemptOutcome, now time.Time) error {
	run := findRun(job, runID)
	if run == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	if out.ok {
		run.MarkSucceeded(now)
	} else {
		run.MarkFailed(now, out.code, out.message)
	}
	run.Artifacts = append(run.Artifacts[:0], out.artifacts...)
	job.AddArtifacts(out.artifacts...)
	return nil
}

// abandonRunning закрывает попытки, оставшиеся в running после
// потерянной аренды.
func abandonRunning(now time.Time) func(*domain.Job) error {
	return func(job *domain.Job) error {
		for i := range job.Runs {
			if job.Runs[i].Status == domain.AttemptStatusRunning {
				job.Runs[i].MarkFailed(now, domain.ErrorUnexpected, "attempt abandoned: claim expired")
			}
		}
		return nil
	}
}

func findRun(job *domain.Job, runID string) *domain.RunAttempt {
	for i := len(job.Runs) - 1; i >= 0; i-- {
		if job.Runs[i].RunID == runID {
			return &job.Runs[i]
		}
	}
	return nil
}
