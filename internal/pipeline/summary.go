package pipeline

import (
	"errors"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/engine"
)

// SummarySchemaVersion — версия формата pipeline.summary.json и run.error.json.
const SummarySchemaVersion = 1

// Summary — содержимое pipeline.summary.json.
type Summary struct {
	SchemaVersion   int                    `json:"schema_version"`
	JobID           string                 `json:"job_id"`
	PlanID          string                 `json:"plan_id,omitempty"`
	PipelineRunID   string                 `json:"pipeline_run_id"`
	CompositionMode domain.CompositionMode `json:"composition_mode"`
	InputsManifest  *domain.InputsManifest `json:"inputs_manifest"`
	Steps           []StepSummary          `json:"steps"`
	Decisions       []Decision             `json:"decisions"`
	Error           *RunError              `json:"error,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	EndedAt         time.Time              `json:"ended_at"`
}

// RunError — содержимое run.error.json.
type RunError struct {
	SchemaVersion int              `json:"schema_version"`
	JobID         string           `json:"job_id"`
	PipelineRunID string           `json:"pipeline_run_id"`
	StepID        string           `json:"step_id,omitempty"`
	ErrorCode     domain.ErrorCode `json:"error_code"`
	Message       string           `json:"message"`
	Issues        []IssueRecord    `json:"issues,omitempty"`
	At            time.Time        `json:"at"`
}

// IssueRecord — проблема валидации в run.error.json.
type IssueRecord struct {
	StepID  string `json:"step_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func newRunError(req Request, failure *StepError, verr *engine.ValidationError, at time.Time) *RunError {
	runErr := &RunError{
		SchemaVersion: SummarySchemaVersion,
		JobID:         req.Job.JobID,
		PipelineRunID: req.PipelineRunID,
		StepID:        failure.StepID,
		ErrorCode:     failure.Code,
		Message:       failure.Error(),
		At:            at.UTC(),
	}
	if verr == nil {
		errors.As(failure.Err, &verr)
	}
	if verr != nil {
		for _, issue := range verr.Issues {
			runErr.Issues = append(runErr.Issues, IssueRecord{
				StepID:  issue.StepID,
				Field:   issue.Field,
				Message: issue.Message,
			})
		}
	}
	return runErr
}

func nonNilSteps(steps []StepSummary) []StepSummary {
	if steps == nil {
		return []StepSummary{}
	}
	return steps
}

func nonNilDecisions(decisions []Decision) []Decision {
	if decisions == nil {
		return []Decision{}
	}
	return decisions
}
