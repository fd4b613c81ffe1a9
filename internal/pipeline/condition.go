package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/runner"
)

// applyCondition читает булево значение из экспорта условного шага
// и помечает шаги невыбранной ветки как пропущенные.
func (e *Executor) applyCondition(req Request, state *ExecutionState, step *domain.Step, runID string, cond *domain.Condition) *StepError {
	src, err := repo.SafeJoin(req.JobDir, path.Join(runner.ExportsRelDir(runID), cond.Output))
	if err != nil {
		return stepError(domain.ErrorConditionFailed, step.ID, err, "condition output %q", cond.Output)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return stepError(domain.ErrorConditionFailed, step.ID, err, "read condition output %q", cond.Output)
	}

	value, err := conditionValue(data, cond.Field)
	if err != nil {
		return stepError(domain.ErrorConditionFailed, step.ID, err, "evaluate condition output %q", cond.Output)
	}

	selected, skipped := "true", cond.FalseSteps
	if !value {
		selected, skipped = "false", cond.TrueSteps
	}
	reason := fmt.Sprintf("condition %s selected branch %s", step.ID, selected)
	for _, id := range skipped {
		state.MarkSkipped(id, reason)
	}

	state.AddDecision(Decision{
		"type":            "condition",
		"step_id":         step.ID,
		"output":          cond.Output,
		"field":           cond.Field,
		"value":           value,
		"selected_branch": selected,
		"skipped_steps":   nonNilStrings(skipped),
	})
	return nil
}

// conditionValue разбирает значение условия: JSON bool, строку
// "true"/"false" или объект с полем field.
func conditionValue(data []byte, field string) (bool, error) {
	data = bytes.TrimSpace(data)

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		if field != "" {
			return false, fmt.Errorf("output is not a JSON object: %w", err)
		}
		raw = string(data)
	}

	if field != "" {
		obj, ok := raw.(map[string]any)
		if !ok {
			return false, fmt.Errorf("output is not a JSON object")
		}
		v, ok := obj[field]
		if !ok {
			return false, fmt.Errorf("field %q not found", field)
		}
		raw = v
	}

	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("value %v is not boolean", raw)
}
