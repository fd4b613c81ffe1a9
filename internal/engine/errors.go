package engine

import (
	"errors"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
)

// Ошибки структуры плана.
var (
	// ErrEmptySteps — план не содержит шагов.
	ErrEmptySteps = errors.New("plan has no steps")

	// ErrEmptyStepID — шаг не имеет ID.
	ErrEmptyStepID = errors.New("step has empty ID")

	// ErrDuplicateStepID — несколько шагов с одинаковым ID.
	ErrDuplicateStepID = errors.New("duplicate step ID")

	// ErrUnknownStepType — неизвестный тип шага.
	ErrUnknownStepType = errors.New("unknown step type")

	// ErrMissingTemplate — шаг не указывает template_id.
	ErrMissingTemplate = errors.New("step has no template")

	// ErrMissingDependency — шаг зависит от несуществующего шага.
	ErrMissingDependency = errors.New("step depends on unknown step")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — шаг зависит от самого себя.
	ErrSelfDependency = errors.New("step depends on itself")
)

// Ошибки режима композиции.
var (
	// ErrUnknownMode — режим композиции не поддерживается.
	ErrUnknownMode = errors.New("unknown composition mode")

	// ErrModeMismatch — шаги одного плана объявляют разные режимы.
	ErrModeMismatch = errors.New("composition mode mismatch")

	// ErrMergeMissing — merge_then_sequential без шага объединения.
	ErrMergeMissing = errors.New("merge mode without merged_dataset product")

	// ErrAggregateMissing — parallel_then_aggregate без шага агрегации.
	ErrAggregateMissing = errors.New("aggregate mode without fan-in step")
)

// Ошибки входов и продуктов.
var (
	// ErrDuplicateRole — роль входа объявлена дважды в одном шаге.
	ErrDuplicateRole = errors.New("duplicate input role")

	// ErrInvalidBinding — строка ссылки не распознана.
	ErrInvalidBinding = errors.New("invalid input binding")

	// ErrUnknownInput — input:<key> не найден в манифесте.
	ErrUnknownInput = errors.New("unknown input dataset")

	// ErrUnknownProducer — prod:<step>:… ссылается на несуществующий шаг.
	ErrUnknownProducer = errors.New("unknown producer step")

	// ErrUnknownProduct — шаг-производитель не объявляет продукт.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrProductNotDependency — производитель не является зависимостью потребителя.
	ErrProductNotDependency = errors.New("product producer is not a dependency")

	// ErrDuplicateProduct — product_id объявлен дважды в одном шаге.
	ErrDuplicateProduct = errors.New("duplicate product ID")

	// ErrInvalidProduct — некорректное объявление продукта.
	ErrInvalidProduct = errors.New("invalid product declaration")
)

// Ошибки ветвления.
var (
	// ErrConditionOutsideMode — условие объявлено вне режима conditional.
	ErrConditionOutsideMode = errors.New("condition outside conditional mode")

	// ErrConditionCount — в режиме conditional должен быть ровно один условный шаг.
	ErrConditionCount = errors.New("conditional mode requires exactly one condition")

	// ErrInvalidCondition — условие некорректно.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrBranchOverlap — true_steps и false_steps пересекаются.
	ErrBranchOverlap = errors.New("condition branches overlap")

	// ErrUnknownBranchStep — ветка ссылается на несуществующий шаг.
	ErrUnknownBranchStep = errors.New("condition branch references unknown step")

	// ErrBranchNotDownstream — шаг ветки не зависит от условного шага.
	ErrBranchNotDownstream = errors.New("branch step is not downstream of condition")
)

// Ошибки загрузки плана.
var (
	// ErrPlanDecode — файл плана не удалось разобрать.
	ErrPlanDecode = errors.New("plan decode failed")
)

// Issue — одна проблема валидации с контекстом.
type Issue struct {
	StepID  string // ID шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (i *Issue) Error() string {
	if i.StepID != "" {
		return "step " + i.StepID + ": " + i.Message
	}
	return i.Message
}

// Unwrap возвращает базовую ошибку.
func (i *Issue) Unwrap() error {
	return i.Err
}

// NewIssue создаёт новую проблему валидации.
func NewIssue(stepID, field, message string, err error) *Issue {
	return &Issue{
		StepID:  stepID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ValidationError собирает все проблемы плана в одну структурированную ошибку.
type ValidationError struct {
	Issues []*Issue
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "plan validation failed"
	}
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Error())
	}
	return "plan validation failed: " + strings.Join(msgs, "; ")
}

// Unwrap позволяет errors.Is находить базовые ошибки всех проблем.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Issues))
	for _, issue := range e.Issues {
		errs = append(errs, issue)
	}
	return errs
}

// Add добавляет проблему.
func (e *ValidationError) Add(issue *Issue) {
	if issue == nil {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// OrNil возвращает nil, если проблем нет.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Code возвращает стабильный код ошибки для пользователя.
func (e *ValidationError) Code() domain.ErrorCode {
	if errors.Is(e, ErrCyclicDependency) {
		return domain.ErrorDependencyCycle
	}
	return domain.ErrorPlanInvalid
}
