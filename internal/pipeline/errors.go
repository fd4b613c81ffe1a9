package pipeline

import (
	"errors"
	"fmt"

	"github.com/shaiso/Statflow/internal/domain"
)

var (
	// ErrInvalidRequest — запрос на исполнение неполон.
	ErrInvalidRequest = errors.New("invalid pipeline request")

	// ErrNoPlan — у job нет замороженного плана.
	ErrNoPlan = errors.New("job has no frozen plan")
)

// StepError — ошибка исполнения шага со стабильным кодом.
type StepError struct {
	Code    domain.ErrorCode
	StepID  string
	Message string
	Err     error
}

// Error реализует интерфейс error.
func (e *StepError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.StepID != "" {
		return fmt.Sprintf("step %s: %s (%s)", e.StepID, msg, e.Code)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Code)
}

// Unwrap возвращает базовую ошибку.
func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(code domain.ErrorCode, stepID string, err error, format string, args ...any) *StepError {
	return &StepError{
		Code:    code,
		StepID:  stepID,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
