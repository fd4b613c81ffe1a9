package domain

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition — переход между статусами запрещён.
var ErrIllegalTransition = errors.New("illegal status transition")

// allowedTransitions — таблица разрешённых рёбер. Других рёбер нет.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated:    {JobStatusDraftReady},
	JobStatusDraftReady: {JobStatusConfirmed},
	JobStatusConfirmed:  {JobStatusQueued},
	JobStatusQueued:     {JobStatusRunning},
	JobStatusRunning:    {JobStatusSucceeded, JobStatusFailed},
	JobStatusSucceeded:  {},
	JobStatusFailed:     {JobStatusQueued},
}

// TransitionError описывает запрещённое ребро.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

// Error реализует интерфейс error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// Unwrap возвращает ErrIllegalTransition.
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// CheckTransition проверяет, разрешён ли переход from → to.
//
// Переход в тот же статус — no-op и считается успешным.
// Функция чистая: сохранение нового статуса — забота вызывающего.
func CheckTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}
