package domain

// JobStatus — статус job.
//
// Жизненный цикл:
//
//	CREATED → DRAFT_READY → CONFIRMED → QUEUED → RUNNING → SUCCEEDED
//	                                      ↑                ↘ FAILED
//	                                      └──── (retry) ─────┘
type JobStatus string

const (
	// JobStatusCreated — job создан, требование и датасеты загружены.
	JobStatusCreated JobStatus = "CREATED"

	// JobStatusDraftReady — черновик плана получен от планировщика.
	JobStatusDraftReady JobStatus = "DRAFT_READY"

	// JobStatusConfirmed — план заморожен и подтверждён пользователем.
	JobStatusConfirmed JobStatus = "CONFIRMED"

	// JobStatusQueued — job поставлен в очередь воркеров.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusRunning — воркер выполняет план.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusSucceeded — план выполнен успешно. Финальный статус.
	JobStatusSucceeded JobStatus = "SUCCEEDED"

	// JobStatusFailed — все попытки исчерпаны. Можно вернуть в QUEUED (retry).
	JobStatusFailed JobStatus = "FAILED"
)

// IsTerminal возвращает true, если воркеру больше нечего делать с job.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s JobStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// String возвращает строковое представление JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// AttemptStatus — статус одной попытки выполнения (RunAttempt).
type AttemptStatus string

const (
	// AttemptStatusRunning — попытка в процессе.
	AttemptStatusRunning AttemptStatus = "running"

	// AttemptStatusSucceeded — пайплайн завершился успешно.
	AttemptStatusSucceeded AttemptStatus = "succeeded"

	// AttemptStatusFailed — пайплайн упал.
	AttemptStatusFailed AttemptStatus = "failed"
)
