package worker

import "errors"

// Ошибки воркера.
var (
	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrInvalidConfig — не заданы обязательные зависимости.
	ErrInvalidConfig = errors.New("invalid worker config")

	// ErrRunNotFound — попытка с данным run id пропала из записи job
	// между загрузкой и сохранением.
	ErrRunNotFound = errors.New("run attempt not found")
)
