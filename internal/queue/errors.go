package queue

import "errors"

var (
	// ErrEmpty — в очереди нет доступных записей.
	ErrEmpty = errors.New("queue is empty")

	// ErrClaimLost — аренда истекла и запись перехвачена или удалена.
	ErrClaimLost = errors.New("claim lost")

	// ErrInvalidRecord — запись очереди не читается.
	ErrInvalidRecord = errors.New("invalid queue record")

	// ErrTenantMismatch возвращается, если job_id уже в очереди у другого тенанта.
	ErrTenantMismatch = errors.New("job id queued by another tenant")
)
