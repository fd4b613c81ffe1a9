package queue

import "time"

// State — состояние записи очереди.
type State string

const (
	StateQueued  State = "queued"
	StateClaimed State = "claimed"
)

// Record — запись очереди на диске.
type Record struct {
	JobID      string    `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Поля аренды; пусты у записи в queued/.
	ClaimID        string     `json:"claim_id,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// LeaseEpoch — сколько раз запись выдавалась в аренду.
	LeaseEpoch int `json:"lease_epoch"`

	// State заполняется при чтении, на диск не пишется.
	State State `json:"-"`
}

// Claim — аренда записи конкретным воркером.
type Claim struct {
	JobID          string
	TenantID       string
	ClaimID        string
	WorkerID       string
	LeaseExpiresAt time.Time
}

// expired проверяет аренду на момент now.
func (r *Record) expired(now time.Time) bool {
	return r.LeaseExpiresAt != nil && !now.Before(*r.LeaseExpiresAt)
}

// released возвращает копию записи без полей аренды.
func (r Record) released() Record {
	r.ClaimID = ""
	r.WorkerID = ""
	r.ClaimedAt = nil
	r.LeaseExpiresAt = nil
	return r
}
