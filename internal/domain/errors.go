package domain

// ErrorCode — стабильный строковый код ошибки, видимый пользователю
// (run.error.json, RunAttempt.ErrorCode).
type ErrorCode string

// Коды ошибок.
const (
	// Ошибки валидации плана — обнаруживаются до выполнения любого шага.
	ErrorPlanInvalid       ErrorCode = "plan_invalid"
	ErrorDependencyCycle   ErrorCode = "dependency_cycle"
	ErrorDependencySkipped ErrorCode = "dependency_skipped"

	// Ошибки выполнения шага — фатальны для прогона, но не для job.
	ErrorInputMissing     ErrorCode = "input_missing"
	ErrorGenerationFailed ErrorCode = "generation_failed"
	ErrorComputeFailed    ErrorCode = "compute_failed"
	ErrorComputeTimeout   ErrorCode = "compute_timeout"
	ErrorProductFailed    ErrorCode = "product_failed"
	ErrorConditionFailed  ErrorCode = "condition_failed"
	ErrorShutdown         ErrorCode = "shutdown"

	// Инфраструктурные ошибки.
	ErrorStorage    ErrorCode = "storage_error"
	ErrorUnexpected ErrorCode = "unexpected"
)

// IsValidation возвращает true для кодов ошибок валидации плана.
func (c ErrorCode) IsValidation() bool {
	switch c {
	case ErrorPlanInvalid, ErrorDependencyCycle, ErrorDependencySkipped:
		return true
	default:
		return false
	}
}
