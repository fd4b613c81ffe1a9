package jobs

import "errors"

var (
	// ErrInvalidUpload — загружаемый датасет некорректен.
	ErrInvalidUpload = errors.New("invalid dataset upload")

	// ErrDuplicateDataset — ключ датасета повторяется.
	ErrDuplicateDataset = errors.New("duplicate dataset key")

	// ErrNoDraft — у job нет черновика плана.
	ErrNoDraft = errors.New("job has no draft plan")

	// ErrPlanInvalid — черновик не прошёл валидацию при заморозке.
	ErrPlanInvalid = errors.New("plan is invalid")

	// ErrPlanConflict — план уже заморожен с другими входами.
	ErrPlanConflict = errors.New("plan already frozen with different inputs")

	// ErrManifestMismatch — манифест датасетов изменён после загрузки.
	ErrManifestMismatch = errors.New("inputs manifest fingerprint mismatch")
)
