package domain

import (
	"time"

	"github.com/google/uuid"
)

// CurrentJobSchemaVersion — версия формата записи job на диске.
// Записи более старых версий мигрируются при чтении.
const CurrentJobSchemaVersion = 2

// Job — агрегат, единица работы пользователя.
//
// Job принадлежит JobStore и изменяется только циклом load → mutate → save.
// Конкурентные записи разрешаются через Version (optimistic concurrency),
// а не через блокировки в памяти.
type Job struct {
	// SchemaVersion — версия формата записи.
	SchemaVersion int `json:"schema_version"`

	// JobID — глобально уникальный, неизменяемый идентификатор.
	JobID string `json:"job_id"`

	// TenantID — владелец job.
	TenantID string `json:"tenant_id"`

	// Version — CAS-токен. Увеличивается при каждом успешном Save.
	Version int `json:"version"`

	// Status — текущий статус (см. JobStatus).
	Status JobStatus `json:"status"`

	// Requirement — исходное требование на естественном языке.
	Requirement string `json:"requirement"`

	// Inputs — ссылка на манифест загруженных датасетов.
	Inputs *InputsRef `json:"inputs,omitempty"`

	// Draft — черновик плана от планировщика (до заморозки).
	Draft *Plan `json:"draft_plan,omitempty"`

	// Confirmation — параметры подтверждения пользователя, участвуют в plan_id.
	Confirmation map[string]any `json:"confirmation,omitempty"`

	// Plan — замороженный план. После заморозки не меняется.
	Plan *Plan `json:"plan,omitempty"`

	// Runs — история попыток выполнения. Только добавление.
	Runs []RunAttempt `json:"runs"`

	// ArtifactsIndex — дедуплицированный список артефактов job.
	ArtifactsIndex []ArtifactRef `json:"artifacts_index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InputsRef — ссылка на манифест датасетов внутри рабочей директории job.
type InputsRef struct {
	// ManifestRelPath — путь к manifest.json относительно директории job.
	ManifestRelPath string `json:"manifest_rel_path"`

	// Fingerprint — sha256 содержимого манифеста.
	Fingerprint string `json:"fingerprint"`
}

// NewJobID генерирует новый идентификатор job.
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// NewRunID генерирует новый идентификатор попытки (pipeline run).
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewJob создаёт job в статусе CREATED.
func NewJob(tenantID, requirement string) *Job {
	now := time.Now().UTC()
	return &Job{
		SchemaVersion:  CurrentJobSchemaVersion,
		JobID:          NewJobID(),
		TenantID:       tenantID,
		Status:         JobStatusCreated,
		Requirement:    requirement,
		Runs:           []RunAttempt{},
		ArtifactsIndex: []ArtifactRef{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition проверяет переход по таблице и применяет новый статус.
// Сохранение — ответственность вызывающего.
func (j *Job) Transition(to JobStatus) error {
	if err := CheckTransition(j.Status, to); err != nil {
		return err
	}
	if j.Status != to {
		j.Status = to
		j.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// AddArtifacts добавляет артефакты в индекс, пропуская дубликаты
// (по паре kind + rel_path). Возвращает количество добавленных.
func (j *Job) AddArtifacts(refs ...ArtifactRef) int {
	seen := make(map[string]struct{}, len(j.ArtifactsIndex))
	for _, ref := range j.ArtifactsIndex {
		seen[ref.key()] = struct{}{}
	}

	added := 0
	for _, ref := range refs {
		if _, ok := seen[ref.key()]; ok {
			continue
		}
		seen[ref.key()] = struct{}{}
		j.ArtifactsIndex = append(j.ArtifactsIndex, ref)
		added++
	}
	return added
}

// AttemptCount возвращает количество попыток в истории.
func (j *Job) AttemptCount() int {
	return len(j.Runs)
}

// LastRun возвращает последнюю попытку или nil.
func (j *Job) LastRun() *RunAttempt {
	if len(j.Runs) == 0 {
		return nil
	}
	return &j.Runs[len(j.Runs)-1]
}

// ArtifactKind — тип артефакта.
type ArtifactKind string

// Типы артефактов.
const (
	ArtifactInputsManifest   ArtifactKind = "inputs.manifest"
	ArtifactPlan             ArtifactKind = "plan.json"
	ArtifactGenerationSource ArtifactKind = "generation.source"
	ArtifactGenerationMeta   ArtifactKind = "generation.meta"
	ArtifactGenerationParams ArtifactKind = "generation.params"
	ArtifactStepInputs       ArtifactKind = "step.inputs_manifest"
	ArtifactComputeScript    ArtifactKind = "compute.script"
	ArtifactComputeStdout    ArtifactKind = "compute.stdout"
	ArtifactComputeStderr    ArtifactKind = "compute.stderr"
	ArtifactComputeMeta      ArtifactKind = "compute.meta"
	ArtifactComputeExport    ArtifactKind = "compute.export"
	ArtifactProduct          ArtifactKind = "pipeline.product"
	ArtifactPipelineSummary  ArtifactKind = "pipeline.summary"
	ArtifactRunError         ArtifactKind = "run.error"
)

// ArtifactRef — ссылка на файл в рабочей директории job.
type ArtifactRef struct {
	// Kind — тип артефакта.
	Kind ArtifactKind `json:"kind"`

	// RelPath — POSIX-путь относительно директории job.
	// Никогда не выходит за её пределы.
	RelPath string `json:"rel_path"`

	// Meta — дополнительные сведения (step_id, product_id и т.д.).
	Meta map[string]string `json:"meta,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (a ArtifactRef) key() string {
	return string(a.Kind) + "\x00" + a.RelPath
}

// RunAttempt — одна попытка выполнения плана job.
type RunAttempt struct {
	// RunID — идентификатор попытки (pipeline run id).
	RunID string `json:"run_id"`

	// Attempt — номер попытки, начиная с 1.
	Attempt int `json:"attempt"`

	// Status — статус попытки.
	Status AttemptStatus `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// ErrorCode — стабильный код ошибки для упавшей попытки.
	ErrorCode ErrorCode `json:"error_code,omitempty"`

	// Error — человекочитаемое сообщение.
	Error string `json:"error,omitempty"`

	// Artifacts — артефакты этой попытки.
	Artifacts []ArtifactRef `json:"artifacts"`
}

// NewRunAttempt создаёт попытку в статусе running.
func NewRunAttempt(runID string, attempt int, startedAt time.Time) RunAttempt {
	return RunAttempt{
		RunID:     runID,
		Attempt:   attempt,
		Status:    AttemptStatusRunning,
		StartedAt: startedAt.UTC(),
		Artifacts: []ArtifactRef{},
	}
}

// MarkSucceeded завершает попытку успехом.
func (r *RunAttempt) MarkSucceeded(endedAt time.Time) {
	ended := endedAt.UTC()
	r.Status = AttemptStatusSucceeded
	r.EndedAt = &ended
}

// MarkFailed завершает попытку ошибкой.
func (r *RunAttempt) MarkFailed(endedAt time.Time, code ErrorCode, msg string) {
	ended := endedAt.UTC()
	r.Status = AttemptStatusFailed
	r.EndedAt = &ended
	r.ErrorCode = code
	r.Error = msg
}

// Duration возвращает продолжительность попытки.
// Возвращает 0, если попытка ещё не завершена.
func (r *RunAttempt) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
