package pipeline

import (
	"time"

	"github.com/shaiso/Statflow/internal/domain"
)

// Статусы шага в сводке прогона.
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepNotRun    = "not_run"
)

// Product — продукт шага, зарегистрированный в текущем прогоне.
type Product struct {
	StepID    string             `json:"step_id"`
	ProductID string             `json:"product_id"`
	Kind      domain.ProductKind `json:"kind"`
	RelPath   string             `json:"rel_path"`

	// Path — абсолютный путь; в сводку не пишется.
	Path string `json:"-"`
}

// BindingTrace — как вход шага был разрешён.
type BindingTrace struct {
	Role     string `json:"role"`
	Ref      string `json:"ref"`
	Source   string `json:"source"`
	FileName string `json:"file_name"`
}

// StepSummary — запись о шаге в сводке прогона.
type StepSummary struct {
	StepID     string          `json:"step_id"`
	Type       domain.StepType `json:"type"`
	Status     string          `json:"status"`
	RunID      string          `json:"run_id,omitempty"`
	TemplateID string          `json:"template_id,omitempty"`
	Bindings   []BindingTrace  `json:"bindings,omitempty"`
	Products   []Product       `json:"products,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Decision — запись журнала решений (ветвление, статистика merge).
type Decision map[string]any

// ExecutionState — изменяемое состояние одного прогона.
//
// Принадлежит одному вызову Execute и не разделяется между горутинами.
// По завершении прогона содержимое сбрасывается в сводку и в
// artifacts_index job.
type ExecutionState struct {
	// products — зарегистрированные продукты (step, product) → продукт.
	products map[domain.ProductKey]Product

	// steps — сводки шагов в порядке исполнения.
	steps []StepSummary

	// skipped — пропущенные шаги (stepID → причина).
	skipped map[string]string

	// decisions — журнал решений.
	decisions []Decision

	// artifacts — все артефакты прогона.
	artifacts []domain.ArtifactRef

	startedAt time.Time
}

func newExecutionState(now time.Time) *ExecutionState {
	return &ExecutionState{
		products:  make(map[domain.ProductKey]Product),
		skipped:   make(map[string]string),
		startedAt: now,
	}
}

// MarkSkipped помечает шаг как исключённый условием.
func (s *ExecutionState) MarkSkipped(stepID, reason string) {
	if _, ok := s.skipped[stepID]; !ok {
		s.skipped[stepID] = reason
	}
}

// SkipReason возвращает причину пропуска шага.
func (s *ExecutionState) SkipReason(stepID string) (string, bool) {
	reason, ok := s.skipped[stepID]
	return reason, ok
}

// RegisterProduct регистрирует продукт для последующих шагов.
func (s *ExecutionState) RegisterProduct(p Product) {
	s.products[domain.ProductKey{StepID: p.StepID, ProductID: p.ProductID}] = p
}

// Product возвращает продукт по ключу.
func (s *ExecutionState) Product(key domain.ProductKey) (Product, bool) {
	p, ok := s.products[key]
	return p, ok
}

// AddStep добавляет сводку шага.
func (s *ExecutionState) AddStep(summary StepSummary) {
	s.steps = append(s.steps, summary)
}

// AddDecision добавляет запись в журнал решений.
func (s *ExecutionState) AddDecision(d Decision) {
	s.decisions = append(s.decisions, d)
}

// AddArtifacts добавляет артефакты прогона.
func (s *ExecutionState) AddArtifacts(refs ...domain.ArtifactRef) {
	s.artifacts = append(s.artifacts, refs...)
}
