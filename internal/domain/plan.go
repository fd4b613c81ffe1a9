package domain

import (
	"encoding/json"
	"fmt"
)

// StepType — тип шага плана.
type StepType string

const (
	// StepGenerateArtifact — только генерирует исполняемый артефакт (do-файл), без запуска.
	StepGenerateArtifact StepType = "generate_artifact"

	// StepRunCompute — генерирует артефакт и запускает его во внешнем вычислителе.
	StepRunCompute StepType = "run_compute"
)

// CompositionMode — общая форма DAG.
type CompositionMode string

const (
	ModeSequential            CompositionMode = "sequential"
	ModeMergeThenSequential   CompositionMode = "merge_then_sequential"
	ModeParallelThenAggregate CompositionMode = "parallel_then_aggregate"
	ModeConditional           CompositionMode = "conditional"
)

// IsKnown проверяет, что режим поддерживается.
func (m CompositionMode) IsKnown() bool {
	switch m {
	case ModeSequential, ModeMergeThenSequential, ModeParallelThenAggregate, ModeConditional:
		return true
	default:
		return false
	}
}

// Plan — замороженный DAG шагов.
//
// Инварианты: ID шагов уникальны, все depends_on существуют, граф ацикличен.
// После заморозки план только читается.
type Plan struct {
	// PlanID — детерминированный идентификатор (хэш входов заморозки).
	PlanID string `json:"plan_id"`

	// Steps — шаги в порядке объявления.
	Steps []Step `json:"steps"`
}

// StepByID возвращает шаг по ID.
func (p *Plan) StepByID(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Step — узел плана.
//
// Параметры — tagged union по Type: ровно одно из Generate/Compute заполнено
// для известного типа. В JSON параметры лежат в поле "params".
type Step struct {
	ID        string   `json:"step_id"`
	Type      StepType `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`

	Generate *GenerateParams `json:"-"`
	Compute  *ComputeParams  `json:"-"`
}

// Common возвращает общие параметры шага или nil для неизвестного типа.
func (s *Step) Common() *StepCommon {
	switch {
	case s.Generate != nil:
		return &s.Generate.StepCommon
	case s.Compute != nil:
		return &s.Compute.StepCommon
	default:
		return nil
	}
}

// Condition возвращает условие ветвления шага (только для run_compute).
func (s *Step) Condition() *Condition {
	if s.Compute == nil {
		return nil
	}
	return s.Compute.Condition
}

// StepCommon — параметры, общие для всех типов шагов.
type StepCommon struct {
	// Mode — режим композиции. Пустой — наследуется от плана.
	Mode CompositionMode `json:"composition_mode,omitempty"`

	// TemplateID — шаблон генерации исполняемого артефакта.
	TemplateID string `json:"template_id"`

	// TemplateParams — непрозрачные параметры шаблона, передаются как есть.
	TemplateParams map[string]any `json:"template_params,omitempty"`

	// Inputs — привязки входов: роль → ссылка (input:<key> | prod:<step>:<product>).
	Inputs []InputBinding `json:"inputs,omitempty"`

	// Products — объявленные выходы шага.
	Products []ProductDecl `json:"products,omitempty"`
}

// GenerateParams — параметры шага generate_artifact.
type GenerateParams struct {
	StepCommon
}

// ComputeParams — параметры шага run_compute.
type ComputeParams struct {
	StepCommon

	// TimeoutSeconds — таймаут вычисления. 0 — значение по умолчанию воркера.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Condition — ветвление (только в режиме conditional).
	Condition *Condition `json:"condition,omitempty"`
}

// InputBinding — привязка входной роли к источнику данных.
type InputBinding struct {
	Role string `json:"role"`
	Ref  string `json:"ref"`
}

// ProductKind — способ получения продукта шага.
type ProductKind string

const (
	// ProductDataset — копия подготовленного входа (Source = роль).
	ProductDataset ProductKind = "dataset"

	// ProductMergedDataset — CSV merge/append входов (см. MergeSpec).
	ProductMergedDataset ProductKind = "merged_dataset"

	// ProductTable — таблица, экспортированная вычислителем (Source = имя файла экспорта).
	ProductTable ProductKind = "table"
)

// ProductDecl — объявленный выход шага.
type ProductDecl struct {
	ProductID string      `json:"product_id"`
	Kind      ProductKind `json:"kind"`
	Source    string      `json:"source,omitempty"`
	Merge     *MergeSpec  `json:"merge,omitempty"`
}

// MergeStrategy — способ объединения датасетов.
type MergeStrategy string

const (
	MergeJoin   MergeStrategy = "join"
	MergeAppend MergeStrategy = "append"
)

// MergeSpec — параметры объединения двух и более входов.
type MergeSpec struct {
	// Roles — роли входов в порядке объединения (первая — основная).
	Roles []string `json:"roles"`

	// Keys — ключи соединения (только для join).
	Keys []string `json:"keys,omitempty"`

	// Strategy — join (по умолчанию) или append.
	Strategy MergeStrategy `json:"strategy,omitempty"`
}

// Condition — булев шаг, выбирающий одну из двух взаимоисключающих веток.
type Condition struct {
	// Output — имя файла экспорта вычислителя с булевым значением.
	Output string `json:"output"`

	// Field — ключ в JSON-объекте; пусто — весь файл является значением.
	Field string `json:"field,omitempty"`

	TrueSteps  []string `json:"true_steps"`
	FalseSteps []string `json:"false_steps"`
}

// stepJSON — представление шага на проводе.
type stepJSON struct {
	ID        string          `json:"step_id"`
	Type      StepType        `json:"type"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON кладёт параметры варианта в поле "params".
func (s Step) MarshalJSON() ([]byte, error) {
	var params any
	switch {
	case s.Generate != nil:
		params = s.Generate
	case s.Compute != nil:
		params = s.Compute
	}

	out := stepJSON{ID: s.ID, Type: s.Type, DependsOn: s.DependsOn}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params of step %s: %w", s.ID, err)
		}
		out.Params = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON декодирует "params" в структуру, соответствующую типу.
// Неизвестный тип не является ошибкой декодирования — его отклонит валидатор.
func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*s = Step{ID: in.ID, Type: in.Type, DependsOn: in.DependsOn}

	params := in.Params
	if len(params) == 0 || string(params) == "null" {
		params = []byte("{}")
	}

	switch in.Type {
	case StepGenerateArtifact:
		var p GenerateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params of step %s: %w", in.ID, err)
		}
		s.Generate = &p
	case StepRunCompute:
		var p ComputeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("decode params of step %s: %w", in.ID, err)
		}
		s.Compute = &p
	}
	return nil
}
