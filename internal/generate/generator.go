package generate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/shaiso/Statflow/internal/domain"
)

// Request — вход генерации для одного шага.
type Request struct {
	Step   *domain.Step
	Inputs *domain.StagedInputs
}

// Result — сгенерированный артефакт и доказательства генерации.
type Result struct {
	// Script — исходник артефакта.
	Script string

	TemplateID string

	// TemplateMeta — метаданные шаблона и sha256 исходника.
	TemplateMeta map[string]any

	// TemplateParams — разрешённые параметры (значения по умолчанию + шаг).
	TemplateParams map[string]any
}

// Generator — генератор исполняемого артефакта.
//
// При ошибке Result может быть частично заполнен: вызывающий
// сохраняет всё, что успело разрешиться.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// TemplateGenerator — Generator поверх репозитория шаблонов.
type TemplateGenerator struct {
	repo   Repository
	logger *slog.Logger
}

// NewTemplateGenerator создаёт генератор.
func NewTemplateGenerator(repo Repository, logger *slog.Logger) *TemplateGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateGenerator{repo: repo, logger: logger}
}

// Generate рендерит шаблон шага.
func (g *TemplateGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Step == nil || req.Step.Common() == nil {
		return nil, fmt.Errorf("%w: step has no parameters", ErrInvalidPlan)
	}
	common := req.Step.Common()
	if common.TemplateID == "" {
		return nil, fmt.Errorf("%w: step %s has no template_id", ErrInvalidPlan, req.Step.ID)
	}

	result := &Result{TemplateID: common.TemplateID}

	if req.Inputs == nil {
		return result, fmt.Errorf("%w: step %s has no staged inputs manifest", ErrInvalidManifest, req.Step.ID)
	}
	for _, in := range req.Inputs.Inputs {
		if in.Role == "" || in.Path == "" {
			return result, fmt.Errorf("%w: staged input %q has no path", ErrInvalidManifest, in.Role)
		}
	}

	tmpl, err := g.repo.Get(ctx, common.TemplateID)
	if err != nil {
		return result, err
	}

	sum := sha256.Sum256([]byte(tmpl.Source))
	result.TemplateMeta = map[string]any{
		"id":            tmpl.Meta.ID,
		"version":       tmpl.Meta.Version,
		"description":   tmpl.Meta.Description,
		"source_sha256": hex.EncodeToString(sum[:]),
	}

	for _, role := range tmpl.Meta.Roles {
		if _, ok := req.Inputs.ByRole(role); !ok {
			return result, fmt.Errorf("%w: template %s requires input role %q", ErrInvalidManifest, tmpl.Meta.ID, role)
		}
	}

	params, err := resolveParams(tmpl.Meta, common.TemplateParams)
	result.TemplateParams = params
	if err != nil {
		return result, err
	}

	rctx := NewContext(req.Inputs, params)
	rendered, err := RenderParams(params, rctx)
	if err != nil {
		return result, err
	}
	result.TemplateParams = rendered
	rctx.Params = rendered

	script, err := Render(tmpl.Source, rctx)
	if err != nil {
		return result, err
	}
	result.Script = script

	g.logger.Debug("artifact generated",
		"step_id", req.Step.ID,
		"template_id", tmpl.Meta.ID,
		"script_bytes", len(script),
	)
	return result, nil
}

// resolveParams сливает значения по умолчанию с параметрами шага.
// Параметры, не объявленные шаблоном, передаются как есть.
func resolveParams(meta Meta, given map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(given)+len(meta.Params))
	for k, v := range given {
		out[k] = v
	}

	for _, spec := range meta.Params {
		if _, ok := out[spec.Name]; ok {
			continue
		}
		if spec.Required {
			return out, fmt.Errorf("%w: template %s requires param %q", ErrInvalidPlan, meta.ID, spec.Name)
		}
		if spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}
	return out, nil
}

// Static — Generator для тестов: всегда возвращает один и тот же скрипт
// или ошибку.
type Static struct {
	Script string
	Err    error
}

func (s *Static) Generate(_ context.Context, req Request) (*Result, error) {
	result := &Result{TemplateMeta: map[string]any{"id": "static"}, TemplateParams: map[string]any{}}
	if req.Step != nil && req.Step.Common() != nil {
		result.TemplateID = req.Step.Common().TemplateID
		for k, v := range req.Step.Common().TemplateParams {
			result.TemplateParams[k] = v
		}
	}
	if s.Err != nil {
		return result, s.Err
	}
	result.Script = s.Script
	return result, nil
}
