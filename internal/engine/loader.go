package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Statflow/internal/domain"
)

// LoadPlanFile читает план из файла. Формат определяется по расширению:
// .yaml/.yml — YAML, всё остальное — JSON.
func LoadPlanFile(path string) (*domain.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodePlanYAML(data)
	default:
		return DecodePlan(data)
	}
}

// DecodePlan разбирает план из JSON.
func DecodePlan(data []byte) (*domain.Plan, error) {
	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanDecode, err)
	}
	return &plan, nil
}

// DecodePlanYAML разбирает план из YAML.
//
// YAML сначала декодируется в обобщённое дерево и переводится в JSON,
// чтобы шаги проходили через тот же UnmarshalJSON с разбором params.
func DecodePlanYAML(data []byte) (*domain.Plan, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanDecode, err)
	}

	raw, err := json.Marshal(normalizeYAML(tree))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanDecode, err)
	}
	return DecodePlan(raw)
}

// normalizeYAML приводит map[any]any к map[string]any для encoding/json.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
