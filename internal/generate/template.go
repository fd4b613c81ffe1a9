package generate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Statflow/internal/domain"
)

// Context — данные для рендеринга шаблона.
//
// В шаблоне доступны:
//   - {{ .StepID }}, {{ .JobID }}
//   - {{ .Inputs.<role>.Path }}, {{ .Inputs.<role>.Format }}
//   - {{ .Params.<name> }}
type Context struct {
	JobID  string
	StepID string

	// Inputs — подготовленные входы шага по ролям.
	Inputs map[string]domain.StagedInput

	// Params — разрешённые параметры шаблона.
	Params map[string]any
}

// NewContext создаёт контекст из манифеста подготовленных входов.
func NewContext(staged *domain.StagedInputs, params map[string]any) *Context {
	ctx := &Context{
		Inputs: make(map[string]domain.StagedInput),
		Params: params,
	}
	if ctx.Params == nil {
		ctx.Params = make(map[string]any)
	}
	if staged != nil {
		ctx.JobID = staged.JobID
		ctx.StepID = staged.StepID
		for _, in := range staged.Inputs {
			ctx.Inputs[in.Role] = in
		}
	}
	return ctx
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// quote — compound quotes Stata: `"..."'
	"quote": func(v any) string {
		return "`\"" + fmt.Sprint(v) + "\"'"
	},

	// varlist — список значений через пробел (varlist Stata)
	"varlist": func(v any) string {
		switch items := v.(type) {
		case []string:
			return strings.Join(items, " ")
		case []any:
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, " ")
		case nil:
			return ""
		default:
			return fmt.Sprint(items)
		}
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// split — разбивает строку на слайс
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,
}

// Render рендерит строковый шаблон с контекстом.
//
// Отсутствующий ключ map — ошибка рендеринга.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil

	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case []string:
		result := make([]string, len(v))
		for i, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		// int, float, bool — как есть
		return value, nil
	}
}

// RenderParams рендерит параметры шаблона.
func RenderParams(params map[string]any, ctx *Context) (map[string]any, error) {
	if params == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(params, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrTemplateRender, rendered)
	}
	return result, nil
}
