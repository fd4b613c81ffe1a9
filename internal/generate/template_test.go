package generate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
)

func testContext() *Context {
	staged := &domain.StagedInputs{
		JobID:  "job_1",
		StepID: "analysis",
		Inputs: []domain.StagedInput{
			{Role: "data", FileName: "data.csv", Path: "/work/inputs/data.csv", Format: "csv"},
		},
	}
	return NewContext(staged, map[string]any{
		"depvar":  "y",
		"indep":   []any{"x1", "x2"},
		"title":   "Hello World",
		"missing": "",
	})
}

func TestNewContext_Empty(t *testing.T) {
	ctx := NewContext(nil, nil)
	assert.NotNil(t, ctx.Inputs)
	assert.NotNil(t, ctx.Params)
	assert.Empty(t, ctx.StepID)
}

func TestRender(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain text", "display 1", "display 1"},
		{"step id", "* step {{ .StepID }}", "* step analysis"},
		{"input path", `import delimited {{ quote .Inputs.data.Path }}`, "import delimited `\"/work/inputs/data.csv\"'"},
		{"varlist", "regress {{ .Params.depvar }} {{ varlist .Params.indep }}", "regress y x1 x2"},
		{"lower", "{{ lower .Params.title }}", "hello world"},
		{"upper", "{{ upper .Params.title }}", "HELLO WORLD"},
		{"contains", `{{ contains .Params.title "World" }}`, "true"},
		{"default with empty", `{{ default "robust" .Params.missing }}`, "robust"},
		{"json", `{{ json .Params.indep }}`, `["x1","x2"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	ctx := testContext()

	_, err := Render("{{ .Invalid syntax", ctx)
	assert.ErrorIs(t, err, ErrTemplateParse)

	_, err = Render("use {{ .Inputs.controls.Path }}", ctx)
	assert.ErrorIs(t, err, ErrTemplateRender)
}

func TestRenderValue(t *testing.T) {
	ctx := testContext()

	value := map[string]any{
		"label": "model for {{ .Params.depvar }}",
		"nested": map[string]any{
			"file": "{{ .Inputs.data.FileName }}",
		},
		"list":  []any{"{{ .StepID }}", 42},
		"flag":  true,
		"empty": nil,
	}

	result, err := RenderValue(value, ctx)
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "model for y", m["label"])
	assert.Equal(t, "data.csv", m["nested"].(map[string]any)["file"])
	assert.Equal(t, []any{"analysis", 42}, m["list"])
	assert.Equal(t, true, m["flag"])
	assert.Nil(t, m["empty"])
}

func TestRenderParams_Nil(t *testing.T) {
	result, err := RenderParams(nil, testContext())
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Empty(t, result)
}
