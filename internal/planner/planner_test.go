package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
)

const proposal = `{"steps": [
	{"step_id": "fit", "type": "run_compute",
	 "params": {"template_id": "ols", "inputs": [{"role": "data", "ref": "input:main"}]}}
]}`

func TestParseProposal(t *testing.T) {
	plan, err := parseProposal("  " + proposal + "\n")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "fit", plan.Steps[0].ID)
	require.NotNil(t, plan.Steps[0].Compute)
	assert.Equal(t, "ols", plan.Steps[0].Compute.TemplateID)
	assert.Empty(t, plan.PlanID)

	_, err = parseProposal("sure, here is a plan")
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = parseProposal(`{"steps": []}`)
	assert.ErrorIs(t, err, ErrEmptyProposal)
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(Request{
		Requirement: " regress y on x ",
		Manifest: &domain.InputsManifest{Datasets: []domain.Dataset{
			{Key: "main", Format: "csv", OriginalName: "survey.csv"},
		}},
	}, []string{"ols", "merge"})

	assert.Contains(t, prompt, "regress y on x\n")
	assert.Contains(t, prompt, `- input:main (format csv, original name "survey.csv")`)
	assert.Contains(t, prompt, "Available template_id values: ols, merge")

	assert.Contains(t, buildPrompt(Request{Requirement: "r"}, nil), "(none)")
}

func TestStatic(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{{
		ID:       "gen",
		Type:     domain.StepGenerateArtifact,
		Generate: &domain.GenerateParams{StepCommon: domain.StepCommon{TemplateID: "desc"}},
	}}}
	s := &Static{Plan: plan}

	got, err := s.Propose(context.Background(), Request{JobID: "job_1"})
	require.NoError(t, err)
	assert.Equal(t, plan, got)

	// Копия не разделяет память с исходным планом
	got.Steps[0].Generate.TemplateID = "changed"
	assert.Equal(t, "desc", plan.Steps[0].Generate.TemplateID)
	require.Len(t, s.Requests, 1)

	boom := errors.New("boom")
	_, err = (&Static{Err: boom}).Propose(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)

	_, err = (&Static{}).Propose(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrEmptyProposal)
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestOpenAI_Propose(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": proposal},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/", Templates: []string{"ols"}})
	require.NoError(t, err)

	plan, err := p.Propose(context.Background(), Request{JobID: "job_1", Requirement: "fit ols"})
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "fit", plan.Steps[0].ID)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
}
