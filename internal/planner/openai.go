package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/engine"
)

const (
	// DefaultModel — модель по умолчанию.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout — таймаут одного обращения к API.
	DefaultTimeout = 60 * time.Second
)

// OpenAIConfig — конфигурация OpenAI-планировщика.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// BaseURL — альтернативный endpoint (совместимые API, тесты).
	BaseURL string

	Timeout time.Duration

	// Templates — ID доступных шаблонов; перечисляются в промпте.
	Templates []string

	Logger *slog.Logger
}

// OpenAI — Planner поверх OpenAI Chat Completions в режиме JSON.
type OpenAI struct {
	client    openai.Client
	model     string
	timeout   time.Duration
	templates []string
	logger    *slog.Logger
}

// NewOpenAI создаёт планировщик.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		timeout:   cfg.Timeout,
		templates: cfg.Templates,
		logger:    cfg.Logger,
	}, nil
}

// Propose запрашивает у модели шаги плана.
func (p *OpenAI) Propose(ctx context.Context, req Request) (*domain.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(buildPrompt(req, p.templates)),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if isRateLimitError(err) {
			return nil, fmt.Errorf("OpenAI rate limited: %w", err)
		}
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices returned", ErrInvalidResponse)
	}

	plan, err := parseProposal(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	p.logger.Info("plan proposed",
		"job_id", req.JobID,
		"model", string(completion.Model),
		"steps", len(plan.Steps),
		"tokens", completion.Usage.TotalTokens,
	)
	return plan, nil
}

const systemPrompt = `You design statistical analysis pipelines.
Reply with a single JSON object {"steps": [...]} and nothing else.
Each step: {"step_id": string, "type": "generate_artifact"|"run_compute",
"depends_on": [step_id], "params": {"composition_mode": string, "template_id": string,
"template_params": object, "inputs": [{"role": string, "ref": "input:<key>"|"prod:<step_id>:<product_id>"}],
"products": [{"product_id": string, "kind": "dataset"|"merged_dataset"|"table", "source": string,
"merge": {"roles": [string], "keys": [string], "strategy": "join"|"append"}}]}}.
All steps share one composition_mode: sequential, merge_then_sequential, parallel_then_aggregate or conditional.
A step may consume prod:<step>:<product> only if it depends on that step.`

// buildPrompt собирает пользовательскую часть промпта.
func buildPrompt(req Request, templates []string) string {
	var b strings.Builder
	b.WriteString("Requirement:\n")
	b.WriteString(strings.TrimSpace(req.Requirement))
	b.WriteString("\n\nDatasets:\n")
	if req.Manifest == nil || len(req.Manifest.Datasets) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, ds := range req.Manifest.Datasets {
			fmt.Fprintf(&b, "- input:%s (format %s, original name %q)\n", ds.Key, ds.Format, ds.OriginalName)
		}
	}
	if len(templates) > 0 {
		b.WriteString("\nAvailable template_id values: ")
		b.WriteString(strings.Join(templates, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// parseProposal разбирает ответ модели в план.
func parseProposal(content string) (*domain.Plan, error) {
	content = strings.TrimSpace(content)
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrInvalidResponse)
	}

	plan, err := engine.DecodePlan([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(plan.Steps) == 0 {
		return nil, ErrEmptyProposal
	}
	plan.PlanID = ""
	return plan, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
