package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/runner"
)

type fixture struct {
	jobDir   string
	manifest *domain.InputsManifest
	runner   *runner.Fake
	gen      *generate.Static
	now      func() time.Time
}

func newFixture(t *testing.T, inputs map[string]string) *fixture {
	t.Helper()

	f := &fixture{
		jobDir:   t.TempDir(),
		manifest: &domain.InputsManifest{SchemaVersion: domain.CurrentManifestSchemaVersion},
		runner:   &runner.Fake{},
		gen:      &generate.Static{Script: "display 1\n"},
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rel := "inputs/" + key + ".csv"
		writeFile(t, filepath.Join(f.jobDir, rel), inputs[key])
		f.manifest.Datasets = append(f.manifest.Datasets, domain.Dataset{
			Key:         key,
			RelPath:     rel,
			Format:      "csv",
			Fingerprint: "sha256-" + key,
		})
	}
	return f
}

func (f *fixture) execute(t *testing.T, plan *domain.Plan, deadline time.Time) *Result {
	t.Helper()
	return f.executeUntil(t, plan, func() time.Time { return deadline })
}

func (f *fixture) executeUntil(t *testing.T, plan *domain.Plan, deadline func() time.Time) *Result {
	t.Helper()

	exec, err := New(Config{
		Generator: f.gen,
		Runner:    f.runner,
		Now:       f.now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	job := &domain.Job{JobID: "job_1", TenantID: "acme", Status: domain.JobStatusRunning, Plan: plan}
	result, err := exec.Execute(context.Background(), Request{
		Job:           job,
		JobDir:        f.jobDir,
		Manifest:      f.manifest,
		PipelineRunID: "run_1",
		Deadline:      deadline,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.jobDir, filepath.FromSlash(rel)))
	return err == nil
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.jobDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func computeStep(id string, mode domain.CompositionMode, inputs []domain.InputBinding, deps ...string) domain.Step {
	return domain.Step{
		ID:        id,
		Type:      domain.StepRunCompute,
		DependsOn: deps,
		Compute: &domain.ComputeParams{StepCommon: domain.StepCommon{
			Mode:       mode,
			TemplateID: "ols",
			Inputs:     inputs,
		}},
	}
}

func mergePlan() *domain.Plan {
	merge := domain.Step{
		ID:   "merge",
		Type: domain.StepGenerateArtifact,
		Generate: &domain.GenerateParams{StepCommon: domain.StepCommon{
			Mode:       domain.ModeMergeThenSequential,
			TemplateID: "merge",
			Inputs: []domain.InputBinding{
				{Role: "main", Ref: "input:main"},
				{Role: "controls", Ref: "input:controls"},
			},
			Products: []domain.ProductDecl{{
				ProductID: "merged",
				Kind:      domain.ProductMergedDataset,
				Merge:     &domain.MergeSpec{Roles: []string{"main", "controls"}, Keys: []string{"id"}},
			}},
		}},
	}
	analysis := computeStep("analysis", "",
		[]domain.InputBinding{{Role: "data", Ref: "prod:merge:merged"}}, "merge")
	return &domain.Plan{PlanID: "p1", Steps: []domain.Step{merge, analysis}}
}

func stepStatuses(result *Result) map[string]string {
	out := make(map[string]string, len(result.Steps))
	for _, s := range result.Steps {
		out[s.StepID] = s.Status
	}
	return out
}

func TestExecute_EndToEndMerge(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main":     "id,x\n1,10\n2,20\n",
		"controls": "id,y\n1,100\n2,200\n",
	})

	result := f.execute(t, mergePlan(), time.Time{})
	require.True(t, result.OK(), result.Message)
	assert.Equal(t, map[string]string{"merge": StepSucceeded, "analysis": StepSucceeded}, stepStatuses(result))

	require.Len(t, result.Decisions, 1)
	decision := result.Decisions[0]
	assert.Equal(t, "merge", decision["type"])
	assert.Equal(t, 2, decision["matched_rows"])
	assert.Equal(t, 2, decision["output_rows"])

	merged := f.read(t, "runs/run_1__merge/products/merged.csv")
	assert.Equal(t, "id,x,y\n1,10,100\n2,20,200\n", merged)

	// Следующий шаг получил продукт как подготовленный вход
	assert.Equal(t, merged, f.read(t, "runs/run_1__analysis/inputs/data.csv"))

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "run_1__analysis", calls[0].RunID)
	assert.Equal(t, DefaultStepTimeout, calls[0].Timeout)

	var summary struct {
		CompositionMode string           `json:"composition_mode"`
		Decisions       []map[string]any `json:"decisions"`
		Steps           []StepSummary    `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.read(t, "runs/run_1/pipeline.summary.json")), &summary))
	assert.Equal(t, "merge_then_sequential", summary.CompositionMode)
	require.Len(t, summary.Decisions, 1)
	assert.Equal(t, "merge", summary.Decisions[0]["type"])
	assert.EqualValues(t, 2, summary.Decisions[0]["matched_rows"])
	assert.Contains(t, summary.Decisions[0]["columns"], "y")
	require.Len(t, summary.Steps, 2)
	require.Len(t, summary.Steps[1].Bindings, 1)
	assert.Equal(t, "runs/run_1__merge/products/merged.csv", summary.Steps[1].Bindings[0].Source)

	assert.False(t, f.exists("runs/run_1/run.error.json"))

	kinds := make(map[domain.ArtifactKind]int)
	for _, ref := range result.Artifacts {
		kinds[ref.Kind]++
	}
	assert.Equal(t, 1, kinds[domain.ArtifactPipelineSummary])
	assert.Equal(t, 1, kinds[domain.ArtifactProduct])
	assert.Equal(t, 2, kinds[domain.ArtifactStepInputs])
	assert.Equal(t, 2, kinds[domain.ArtifactGenerationSource])
}

func TestExecute_StagedManifestFeedsGeneration(t *testing.T) {
	f := newFixture(t, map[string]string{"main": "id,x\n1,10\n"})
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("fit", "", []domain.InputBinding{{Role: "data", Ref: "input:main"}}),
	}}

	result := f.execute(t, plan, time.Time{})
	require.True(t, result.OK(), result.Message)

	var staged domain.StagedInputs
	require.NoError(t, json.Unmarshal([]byte(f.read(t, "runs/run_1__fit/inputs_manifest.json")), &staged))
	require.Len(t, staged.Inputs, 1)
	in := staged.Inputs[0]
	assert.Equal(t, "data", in.Role)
	assert.Equal(t, "input:main", in.Ref)
	assert.Equal(t, "data.csv", in.FileName)
	assert.Equal(t, "runs/run_1__fit/inputs/data.csv", in.RelPath)
	assert.Len(t, in.Fingerprint, 64)

	assert.Equal(t, "display 1\n", f.read(t, "runs/run_1__fit/generation/source.do"))
	assert.True(t, f.exists("runs/run_1__fit/generation/meta.json"))
	assert.True(t, f.exists("runs/run_1__fit/generation/params.json"))
}

func TestExecute_CycleRunsNoSteps(t *testing.T) {
	f := newFixture(t, nil)
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("a", "", nil, "b"),
		computeStep("b", "", nil, "a"),
	}}

	result := f.execute(t, plan, time.Time{})
	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.Equal(t, domain.ErrorDependencyCycle, result.ErrorCode)
	require.NotNil(t, result.Validation)

	assert.Empty(t, f.runner.Calls())
	assert.False(t, f.exists("runs/run_1__a"))
	assert.False(t, f.exists("runs/run_1__b"))
	for _, s := range result.Steps {
		assert.Equal(t, StepNotRun, s.Status)
	}

	var runErr RunError
	require.NoError(t, json.Unmarshal([]byte(f.read(t, "runs/run_1/run.error.json")), &runErr))
	assert.Equal(t, domain.ErrorDependencyCycle, runErr.ErrorCode)
	assert.NotEmpty(t, runErr.Issues)
	assert.True(t, f.exists("runs/run_1/pipeline.summary.json"))
}

func conditionalPlan(extra ...domain.Step) *domain.Plan {
	check := computeStep("check", domain.ModeConditional, nil)
	check.Compute.Condition = &domain.Condition{
		Output:     "decision.json",
		Field:      "use_ols",
		TrueSteps:  []string{"ols"},
		FalseSteps: []string{"robust"},
	}
	steps := []domain.Step{
		check,
		computeStep("ols", "", nil, "check"),
		computeStep("robust", "", nil, "check"),
	}
	return &domain.Plan{Steps: append(steps, extra...)}
}

func TestExecute_ConditionSkipsOtherBranch(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Exports = map[string][]byte{"decision.json": []byte(`{"use_ols": true}`)}

	result := f.execute(t, conditionalPlan(), time.Time{})
	require.True(t, result.OK(), result.Message)

	statuses := stepStatuses(result)
	assert.Equal(t, StepSucceeded, statuses["check"])
	assert.Equal(t, StepSucceeded, statuses["ols"])
	assert.Equal(t, StepSkipped, statuses["robust"])
	assert.False(t, f.exists("runs/run_1__robust"))
	assert.Len(t, f.runner.Calls(), 2)

	require.Len(t, result.Decisions, 1)
	assert.Equal(t, "condition", result.Decisions[0]["type"])
	assert.Equal(t, "true", result.Decisions[0]["selected_branch"])
	assert.Equal(t, []string{"robust"}, result.Decisions[0]["skipped_steps"])
}

func TestExecute_ConditionFalseBranch(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Exports = map[string][]byte{"decision.json": []byte(`{"use_ols": "false"}`)}

	result := f.execute(t, conditionalPlan(), time.Time{})
	require.True(t, result.OK(), result.Message)

	statuses := stepStatuses(result)
	assert.Equal(t, StepSkipped, statuses["ols"])
	assert.Equal(t, StepSucceeded, statuses["robust"])
	assert.False(t, f.exists("runs/run_1__ols"))
}

func TestExecute_DependencyOnSkippedStepFails(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Exports = map[string][]byte{"decision.json": []byte(`{"use_ols": true}`)}

	plan := conditionalPlan(computeStep("report", "", nil, "robust"))
	result := f.execute(t, plan, time.Time{})

	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.Equal(t, domain.ErrorDependencySkipped, result.ErrorCode)
	assert.Equal(t, "report", result.FailedStep)
	assert.Equal(t, StepFailed, stepStatuses(result)["report"])
	assert.False(t, f.exists("runs/run_1__report"))
	assert.True(t, f.exists("runs/run_1/run.error.json"))
}

func TestExecute_ConditionNotBoolean(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Exports = map[string][]byte{"decision.json": []byte(`{"use_ols": 3}`)}

	result := f.execute(t, conditionalPlan(), time.Time{})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, domain.ErrorConditionFailed, result.ErrorCode)
	assert.Equal(t, StepNotRun, stepStatuses(result)["ols"])
}

func TestExecute_ComputeFailureStopsPipeline(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Handle = func(n int, req runner.Request) (*runner.Result, error) {
		return &runner.Result{OK: false, ExitCode: 1, Error: "r(111);"}, nil
	}
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("first", "", nil),
		computeStep("second", "", nil, "first"),
	}}

	result := f.execute(t, plan, time.Time{})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, domain.ErrorComputeFailed, result.ErrorCode)
	assert.Equal(t, "first", result.FailedStep)

	statuses := stepStatuses(result)
	assert.Equal(t, StepFailed, statuses["first"])
	assert.Equal(t, StepNotRun, statuses["second"])
	require.NotNil(t, result.Steps[0].ExitCode)
	assert.Equal(t, 1, *result.Steps[0].ExitCode)

	assert.Len(t, f.runner.Calls(), 1)
	assert.True(t, f.exists("runs/run_1__first/generation/source.do"))
	assert.False(t, f.exists("runs/run_1__second"))

	var runErr RunError
	require.NoError(t, json.Unmarshal([]byte(f.read(t, "runs/run_1/run.error.json")), &runErr))
	assert.Equal(t, "first", runErr.StepID)
	assert.Equal(t, domain.ErrorComputeFailed, runErr.ErrorCode)
	assert.Contains(t, runErr.Message, "r(111);")
}

func TestExecute_ComputeTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Handle = func(n int, req runner.Request) (*runner.Result, error) {
		return &runner.Result{ExitCode: -1, TimedOut: true}, nil
	}
	step := computeStep("slow", "", nil)
	step.Compute.TimeoutSeconds = 5

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{step}}, time.Time{})
	assert.Equal(t, domain.ErrorComputeTimeout, result.ErrorCode)
	require.Len(t, f.runner.Calls(), 1)
	assert.Equal(t, 5*time.Second, f.runner.Calls()[0].Timeout)
}

func TestExecute_ShutdownDeadlineCapsTimeout(t *testing.T) {
	f := newFixture(t, nil)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return t0 }
	f.runner.Handle = func(n int, req runner.Request) (*runner.Result, error) {
		return &runner.Result{ExitCode: -1, TimedOut: true}, nil
	}

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{computeStep("fit", "", nil)}}, t0.Add(2*time.Second))
	assert.Equal(t, domain.ErrorShutdown, result.ErrorCode)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.Len(t, f.runner.Calls(), 1)
	assert.Equal(t, 2*time.Second, f.runner.Calls()[0].Timeout)
}

func TestExecute_DeadlineSetMidRunCapsLaterSteps(t *testing.T) {
	f := newFixture(t, nil)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return t0 }

	var mu sync.Mutex
	var deadline time.Time
	f.runner.Handle = func(n int, req runner.Request) (*runner.Result, error) {
		if n == 1 {
			// Остановка начинается во время первого шага
			mu.Lock()
			deadline = t0.Add(3 * time.Second)
			mu.Unlock()
		}
		return &runner.Result{OK: true}, nil
	}

	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("first", "", nil),
		computeStep("second", "", nil, "first"),
	}}
	result := f.executeUntil(t, plan, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return deadline
	})
	assert.Equal(t, OutcomeSucceeded, result.Outcome)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, DefaultStepTimeout, calls[0].Timeout)
	assert.Equal(t, 3*time.Second, calls[1].Timeout)
}

func TestExecute_DeadlinePassedBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return t0 }

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{computeStep("fit", "", nil)}}, t0.Add(-time.Second))
	assert.Equal(t, domain.ErrorShutdown, result.ErrorCode)
	assert.Empty(t, f.runner.Calls())
	assert.False(t, f.exists("runs/run_1__fit"))
}

func TestExecute_GenerationFailureKeepsEvidence(t *testing.T) {
	f := newFixture(t, nil)
	f.gen.Err = generate.ErrUnsupportedTemplate

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{computeStep("fit", "", nil)}}, time.Time{})
	assert.Equal(t, domain.ErrorGenerationFailed, result.ErrorCode)
	assert.Empty(t, f.runner.Calls())

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.read(t, "runs/run_1__fit/generation/meta.json")), &meta))
	assert.Equal(t, false, meta["ok"])
	assert.Contains(t, meta["error"], "unsupported template")
	assert.True(t, f.exists("runs/run_1__fit/generation/params.json"))
}

func TestExecute_MissingInputFile(t *testing.T) {
	f := newFixture(t, map[string]string{"main": "id\n1\n"})
	require.NoError(t, os.Remove(filepath.Join(f.jobDir, "inputs", "main.csv")))

	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("fit", "", []domain.InputBinding{{Role: "data", Ref: "input:main"}}),
	}}
	result := f.execute(t, plan, time.Time{})
	assert.Equal(t, domain.ErrorInputMissing, result.ErrorCode)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, f.runner.Calls())
}

func TestExecute_TableProductFromExport(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Exports = map[string][]byte{"coefs.csv": []byte("term,b\nx,1.5\n")}

	fit := computeStep("fit", "", nil)
	fit.Compute.Products = []domain.ProductDecl{{ProductID: "coefs", Kind: domain.ProductTable, Source: "coefs.csv"}}
	report := computeStep("report", "", []domain.InputBinding{{Role: "table", Ref: "prod:fit:coefs"}}, "fit")

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{fit, report}}, time.Time{})
	require.True(t, result.OK(), result.Message)
	assert.Equal(t, "term,b\nx,1.5\n", f.read(t, "runs/run_1__fit/products/coefs.csv"))
	assert.Equal(t, "term,b\nx,1.5\n", f.read(t, "runs/run_1__report/inputs/table.csv"))
}

func TestExecute_MissingExportFailsProduct(t *testing.T) {
	f := newFixture(t, nil)

	fit := computeStep("fit", "", nil)
	fit.Compute.Products = []domain.ProductDecl{{ProductID: "coefs", Kind: domain.ProductTable, Source: "coefs.csv"}}

	result := f.execute(t, &domain.Plan{Steps: []domain.Step{fit}}, time.Time{})
	assert.Equal(t, domain.ErrorProductFailed, result.ErrorCode)
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestExecute_RequestValidation(t *testing.T) {
	exec, err := New(Config{Generator: &generate.Static{}, Runner: &runner.Fake{}})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = exec.Execute(context.Background(), Request{Job: &domain.Job{JobID: "j"}, JobDir: t.TempDir(), PipelineRunID: "r"})
	assert.ErrorIs(t, err, ErrNoPlan)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
