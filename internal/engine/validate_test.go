package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
)

func known(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func computeStep(id string, mode domain.CompositionMode, inputs []domain.InputBinding, products []domain.ProductDecl, deps ...string) domain.Step {
	return domain.Step{
		ID:        id,
		Type:      domain.StepRunCompute,
		DependsOn: deps,
		Compute: &domain.ComputeParams{StepCommon: domain.StepCommon{
			Mode:       mode,
			TemplateID: "ols",
			Inputs:     inputs,
			Products:   products,
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
		[]domain.InputBinding{{Role: "data", Ref: "prod:merge:merged"}}, nil, "merge")
	return &domain.Plan{Steps: []domain.Step{merge, analysis}}
}

func TestValidate_MergePlan(t *testing.T) {
	a, err := Validate(mergePlan(), known("main", "controls"))
	require.NoError(t, err)

	assert.Equal(t, domain.ModeMergeThenSequential, a.Mode)
	assert.Equal(t, []string{"merge", "analysis"}, a.DAG.OrderIDs())
	assert.Contains(t, a.Products, domain.ProductKey{StepID: "merge", ProductID: "merged"})
}

func TestValidate_DefaultModeIsSequential(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{genStep("only")}}

	a, err := Validate(plan, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSequential, a.Mode)
}

func TestValidate_EmptyPlan(t *testing.T) {
	_, err := Validate(&domain.Plan{}, nil)
	assert.ErrorIs(t, err, ErrEmptySteps)

	_, err = Validate(nil, nil)
	assert.ErrorIs(t, err, ErrEmptySteps)
}

func TestValidate_UnknownInput(t *testing.T) {
	_, err := Validate(mergePlan(), known("main"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownInput)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, domain.ErrorPlanInvalid, ve.Code())
}

func TestValidate_ProductConsumerMustDependOnProducer(t *testing.T) {
	plan := mergePlan()
	plan.Steps[1].DependsOn = nil

	_, err := Validate(plan, known("main", "controls"))
	assert.ErrorIs(t, err, ErrProductNotDependency)
}

func TestValidate_UnknownProduct(t *testing.T) {
	plan := mergePlan()
	plan.Steps[1].Compute.Inputs[0].Ref = "prod:merge:other"

	_, err := Validate(plan, known("main", "controls"))
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestValidate_ModeMismatch(t *testing.T) {
	plan := mergePlan()
	plan.Steps[1].Compute.Mode = domain.ModeSequential

	_, err := Validate(plan, known("main", "controls"))
	assert.ErrorIs(t, err, ErrModeMismatch)
}

func TestValidate_MergeModeRequiresMergedProduct(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("a", domain.ModeMergeThenSequential, nil, nil),
	}}

	_, err := Validate(plan, nil)
	assert.ErrorIs(t, err, ErrMergeMissing)
}

func TestValidate_AggregateRequiresFanIn(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("a", domain.ModeParallelThenAggregate, nil, nil),
		computeStep("b", "", nil, nil),
		computeStep("c", "", nil, nil, "a"),
	}}

	_, err := Validate(plan, nil)
	assert.ErrorIs(t, err, ErrAggregateMissing)

	plan.Steps[2].DependsOn = []string{"a", "b"}
	_, err = Validate(plan, nil)
	assert.NoError(t, err)
}

func conditionalPlan() *domain.Plan {
	check := computeStep("check", domain.ModeConditional, nil, nil)
	check.Compute.Condition = &domain.Condition{
		Output:     "flag.json",
		Field:      "significant",
		TrueSteps:  []string{"report"},
		FalseSteps: []string{"robust"},
	}
	return &domain.Plan{Steps: []domain.Step{
		check,
		computeStep("report", "", nil, nil, "check"),
		computeStep("robust", "", nil, nil, "check"),
	}}
}

func TestValidate_Conditional(t *testing.T) {
	a, err := Validate(conditionalPlan(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeConditional, a.Mode)
	assert.Equal(t, "check", a.ConditionStep)
}

func TestValidate_ConditionalBranchErrors(t *testing.T) {
	t.Run("overlap", func(t *testing.T) {
		plan := conditionalPlan()
		plan.Steps[0].Compute.Condition.FalseSteps = []string{"report"}
		_, err := Validate(plan, nil)
		assert.ErrorIs(t, err, ErrBranchOverlap)
	})

	t.Run("not downstream", func(t *testing.T) {
		plan := conditionalPlan()
		plan.Steps[2].DependsOn = nil
		_, err := Validate(plan, nil)
		assert.ErrorIs(t, err, ErrBranchNotDownstream)
	})

	t.Run("unknown branch step", func(t *testing.T) {
		plan := conditionalPlan()
		plan.Steps[0].Compute.Condition.TrueSteps = []string{"ghost"}
		_, err := Validate(plan, nil)
		assert.ErrorIs(t, err, ErrUnknownBranchStep)
	})

	t.Run("two conditions", func(t *testing.T) {
		plan := conditionalPlan()
		plan.Steps[1].Compute.Condition = &domain.Condition{Output: "x.json", TrueSteps: []string{"robust"}}
		_, err := Validate(plan, nil)
		assert.ErrorIs(t, err, ErrConditionCount)
	})

	t.Run("condition outside mode", func(t *testing.T) {
		plan := conditionalPlan()
		for i := range plan.Steps {
			plan.Steps[i].Compute.Mode = domain.ModeSequential
		}
		_, err := Validate(plan, nil)
		assert.ErrorIs(t, err, ErrConditionOutsideMode)
	})
}

func TestValidate_CycleReportsDependencyCycle(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("a", "b"),
		genStep("b", "a"),
	}}

	_, err := Validate(plan, nil)
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, domain.ErrorDependencyCycle, ve.Code())
}

func TestValidate_CollectsAllIssues(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		{ID: "x", Type: "teleport"},
		genStep("y", "ghost"),
		genStep("y"),
	}}

	_, err := Validate(plan, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStepType)
	assert.ErrorIs(t, err, ErrMissingDependency)
	assert.ErrorIs(t, err, ErrDuplicateStepID)
}

func TestValidate_InvalidProducts(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		computeStep("a", "",
			[]domain.InputBinding{{Role: "main", Ref: "input:main"}},
			[]domain.ProductDecl{
				{ProductID: "copy", Kind: domain.ProductDataset, Source: "missing_role"},
				{ProductID: "tbl", Kind: domain.ProductTable, Source: "../escape.csv"},
				{ProductID: "copy", Kind: domain.ProductDataset, Source: "main"},
			}),
	}}

	_, err := Validate(plan, known("main"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidProduct)
	assert.ErrorIs(t, err, ErrDuplicateProduct)
}

func TestLoadPlanFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	content := `
steps:
  - step_id: describe
    type: run_compute
    params:
      template_id: describe
      timeout_seconds: 15
      inputs:
        - role: data
          ref: input:main
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	plan, err := LoadPlanFile(path)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.NotNil(t, plan.Steps[0].Compute)
	assert.Equal(t, 15, plan.Steps[0].Compute.TimeoutSeconds)
	assert.Equal(t, "input:main", plan.Steps[0].Compute.Inputs[0].Ref)
}

func TestDecodePlan_Invalid(t *testing.T) {
	_, err := DecodePlan([]byte("{not json"))
	assert.ErrorIs(t, err, ErrPlanDecode)
}
