package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Statflow/internal/domain"
)

// genStep — минимальный шаг generate_artifact для тестов графа.
func genStep(id string, deps ...string) domain.Step {
	return domain.Step{
		ID:        id,
		Type:      domain.StepGenerateArtifact,
		DependsOn: deps,
		Generate:  &domain.GenerateParams{StepCommon: domain.StepCommon{TemplateID: "describe"}},
	}
}

func TestBuildDAG_SimpleChain(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("A"),
		genStep("B", "A"),
		genStep("C", "B"),
	}}

	dag, err := BuildDAG(plan)
	require.NoError(t, err)

	assert.Equal(t, 3, dag.Size())
	require.Len(t, dag.RootNodes, 1)
	assert.Equal(t, "A", dag.RootNodes[0].ID)
	assert.Equal(t, []string{"A", "B", "C"}, dag.OrderIDs())

	nodeC := dag.GetNode("C")
	require.Len(t, nodeC.DependsOn, 1)
	assert.Equal(t, "B", nodeC.DependsOn[0].ID)
}

func TestBuildDAG_Diamond(t *testing.T) {
	// A → B → D
	// A → C → D
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("A"),
		genStep("B", "A"),
		genStep("C", "A"),
		genStep("D", "B", "C"),
	}}

	dag, err := BuildDAG(plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, dag.OrderIDs())
	assert.Equal(t, 2, dag.GetNode("D").InDegree)
	assert.Len(t, dag.GetNode("A").Dependents, 2)

	anc := dag.Ancestors("D")
	assert.Len(t, anc, 3)
	assert.Contains(t, anc, "A")
}

func TestBuildDAG_TieBreakFollowsDeclarationOrder(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("zeta"),
		genStep("alpha"),
		genStep("mid", "zeta"),
		genStep("beta", "alpha"),
	}}

	for i := 0; i < 20; i++ {
		dag, err := BuildDAG(plan)
		require.NoError(t, err)
		assert.Equal(t, []string{"zeta", "alpha", "mid", "beta"}, dag.OrderIDs())
	}
}

func TestBuildDAG_Cycle(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("A", "C"),
		genStep("B", "A"),
		genStep("C", "B"),
		genStep("D"),
	}}

	_, err := BuildDAG(plan)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, domain.ErrorDependencyCycle, ve.Code())
	assert.Contains(t, ve.Error(), "[A B C]")
}

func TestBuildDAG_MissingDependency(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("A"),
		genStep("B", "ghost"),
	}}

	_, err := BuildDAG(plan)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestBuildDAG_DuplicateID(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{genStep("A"), genStep("A")}}

	_, err := BuildDAG(plan)
	assert.ErrorIs(t, err, ErrDuplicateStepID)
}

func TestBuildDAG_DuplicateEdgeCountedOnce(t *testing.T) {
	plan := &domain.Plan{Steps: []domain.Step{
		genStep("A"),
		genStep("B", "A", "A"),
	}}

	dag, err := BuildDAG(plan)
	require.NoError(t, err)
	assert.Equal(t, 1, dag.GetNode("B").InDegree)
}
