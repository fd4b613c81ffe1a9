package engine

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
)

// Analysis — результат успешной валидации плана.
type Analysis struct {
	// Mode — единый режим композиции плана.
	Mode domain.CompositionMode

	// DAG — граф шагов с топологическим порядком.
	DAG *DAG

	// Products — все объявленные продукты (step, product) → объявление.
	Products map[domain.ProductKey]domain.ProductDecl

	// ConditionStep — ID условного шага (только для conditional).
	ConditionStep string
}

// Validate выполняет полную статическую валидацию плана.
//
// knownInputs — множество ключей датасетов из манифеста загрузки.
//
// Все найденные проблемы собираются в один *ValidationError;
// частичного применения нет.
//
// Проверяет:
//   - наличие шагов, уникальность ID, известный тип и template_id
//   - существование depends_on, отсутствие self-dependency и циклов
//   - единый режим композиции по всем шагам
//   - уникальность product_id внутри шага и корректность объявлений продуктов
//   - привязки входов: input:<key> есть в манифесте, prod:<step>:<product>
//     объявлен шагом, который является транзитивной зависимостью потребителя
//   - структурные требования режима (merge, fan-in, единственное условие)
func Validate(plan *domain.Plan, knownInputs map[string]struct{}) (*Analysis, error) {
	issues := &ValidationError{}

	if plan == nil || len(plan.Steps) == 0 {
		issues.Add(NewIssue("", "steps", "plan has no steps", ErrEmptySteps))
		return nil, issues
	}

	v := &validator{
		plan:     plan,
		known:    knownInputs,
		issues:   issues,
		steps:    make(map[string]*domain.Step, len(plan.Steps)),
		products: make(map[domain.ProductKey]domain.ProductDecl),
		modes:    make(map[domain.CompositionMode][]string),
	}

	// Первый проход: шаги, режимы, продукты
	for i := range plan.Steps {
		v.collectStep(&plan.Steps[i])
	}

	mode := v.resolveMode()

	// Граф: зависимости и циклы
	for i := range plan.Steps {
		v.checkDependencies(&plan.Steps[i])
	}

	var dag *DAG
	if len(issues.Issues) == 0 {
		built, err := BuildDAG(plan)
		if err != nil {
			mergeIssues(issues, err)
		} else {
			dag = built
		}
	} else if hasCycle(plan) {
		issues.Add(NewIssue("", "depends_on", "dependency graph contains a cycle", ErrCyclicDependency))
	}

	// Второй проход: привязки входов
	for i := range plan.Steps {
		v.checkBindings(&plan.Steps[i])
	}

	var conditionStep string
	if mode != "" {
		conditionStep = v.checkMode(mode)
	}

	if err := issues.OrNil(); err != nil {
		return nil, err
	}

	return &Analysis{
		Mode:          mode,
		DAG:           dag,
		Products:      v.products,
		ConditionStep: conditionStep,
	}, nil
}

type validator struct {
	plan     *domain.Plan
	known    map[string]struct{}
	issues   *ValidationError
	steps    map[string]*domain.Step
	products map[domain.ProductKey]domain.ProductDecl
	modes    map[domain.CompositionMode][]string
}

// collectStep проверяет сам шаг и собирает его режим и продукты.
func (v *validator) collectStep(step *domain.Step) {
	if strings.TrimSpace(step.ID) == "" {
		v.issues.Add(NewIssue("", "step_id", "step has empty ID", ErrEmptyStepID))
		return
	}
	if _, exists := v.steps[step.ID]; exists {
		v.issues.Add(NewIssue(step.ID, "step_id",
			fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID))
		return
	}
	v.steps[step.ID] = step

	common := step.Common()
	if common == nil {
		v.issues.Add(NewIssue(step.ID, "type",
			fmt.Sprintf("unknown step type: %q", step.Type), ErrUnknownStepType))
		return
	}

	if strings.TrimSpace(common.TemplateID) == "" {
		v.issues.Add(NewIssue(step.ID, "template_id", "template_id is required", ErrMissingTemplate))
	}

	if common.Mode != "" {
		if !common.Mode.IsKnown() {
			v.issues.Add(NewIssue(step.ID, "composition_mode",
				fmt.Sprintf("unknown composition mode: %q", common.Mode), ErrUnknownMode))
		} else {
			v.modes[common.Mode] = append(v.modes[common.Mode], step.ID)
		}
	}

	roles := make(map[string]struct{}, len(common.Inputs))
	for _, binding := range common.Inputs {
		if strings.TrimSpace(binding.Role) == "" {
			v.issues.Add(NewIssue(step.ID, "inputs", "input binding has empty role", ErrInvalidBinding))
			continue
		}
		if _, dup := roles[binding.Role]; dup {
			v.issues.Add(NewIssue(step.ID, "inputs",
				fmt.Sprintf("duplicate input role: %s", binding.Role), ErrDuplicateRole))
		}
		roles[binding.Role] = struct{}{}
	}

	seen := make(map[string]struct{}, len(common.Products))
	for _, product := range common.Products {
		if strings.TrimSpace(product.ProductID) == "" {
			v.issues.Add(NewIssue(step.ID, "products", "product has empty ID", ErrInvalidProduct))
			continue
		}
		if _, dup := seen[product.ProductID]; dup {
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("duplicate product ID: %s", product.ProductID), ErrDuplicateProduct))
			continue
		}
		seen[product.ProductID] = struct{}{}
		v.checkProduct(step, product, roles)
		v.products[domain.ProductKey{StepID: step.ID, ProductID: product.ProductID}] = product
	}
}

// checkProduct проверяет объявление продукта относительно ролей входов шага.
func (v *validator) checkProduct(step *domain.Step, product domain.ProductDecl, roles map[string]struct{}) {
	switch product.Kind {
	case domain.ProductDataset:
		if _, ok := roles[product.Source]; !ok {
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("product %s copies undeclared input role %q", product.ProductID, product.Source), ErrInvalidProduct))
		}
	case domain.ProductMergedDataset:
		if product.Merge == nil || len(product.Merge.Roles) < 2 {
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("product %s must merge at least two input roles", product.ProductID), ErrInvalidProduct))
			return
		}
		for _, role := range product.Merge.Roles {
			if _, ok := roles[role]; !ok {
				v.issues.Add(NewIssue(step.ID, "products",
					fmt.Sprintf("product %s merges undeclared input role %q", product.ProductID, role), ErrInvalidProduct))
			}
		}
		switch product.Merge.Strategy {
		case "", domain.MergeJoin:
			if len(product.Merge.Keys) == 0 {
				v.issues.Add(NewIssue(step.ID, "products",
					fmt.Sprintf("product %s joins without keys", product.ProductID), ErrInvalidProduct))
			}
		case domain.MergeAppend:
		default:
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("product %s has unknown merge strategy %q", product.ProductID, product.Merge.Strategy), ErrInvalidProduct))
		}
	case domain.ProductTable:
		if step.Compute == nil {
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("product %s: table products require a run_compute step", product.ProductID), ErrInvalidProduct))
		}
		if !isPlainFileName(product.Source) {
			v.issues.Add(NewIssue(step.ID, "products",
				fmt.Sprintf("product %s has invalid export name %q", product.ProductID, product.Source), ErrInvalidProduct))
		}
	default:
		v.issues.Add(NewIssue(step.ID, "products",
			fmt.Sprintf("product %s has unknown kind %q", product.ProductID, product.Kind), ErrInvalidProduct))
	}
}

// resolveMode возвращает единый режим плана.
// Несовпадение режимов — ошибка, а не выбор первого.
func (v *validator) resolveMode() domain.CompositionMode {
	switch len(v.modes) {
	case 0:
		return domain.ModeSequential
	case 1:
		for mode := range v.modes {
			return mode
		}
	}

	declared := make([]string, 0, len(v.modes))
	for mode, steps := range v.modes {
		declared = append(declared, fmt.Sprintf("%s%v", mode, steps))
	}
	sort.Strings(declared)
	v.issues.Add(NewIssue("", "composition_mode",
		fmt.Sprintf("steps declare different composition modes: %s", strings.Join(declared, ", ")), ErrModeMismatch))
	return ""
}

// checkDependencies проверяет depends_on шага.
func (v *validator) checkDependencies(step *domain.Step) {
	for _, dep := range step.DependsOn {
		if dep == step.ID {
			v.issues.Add(NewIssue(step.ID, "depends_on", "step depends on itself", ErrSelfDependency))
			continue
		}
		if _, ok := v.steps[dep]; !ok {
			v.issues.Add(NewIssue(step.ID, "depends_on",
				fmt.Sprintf("depends on unknown step: %s", dep), ErrMissingDependency))
		}
	}
}

// checkBindings проверяет ссылки входов шага.
func (v *validator) checkBindings(step *domain.Step) {
	common := step.Common()
	if common == nil {
		return
	}

	var deps map[string]struct{}
	for _, binding := range common.Inputs {
		ref, err := domain.ParseRef(binding.Ref)
		if err != nil {
			v.issues.Add(NewIssue(step.ID, "inputs",
				fmt.Sprintf("role %s: %v", binding.Role, err), ErrInvalidBinding))
			continue
		}

		switch ref.Kind {
		case domain.RefInput:
			if _, ok := v.known[ref.InputKey]; !ok {
				v.issues.Add(NewIssue(step.ID, "inputs",
					fmt.Sprintf("role %s: unknown input dataset %q", binding.Role, ref.InputKey), ErrUnknownInput))
			}
		case domain.RefProduct:
			if _, ok := v.steps[ref.StepID]; !ok {
				v.issues.Add(NewIssue(step.ID, "inputs",
					fmt.Sprintf("role %s: unknown producer step %q", binding.Role, ref.StepID), ErrUnknownProducer))
				continue
			}
			if _, ok := v.products[ref.Key()]; !ok {
				v.issues.Add(NewIssue(step.ID, "inputs",
					fmt.Sprintf("role %s: step %s does not declare product %q", binding.Role, ref.StepID, ref.ProductID), ErrUnknownProduct))
				continue
			}
			if deps == nil {
				deps = v.ancestorsOf(step.ID)
			}
			if _, ok := deps[ref.StepID]; !ok || ref.StepID == step.ID {
				v.issues.Add(NewIssue(step.ID, "inputs",
					fmt.Sprintf("role %s: consumes %s without depending on step %s", binding.Role, ref, ref.StepID), ErrProductNotDependency))
			}
		}
	}
}

// checkMode проверяет структурные требования режима.
// Возвращает ID условного шага для conditional.
func (v *validator) checkMode(mode domain.CompositionMode) string {
	var conditional []*domain.Step
	for i := range v.plan.Steps {
		step := &v.plan.Steps[i]
		if step.Condition() != nil {
			conditional = append(conditional, step)
		}
	}

	if mode != domain.ModeConditional {
		for _, step := range conditional {
			v.issues.Add(NewIssue(step.ID, "condition",
				fmt.Sprintf("condition declared in %s mode", mode), ErrConditionOutsideMode))
		}
	}

	switch mode {
	case domain.ModeMergeThenSequential:
		if !v.hasProductKind(domain.ProductMergedDataset) {
			v.issues.Add(NewIssue("", "products",
				"merge_then_sequential requires a merged_dataset product", ErrMergeMissing))
		}
	case domain.ModeParallelThenAggregate:
		fanIn := false
		for i := range v.plan.Steps {
			if len(v.plan.Steps[i].DependsOn) >= 2 {
				fanIn = true
				break
			}
		}
		if !fanIn {
			v.issues.Add(NewIssue("", "depends_on",
				"parallel_then_aggregate requires a step depending on at least two branches", ErrAggregateMissing))
		}
	case domain.ModeConditional:
		if len(conditional) != 1 {
			v.issues.Add(NewIssue("", "condition",
				fmt.Sprintf("conditional mode requires exactly one condition, found %d", len(conditional)), ErrConditionCount))
			return ""
		}
		v.checkCondition(conditional[0])
		return conditional[0].ID
	}
	return ""
}

// checkCondition проверяет ветки условного шага.
func (v *validator) checkCondition(step *domain.Step) {
	cond := step.Condition()

	if !isPlainFileName(cond.Output) {
		v.issues.Add(NewIssue(step.ID, "condition",
			fmt.Sprintf("condition output %q is not a plain file name", cond.Output), ErrInvalidCondition))
	}
	if len(cond.TrueSteps) == 0 && len(cond.FalseSteps) == 0 {
		v.issues.Add(NewIssue(step.ID, "condition", "condition has no branch steps", ErrInvalidCondition))
	}

	trueSet := make(map[string]struct{}, len(cond.TrueSteps))
	for _, id := range cond.TrueSteps {
		trueSet[id] = struct{}{}
	}
	for _, id := range cond.FalseSteps {
		if _, ok := trueSet[id]; ok {
			v.issues.Add(NewIssue(step.ID, "condition",
				fmt.Sprintf("step %s is listed in both branches", id), ErrBranchOverlap))
		}
	}

	for _, id := range append(append([]string(nil), cond.TrueSteps...), cond.FalseSteps...) {
		if _, ok := v.steps[id]; !ok {
			v.issues.Add(NewIssue(step.ID, "condition",
				fmt.Sprintf("branch references unknown step %s", id), ErrUnknownBranchStep))
			continue
		}
		if _, ok := v.ancestorsOf(id)[step.ID]; !ok {
			v.issues.Add(NewIssue(step.ID, "condition",
				fmt.Sprintf("branch step %s does not depend on %s", id, step.ID), ErrBranchNotDownstream))
		}
	}
}

func (v *validator) hasProductKind(kind domain.ProductKind) bool {
	for _, product := range v.products {
		if product.Kind == kind {
			return true
		}
	}
	return false
}

func (v *validator) ancestorsOf(id string) map[string]struct{} {
	return ancestors(id, func(stepID string) []string {
		step, ok := v.steps[stepID]
		if !ok {
			return nil
		}
		return step.DependsOn
	})
}

// hasCycle — DFS-проверка цикла, устойчивая к неизвестным зависимостям.
func hasCycle(plan *domain.Plan) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	adj := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		adj[step.ID] = step.DependsOn
	}

	state := make(map[string]int, len(adj))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if _, ok := adj[next]; ok && visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for _, step := range plan.Steps {
		if state[step.ID] == unvisited && visit(step.ID) {
			return true
		}
	}
	return false
}

// mergeIssues переносит проблемы из ошибки BuildDAG.
func mergeIssues(dst *ValidationError, err error) {
	if ve, ok := err.(*ValidationError); ok {
		for _, issue := range ve.Issues {
			dst.Add(issue)
		}
		return
	}
	dst.Add(NewIssue("", "", err.Error(), err))
}

// isPlainFileName проверяет, что имя — одиночный POSIX-сегмент без обхода.
func isPlainFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && path.Base(name) == name
}
