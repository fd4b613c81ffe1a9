package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/Statflow/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// Step — шаг плана.
	Step *domain.Step

	// ID — идентификатор узла (совпадает с Step.ID).
	ID string

	// Index — позиция шага в плане; используется для детерминированного порядка.
	Index int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф шагов плана.
type DAG struct {
	// Nodes — все узлы графа (stepID → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа), в порядке плана.
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// BuildDAG строит DAG из плана и вычисляет топологический порядок.
//
// Возвращает *ValidationError с ErrMissingDependency, если depends_on
// ссылается на неизвестный шаг, и ErrCyclicDependency при цикле.
func BuildDAG(plan *domain.Plan) (*DAG, error) {
	dag := &DAG{
		Nodes:     make(map[string]*Node, len(plan.Steps)),
		RootNodes: make([]*Node, 0),
	}

	// Первый проход: создаём все узлы
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if _, exists := dag.Nodes[step.ID]; exists {
			return nil, &ValidationError{Issues: []*Issue{
				NewIssue(step.ID, "step_id", fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID),
			}}
		}
		dag.Nodes[step.ID] = &Node{
			Step:       step,
			ID:         step.ID,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
	}

	// Второй проход: связываем узлы по зависимостям
	for i := range plan.Steps {
		if err := dag.linkDependencies(&plan.Steps[i]); err != nil {
			return nil, err
		}
	}

	dag.findRootNodes()

	// Проверяем на циклы и строим топологический порядок
	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// linkDependencies связывает узел с его depends_on.
func (d *DAG) linkDependencies(step *domain.Step) error {
	node := d.Nodes[step.ID]

	for _, depID := range step.DependsOn {
		depNode, exists := d.Nodes[depID]
		if !exists {
			return &ValidationError{Issues: []*Issue{
				NewIssue(step.ID, "depends_on",
					fmt.Sprintf("depends on unknown step: %s", depID), ErrMissingDependency),
			}}
		}
		d.addEdge(depNode, node)
	}

	return nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.ID == from.ID {
			return // уже связаны
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.Nodes {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
	sortByIndex(d.RootNodes)
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
//
// Среди готовых узлов первым берётся объявленный раньше в плане —
// порядок полный и воспроизводимый для одинаковых планов.
// Если после опустошения очереди остались узлы — это цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	// Копируем inDegree, чтобы не модифицировать оригинал
	inDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		// Уменьшаем inDegree у зависимых узлов
		released := false
		for _, dependent := range node.Dependents {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
				released = true
			}
		}
		if released {
			sortByIndex(queue)
		}
	}

	if len(order) != len(d.Nodes) {
		residual := make([]string, 0, len(d.Nodes)-len(order))
		for id, degree := range inDegree {
			if degree > 0 {
				residual = append(residual, id)
			}
		}
		sort.Strings(residual)
		return nil, &ValidationError{Issues: []*Issue{
			NewIssue("", "depends_on",
				fmt.Sprintf("dependency cycle among steps %v", residual), ErrCyclicDependency),
		}}
	}

	return order, nil
}

// OrderIDs возвращает ID шагов в топологическом порядке.
func (d *DAG) OrderIDs() []string {
	ids := make([]string, 0, len(d.Order))
	for _, node := range d.Order {
		ids = append(ids, node.ID)
	}
	return ids
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id string) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// Ancestors возвращает транзитивные зависимости шага.
func (d *DAG) Ancestors(id string) map[string]struct{} {
	return ancestors(id, func(stepID string) []string {
		node := d.Nodes[stepID]
		if node == nil {
			return nil
		}
		ids := make([]string, 0, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			ids = append(ids, dep.ID)
		}
		return ids
	})
}

// ancestors обходит граф зависимостей в глубину.
// Устойчив к циклам и неизвестным ID.
func ancestors(id string, deps func(string) []string) map[string]struct{} {
	seen := make(map[string]struct{})
	stack := append([]string(nil), deps(id)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, deps(cur)...)
	}
	return seen
}

func sortByIndex(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
}
