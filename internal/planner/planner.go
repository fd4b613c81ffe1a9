package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Statflow/internal/domain"
)

// Request — вход планировщика.
type Request struct {
	TenantID    string
	JobID       string
	Requirement string

	// Manifest — загруженные датасеты; ключи доступны как input:<key>.
	Manifest *domain.InputsManifest
}

// Planner предлагает черновик плана.
type Planner interface {
	Propose(ctx context.Context, req Request) (*domain.Plan, error)
}

// Static — Planner, возвращающий копию заданного плана.
type Static struct {
	Plan *domain.Plan
	Err  error

	// Requests — полученные запросы.
	Requests []Request
}

func (s *Static) Propose(_ context.Context, req Request) (*domain.Plan, error) {
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Plan == nil || len(s.Plan.Steps) == 0 {
		return nil, ErrEmptyProposal
	}
	return clonePlan(s.Plan)
}

func clonePlan(p *domain.Plan) (*domain.Plan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("clone plan: %w", err)
	}
	var out domain.Plan
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone plan: %w", err)
	}
	return &out, nil
}
