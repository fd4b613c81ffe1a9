package pipeline

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/runner"
)

// registerProducts вычисляет объявленные продукты шага и регистрирует их
// под (step_id, product_id) для последующих шагов.
func (e *Executor) registerProducts(req Request, state *ExecutionState, step *domain.Step, runID string, staged *domain.StagedInputs, exports []domain.ArtifactRef) ([]Product, *StepError) {
	common := step.Common()
	if common == nil || len(common.Products) == 0 {
		return nil, nil
	}

	products := make([]Product, 0, len(common.Products))
	for _, decl := range common.Products {
		var (
			product Product
			serr    *StepError
		)
		switch decl.Kind {
		case domain.ProductDataset:
			product, serr = e.copyDataset(req, step, runID, decl, staged)
		case domain.ProductMergedDataset:
			product, serr = e.mergeDataset(req, state, step, runID, decl, staged)
		case domain.ProductTable:
			product, serr = e.exportTable(req, step, runID, decl, exports)
		default:
			serr = stepError(domain.ErrorProductFailed, step.ID, nil, "product %s has unknown kind %q", decl.ProductID, decl.Kind)
		}
		if serr != nil {
			return products, serr
		}

		state.RegisterProduct(product)
		state.AddArtifacts(newRef(domain.ArtifactProduct, product.RelPath, runID, map[string]string{
			"step_id":    product.StepID,
			"product_id": product.ProductID,
			"kind":       string(product.Kind),
		}))
		products = append(products, product)
	}
	return products, nil
}

// copyDataset — продукт dataset: копия подготовленного входа (Source — роль).
func (e *Executor) copyDataset(req Request, step *domain.Step, runID string, decl domain.ProductDecl, staged *domain.StagedInputs) (Product, *StepError) {
	role := decl.Source
	if role == "" && len(staged.Inputs) == 1 {
		role = staged.Inputs[0].Role
	}
	in, ok := staged.ByRole(role)
	if !ok {
		return Product{}, stepError(domain.ErrorProductFailed, step.ID, nil,
			"product %s: input role %q was not staged", decl.ProductID, role)
	}
	return e.placeProduct(req, step, runID, decl, in.Path, filepath.Ext(in.FileName))
}

// exportTable — продукт table: файл, экспортированный вычислителем.
func (e *Executor) exportTable(req Request, step *domain.Step, runID string, decl domain.ProductDecl, exports []domain.ArtifactRef) (Product, *StepError) {
	name := decl.Source
	if name == "" {
		name = decl.ProductID + ".csv"
	}

	found := false
	for _, ref := range exports {
		if ref.Meta["name"] == name {
			found = true
			break
		}
	}
	if !found {
		return Product{}, stepError(domain.ErrorProductFailed, step.ID, nil,
			"product %s: compute did not export %q", decl.ProductID, name)
	}

	src, err := repo.SafeJoin(req.JobDir, path.Join(runner.ExportsRelDir(runID), name))
	if err != nil {
		return Product{}, stepError(domain.ErrorProductFailed, step.ID, err, "product %s", decl.ProductID)
	}
	return e.placeProduct(req, step, runID, decl, src, filepath.Ext(name))
}

// mergeDataset — продукт merged_dataset: CSV join/append входов по MergeSpec.
func (e *Executor) mergeDataset(req Request, state *ExecutionState, step *domain.Step, runID string, decl domain.ProductDecl, staged *domain.StagedInputs) (Product, *StepError) {
	if decl.Merge == nil {
		return Product{}, stepError(domain.ErrorProductFailed, step.ID, nil, "product %s has no merge spec", decl.ProductID)
	}

	inputs := make([]mergeInput, 0, len(decl.Merge.Roles))
	for _, role := range decl.Merge.Roles {
		in, ok := staged.ByRole(role)
		if !ok {
			return Product{}, stepError(domain.ErrorProductFailed, step.ID, nil,
				"product %s: input role %q was not staged", decl.ProductID, role)
		}
		inputs = append(inputs, mergeInput{Role: role, Path: in.Path})
	}

	rel := path.Join(runner.RunRelDir(runID), productsDir, decl.ProductID+".csv")
	dst, err := repo.SafeJoin(req.JobDir, rel)
	if err != nil {
		return Product{}, stepError(domain.ErrorStorage, step.ID, err, "product %s", decl.ProductID)
	}

	strategy := decl.Merge.Strategy
	if strategy == "" {
		strategy = domain.MergeJoin
	}
	stats, err := mergeCSV(dst, inputs, strategy, decl.Merge.Keys)
	if err != nil {
		return Product{}, stepError(domain.ErrorProductFailed, step.ID, err, "merge product %s", decl.ProductID)
	}

	state.AddDecision(Decision{
		"type":         "merge",
		"step_id":      step.ID,
		"product_id":   decl.ProductID,
		"strategy":     string(strategy),
		"keys":         nonNilStrings(decl.Merge.Keys),
		"roles":        decl.Merge.Roles,
		"left_rows":    stats.LeftRows,
		"right_rows":   stats.RightRows,
		"matched_rows": stats.MatchedRows,
		"output_rows":  stats.OutputRows,
		"columns":      stats.Columns,
	})

	return Product{
		StepID:    step.ID,
		ProductID: decl.ProductID,
		Kind:      decl.Kind,
		RelPath:   rel,
		Path:      dst,
	}, nil
}

// placeProduct копирует файл в runs/<run_id>/products/<product_id><ext>.
func (e *Executor) placeProduct(req Request, step *domain.Step, runID string, decl domain.ProductDecl, src, ext string) (Product, *StepError) {
	rel := path.Join(runner.RunRelDir(runID), productsDir, decl.ProductID+strings.ToLower(ext))
	dst, err := repo.SafeJoin(req.JobDir, rel)
	if err != nil {
		return Product{}, stepError(domain.ErrorStorage, step.ID, err, "product %s", decl.ProductID)
	}
	if _, err := copyFile(src, dst); err != nil {
		code := domain.ErrorStorage
		if errors.Is(err, fs.ErrNotExist) {
			code = domain.ErrorProductFailed
		}
		return Product{}, stepError(code, step.ID, err, "place product %s", decl.ProductID)
	}
	return Product{
		StepID:    step.ID,
		ProductID: decl.ProductID,
		Kind:      decl.Kind,
		RelPath:   rel,
		Path:      dst,
	}, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
