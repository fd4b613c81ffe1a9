package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/generate"
	"github.com/shaiso/Statflow/internal/repo"
	"github.com/shaiso/Statflow/internal/runner"
)

// Имена внутри директории шага и прогона.
const (
	inputsDir          = "inputs"
	inputsManifestName = "inputs_manifest.json"
	generationDir      = "generation"
	productsDir        = "products"

	SummaryName  = "pipeline.summary.json"
	RunErrorName = "run.error.json"
)

// materialize копирует источники привязок в runs/<run_id>/inputs/ и пишет
// манифест подготовленных входов. Генерация читает только этот манифест.
func (e *Executor) materialize(req Request, state *ExecutionState, step *domain.Step, runID string) (*domain.StagedInputs, []BindingTrace, *StepError) {
	staged := &domain.StagedInputs{
		SchemaVersion: domain.CurrentManifestSchemaVersion,
		JobID:         req.Job.JobID,
		StepID:        step.ID,
		Inputs:        []domain.StagedInput{},
	}
	var traces []BindingTrace

	common := step.Common()
	if common == nil {
		return nil, nil, stepError(domain.ErrorPlanInvalid, step.ID, nil, "step has no parameters")
	}

	for _, binding := range common.Inputs {
		ref, err := domain.ParseRef(binding.Ref)
		if err != nil {
			return nil, traces, stepError(domain.ErrorPlanInvalid, step.ID, err, "role %s", binding.Role)
		}
		if err := repo.ValidateID("role", binding.Role); err != nil {
			return nil, traces, stepError(domain.ErrorPlanInvalid, step.ID, err, "role cannot name a file")
		}

		var (
			source    string
			sourceRel string
			format    string
		)
		switch ref.Kind {
		case domain.RefInput:
			ds, ok := req.Manifest.Lookup(ref.InputKey)
			if !ok {
				return nil, traces, stepError(domain.ErrorInputMissing, step.ID, nil,
					"role %s: dataset %q is not in the inputs manifest", binding.Role, ref.InputKey)
			}
			source, err = repo.SafeJoin(req.JobDir, ds.RelPath)
			if err != nil {
				return nil, traces, stepError(domain.ErrorInputMissing, step.ID, err, "role %s", binding.Role)
			}
			sourceRel = ds.RelPath
			format = ds.Format
		case domain.RefProduct:
			product, ok := state.Product(ref.Key())
			if !ok {
				return nil, traces, stepError(domain.ErrorInputMissing, step.ID, nil,
					"role %s: product %s was not registered", binding.Role, ref)
			}
			source = product.Path
			sourceRel = product.RelPath
		}

		ext := strings.ToLower(filepath.Ext(source))
		if ext == "" && format != "" {
			ext = "." + strings.ToLower(format)
		}
		if format == "" {
			format = strings.TrimPrefix(ext, ".")
		}

		fileName := binding.Role + ext
		rel := path.Join(runner.RunRelDir(runID), inputsDir, fileName)
		dst, err := repo.SafeJoin(req.JobDir, rel)
		if err != nil {
			return nil, traces, stepError(domain.ErrorStorage, step.ID, err, "role %s", binding.Role)
		}

		fingerprint, err := copyFile(source, dst)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, traces, stepError(domain.ErrorInputMissing, step.ID, err,
					"role %s: source %s does not exist", binding.Role, sourceRel)
			}
			return nil, traces, stepError(domain.ErrorStorage, step.ID, err, "stage role %s", binding.Role)
		}

		staged.Inputs = append(staged.Inputs, domain.StagedInput{
			Role:        binding.Role,
			Ref:         ref.String(),
			FileName:    fileName,
			RelPath:     rel,
			Path:        dst,
			Format:      format,
			Fingerprint: fingerprint,
		})
		traces = append(traces, BindingTrace{
			Role:     binding.Role,
			Ref:      ref.String(),
			Source:   sourceRel,
			FileName: fileName,
		})
	}

	ref, err := writeJSONArtifact(req.JobDir, path.Join(runner.RunRelDir(runID), inputsManifestName),
		domain.ArtifactStepInputs, staged, runID)
	if err != nil {
		return nil, traces, stepError(domain.ErrorStorage, step.ID, err, "write staged inputs manifest")
	}
	state.AddArtifacts(ref)

	return staged, traces, nil
}

// generationMeta — содержимое generation/meta.json.
type generationMeta struct {
	StepID       string         `json:"step_id"`
	TemplateID   string         `json:"template_id,omitempty"`
	TemplateMeta map[string]any `json:"template_meta,omitempty"`
	OK           bool           `json:"ok"`
	Error        string         `json:"error,omitempty"`
}

// generate рендерит артефакт шага. Доказательства генерации (source,
// meta, params) пишутся и при успехе, и при ошибке.
func (e *Executor) generate(ctx context.Context, req Request, state *ExecutionState, step *domain.Step, runID string, staged *domain.StagedInputs) (string, *StepError) {
	result, genErr := e.gen.Generate(ctx, generate.Request{Step: step, Inputs: staged})
	if result == nil {
		result = &generate.Result{}
	}

	meta := generationMeta{
		StepID:       step.ID,
		TemplateID:   result.TemplateID,
		TemplateMeta: result.TemplateMeta,
		OK:           genErr == nil,
	}
	if genErr != nil {
		meta.Error = genErr.Error()
	}
	params := result.TemplateParams
	if params == nil {
		params = map[string]any{}
	}

	dir := path.Join(runner.RunRelDir(runID), generationDir)
	writes := []struct {
		kind domain.ArtifactKind
		rel  string
		data func() ([]byte, error)
	}{
		{domain.ArtifactGenerationSource, path.Join(dir, "source.do"), func() ([]byte, error) { return []byte(result.Script), nil }},
		{domain.ArtifactGenerationMeta, path.Join(dir, "meta.json"), func() ([]byte, error) { return json.MarshalIndent(meta, "", "  ") }},
		{domain.ArtifactGenerationParams, path.Join(dir, "params.json"), func() ([]byte, error) { return json.MarshalIndent(params, "", "  ") }},
	}
	for _, w := range writes {
		data, err := w.data()
		if err != nil {
			return "", stepError(domain.ErrorStorage, step.ID, err, "encode generation evidence")
		}
		if err := repo.WriteArtifact(req.JobDir, w.rel, data); err != nil {
			return "", stepError(domain.ErrorStorage, step.ID, err, "write generation evidence")
		}
		state.AddArtifacts(newRef(w.kind, w.rel, runID, nil))
	}

	if genErr != nil {
		return "", stepError(domain.ErrorGenerationFailed, step.ID, genErr, "artifact generation failed")
	}
	return result.Script, nil
}

// copyFile копирует файл через временный файл и rename, возвращая sha256.
func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), in); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func writeJSONArtifact(jobDir, rel string, kind domain.ArtifactKind, v any, runID string) (domain.ArtifactRef, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := repo.WriteArtifact(jobDir, rel, data); err != nil {
		return domain.ArtifactRef{}, err
	}
	return newRef(kind, rel, runID, nil), nil
}

func newRef(kind domain.ArtifactKind, rel, runID string, meta map[string]string) domain.ArtifactRef {
	m := map[string]string{"run_id": runID}
	for k, v := range meta {
		m[k] = v
	}
	return domain.ArtifactRef{
		Kind:      kind,
		RelPath:   rel,
		Meta:      m,
		CreatedAt: time.Now().UTC(),
	}
}
