package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/shaiso/Statflow/internal/domain"
	"github.com/shaiso/Statflow/internal/repo"
)

// ManifestRelPath — путь манифеста датасетов относительно директории job.
const ManifestRelPath = "inputs/manifest.json"

// Upload — один загружаемый датасет.
type Upload struct {
	// Key — ключ для ссылок input:<key>.
	Key string

	Role string

	// FileName — исходное имя файла; расширение задаёт формат.
	FileName string

	Data io.Reader
}

// ReadManifest читает манифест датасетов job и сверяет отпечаток.
// Job без загруженных датасетов получает пустой манифест.
func ReadManifest(jobDir string, ref *domain.InputsRef) (*domain.InputsManifest, error) {
	if ref == nil {
		return &domain.InputsManifest{SchemaVersion: domain.CurrentManifestSchemaVersion, Datasets: []domain.Dataset{}}, nil
	}

	name, err := repo.SafeJoin(jobDir, ref.ManifestRelPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read inputs manifest: %w", err)
	}
	if ref.Fingerprint != "" && fingerprint(data) != ref.Fingerprint {
		return nil, fmt.Errorf("%w: %s", ErrManifestMismatch, ref.ManifestRelPath)
	}

	var manifest domain.InputsManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode inputs manifest: %w", err)
	}
	return &manifest, nil
}

// stageUploads пишет датасеты в inputs/ и возвращает манифест.
func stageUploads(jobDir string, uploads []Upload) (*domain.InputsManifest, error) {
	manifest := &domain.InputsManifest{
		SchemaVersion: domain.CurrentManifestSchemaVersion,
		Datasets:      make([]domain.Dataset, 0, len(uploads)),
	}

	seen := make(map[string]struct{}, len(uploads))
	for _, up := range uploads {
		if err := repo.ValidateID("dataset_key", up.Key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
		}
		if up.Data == nil {
			return nil, fmt.Errorf("%w: dataset %s has no data", ErrInvalidUpload, up.Key)
		}
		if _, dup := seen[up.Key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDataset, up.Key)
		}
		seen[up.Key] = struct{}{}

		ext := strings.ToLower(path.Ext(filepath.Base(up.FileName)))
		rel := path.Join("inputs", up.Key+ext)
		full, err := repo.SafeJoin(jobDir, rel)
		if err != nil {
			return nil, err
		}

		sum, err := writeStream(full, up.Data)
		if err != nil {
			return nil, fmt.Errorf("store dataset %s: %w", up.Key, err)
		}

		manifest.Datasets = append(manifest.Datasets, domain.Dataset{
			Key:          up.Key,
			Role:         up.Role,
			RelPath:      rel,
			OriginalName: filepath.Base(up.FileName),
			Format:       strings.TrimPrefix(ext, "."),
			Fingerprint:  sum,
		})
	}
	return manifest, nil
}

// writeManifest пишет манифест и возвращает ссылку на него.
func writeManifest(jobDir string, manifest *domain.InputsManifest) (*domain.InputsRef, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal inputs manifest: %w", err)
	}
	if err := repo.WriteArtifact(jobDir, ManifestRelPath, data); err != nil {
		return nil, fmt.Errorf("write inputs manifest: %w", err)
	}
	return &domain.InputsRef{ManifestRelPath: ManifestRelPath, Fingerprint: fingerprint(data)}, nil
}

func writeStream(name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
