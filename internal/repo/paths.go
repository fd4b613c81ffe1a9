package repo

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// idPattern — допустимые tenant_id и job_id: один безопасный сегмент пути.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Layout — раскладка данных job на диске:
//
//	<root>/tenants/<tenant>/jobs/<shard>/<job_id>/job.json
//
// shard — два первых hex-символа sha256(job_id). Старые записи без шарда
// (<root>/tenants/<tenant>/jobs/<job_id>/) читаются как есть.
type Layout struct {
	Root string
}

// ValidateID проверяет tenant_id или job_id.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) || strings.Trim(id, ".") == "" {
		return fmt.Errorf("%w: invalid %s %q", ErrUnsafePath, kind, id)
	}
	return nil
}

// Shard возвращает двухсимвольный шард для job_id.
func Shard(jobID string) string {
	sum := sha256.Sum256([]byte(jobID))
	return hex.EncodeToString(sum[:1])
}

func (l Layout) tenantJobsDir(tenantID string) string {
	return filepath.Join(l.Root, "tenants", tenantID, "jobs")
}

func (l Layout) shardedDir(tenantID, jobID string) string {
	return filepath.Join(l.tenantJobsDir(tenantID), Shard(jobID), jobID)
}

func (l Layout) legacyDir(tenantID, jobID string) string {
	return filepath.Join(l.tenantJobsDir(tenantID), jobID)
}

// JobDir возвращает директорию job. Для записей без шарда
// возвращается legacy-директория.
func (l Layout) JobDir(tenantID, jobID string) (string, error) {
	if err := ValidateID("tenant_id", tenantID); err != nil {
		return "", err
	}
	if err := ValidateID("job_id", jobID); err != nil {
		return "", err
	}

	sharded := l.shardedDir(tenantID, jobID)
	if fileExists(filepath.Join(sharded, jobFileName)) {
		return sharded, nil
	}
	legacy := l.legacyDir(tenantID, jobID)
	if fileExists(filepath.Join(legacy, jobFileName)) {
		return legacy, nil
	}
	return sharded, nil
}

// ValidateRelPath проверяет относительный POSIX-путь артефакта.
func ValidateRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafePath)
	}
	if strings.Contains(rel, `\`) || strings.ContainsRune(rel, 0) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: absolute path %q", ErrUnsafePath, rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %q escapes job directory", ErrUnsafePath, rel)
	}
	return nil
}

// SafeJoin соединяет базовую директорию и относительный путь.
//
// Кроме лексической проверки, разрешает симлинки в уже существующей
// части пути: итоговый путь не должен выводить за пределы base.
func SafeJoin(base, rel string) (string, error) {
	if err := ValidateRelPath(rel); err != nil {
		return "", err
	}

	full := filepath.Join(base, filepath.FromSlash(path.Clean(rel)))

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// База ещё не создана — внутри неё нет симлинков.
			return full, nil
		}
		return "", fmt.Errorf("resolve base: %w", err)
	}

	// Самый длинный существующий префикс пути
	existing := full
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	realExisting, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if !within(realBase, realExisting) {
		return "", fmt.Errorf("%w: %q resolves outside job directory", ErrUnsafePath, rel)
	}
	return full, nil
}

func within(base, target string) bool {
	relative, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return relative == "." || (relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator)))
}

// WriteFileAtomic пишет файл через временный файл и rename:
// читатель видит либо старое, либо новое содержимое целиком.
func WriteFileAtomic(name string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // после rename — no-op

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteArtifact атомарно пишет артефакт по относительному пути внутри jobDir.
func WriteArtifact(jobDir, rel string, data []byte) error {
	full, err := SafeJoin(jobDir, rel)
	if err != nil {
		return err
	}
	return WriteFileAtomic(full, data, 0o644)
}

func fileExists(name string) bool {
	info, err := os.Stat(name)
	return err == nil && !info.IsDir()
}
