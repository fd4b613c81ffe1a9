package generate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	metaFileName   = "template.yaml"
	sourceFileName = "template.do"
)

var templateIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Template — шаблон исполняемого артефакта.
type Template struct {
	Meta   Meta
	Source string
}

// Meta — метаданные шаблона (template.yaml).
type Meta struct {
	ID          string      `yaml:"id" json:"id"`
	Version     string      `yaml:"version,omitempty" json:"version,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Roles       []string    `yaml:"roles,omitempty" json:"roles,omitempty"`
	Params      []ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
}

// ParamSpec — объявление параметра шаблона.
type ParamSpec struct {
	Name        string `yaml:"name" json:"name"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Repository — источник шаблонов.
type Repository interface {
	Get(ctx context.Context, templateID string) (*Template, error)
}

// DirRepository читает шаблоны из директории на диске.
type DirRepository struct {
	root string
}

// NewDirRepository создаёт репозиторий с корнем root.
func NewDirRepository(root string) *DirRepository {
	return &DirRepository{root: root}
}

// Get читает шаблон по ID.
func (r *DirRepository) Get(ctx context.Context, templateID string) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !templateIDPattern.MatchString(templateID) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTemplate, templateID)
	}

	dir := filepath.Join(r.root, templateID)
	metaData, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTemplate, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("read template meta: %w", err)
	}

	var meta Meta
	if err := yaml.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("%w: template %s meta: %v", ErrTemplateParse, templateID, err)
	}
	if meta.ID == "" {
		meta.ID = templateID
	}
	if meta.ID != templateID {
		return nil, fmt.Errorf("%w: template directory %s declares id %s", ErrTemplateParse, templateID, meta.ID)
	}

	source, err := os.ReadFile(filepath.Join(dir, sourceFileName))
	if err != nil {
		return nil, fmt.Errorf("read template source: %w", err)
	}

	return &Template{Meta: meta, Source: string(source)}, nil
}

// List возвращает отсортированные ID шаблонов: поддиректории корня
// с template.yaml.
func (r *DirRepository) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !templateIDPattern.MatchString(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.root, entry.Name(), metaFileName)); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryRepository — репозиторий шаблонов в памяти (для тестов).
type MemoryRepository struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewMemoryRepository создаёт репозиторий с указанными шаблонами.
func NewMemoryRepository(templates ...*Template) *MemoryRepository {
	r := &MemoryRepository{templates: make(map[string]*Template)}
	for _, t := range templates {
		r.Put(t)
	}
	return r
}

// Put добавляет или заменяет шаблон.
func (r *MemoryRepository) Put(t *Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Meta.ID] = t
}

func (r *MemoryRepository) Get(_ context.Context, templateID string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTemplate, templateID)
	}
	return t, nil
}
