package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRef — строка ссылки не распознана.
var ErrInvalidRef = errors.New("invalid dataset reference")

// RefKind — вид ссылки на данные.
type RefKind int

const (
	// RefInput — загруженный датасет: input:<key>.
	RefInput RefKind = iota + 1

	// RefProduct — продукт другого шага: prod:<step_id>:<product_id>.
	RefProduct
)

// Ref — разобранная ссылка на источник данных.
type Ref struct {
	Kind      RefKind
	InputKey  string
	StepID    string
	ProductID string
}

// ParseRef разбирает строку ссылки.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "input:"):
		key := strings.TrimPrefix(s, "input:")
		if key == "" || strings.Contains(key, ":") {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
		}
		return Ref{Kind: RefInput, InputKey: key}, nil
	case strings.HasPrefix(s, "prod:"):
		parts := strings.Split(strings.TrimPrefix(s, "prod:"), ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
		}
		return Ref{Kind: RefProduct, StepID: parts[0], ProductID: parts[1]}, nil
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
}

// String возвращает каноническую форму ссылки.
func (r Ref) String() string {
	switch r.Kind {
	case RefInput:
		return "input:" + r.InputKey
	case RefProduct:
		return "prod:" + r.StepID + ":" + r.ProductID
	default:
		return ""
	}
}

// ProductKey — ключ продукта в рамках одного прогона.
type ProductKey struct {
	StepID    string
	ProductID string
}

// Key возвращает ключ продукта для ссылки prod:.
func (r Ref) Key() ProductKey {
	return ProductKey{StepID: r.StepID, ProductID: r.ProductID}
}
