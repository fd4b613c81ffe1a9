package objectstore

import "errors"

var (
	// ErrInvalidConfig — неполная конфигурация хранилища.
	ErrInvalidConfig = errors.New("invalid object store config")

	// ErrNotInitialized — зеркало создано без клиента.
	ErrNotInitialized = errors.New("object store not initialized")
)
