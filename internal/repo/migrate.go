package repo

import (
	"fmt"

	"github.com/shaiso/Statflow/internal/domain"
)

// migrations[v] переводит запись из версии v в v+1.
var migrations = map[int]func(map[string]any){
	1: migrateV1,
}

// migrate поднимает запись до domain.CurrentJobSchemaVersion.
// Отсутствующий schema_version означает версию 1.
// Запись из будущей версии не читается.
func migrate(raw map[string]any) error {
	version := 1
	if v, ok := raw["schema_version"]; ok && v != nil {
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) || f < 1 {
			return fmt.Errorf("%w: invalid schema_version %v", ErrDataCorrupted, v)
		}
		version = int(f)
	}

	if version > domain.CurrentJobSchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %d", ErrDataCorrupted, version)
	}

	for version < domain.CurrentJobSchemaVersion {
		step, ok := migrations[version]
		if !ok {
			return fmt.Errorf("%w: no migration from schema_version %d", ErrDataCorrupted, version)
		}
		step(raw)
		version++
		raw["schema_version"] = version
	}
	return nil
}

// migrateV1: artifacts → artifacts_index, версия записи по умолчанию 1.
func migrateV1(raw map[string]any) {
	if _, ok := raw["artifacts_index"]; !ok {
		if legacy, ok := raw["artifacts"]; ok {
			raw["artifacts_index"] = legacy
		}
	}
	delete(raw, "artifacts")

	if _, ok := raw["version"]; !ok {
		raw["version"] = 1
	}
	if runs, ok := raw["runs"]; !ok || runs == nil {
		raw["runs"] = []any{}
	}
}
