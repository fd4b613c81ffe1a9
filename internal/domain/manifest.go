package domain

// CurrentManifestSchemaVersion — версия формата манифеста датасетов.
const CurrentManifestSchemaVersion = 1

// InputsManifest — манифест загруженных датасетов job.
type InputsManifest struct {
	SchemaVersion int       `json:"schema_version"`
	Datasets      []Dataset `json:"datasets"`
}

// Dataset — один загруженный файл.
type Dataset struct {
	// Key — ключ, на который ссылается input:<key>.
	Key string `json:"dataset_key"`

	// Role — роль датасета (primary, secondary, ...).
	Role string `json:"role,omitempty"`

	// RelPath — путь относительно директории job.
	RelPath string `json:"rel_path"`

	// OriginalName — имя файла при загрузке.
	OriginalName string `json:"original_name,omitempty"`

	// Format — csv, dta, xlsx и т.д.
	Format string `json:"format,omitempty"`

	// Fingerprint — sha256 содержимого.
	Fingerprint string `json:"fingerprint"`
}

// Keys возвращает множество ключей датасетов.
func (m *InputsManifest) Keys() map[string]struct{} {
	if m == nil {
		return map[string]struct{}{}
	}
	keys := make(map[string]struct{}, len(m.Datasets))
	for _, ds := range m.Datasets {
		keys[ds.Key] = struct{}{}
	}
	return keys
}

// Lookup ищет датасет по ключу.
func (m *InputsManifest) Lookup(key string) (Dataset, bool) {
	if m == nil {
		return Dataset{}, false
	}
	for _, ds := range m.Datasets {
		if ds.Key == key {
			return ds, true
		}
	}
	return Dataset{}, false
}

// StagedInputs — манифест входов, подготовленных для одного шага.
// Генерация артефакта читает его, а не исходные строки привязок.
type StagedInputs struct {
	SchemaVersion int           `json:"schema_version"`
	JobID         string        `json:"job_id"`
	StepID        string        `json:"step_id"`
	Inputs        []StagedInput `json:"inputs"`
}

// StagedInput — один вход шага, скопированный в директорию inputs/ шага.
type StagedInput struct {
	// Role — роль входа в шаге.
	Role string `json:"role"`

	// Ref — исходная ссылка (input:<key> | prod:<step>:<product>).
	Ref string `json:"ref"`

	// FileName — имя файла внутри директории inputs/ шага.
	FileName string `json:"file_name"`

	// RelPath — путь относительно директории job.
	RelPath string `json:"rel_path"`

	// Path — абсолютный путь на диске воркера.
	Path string `json:"path"`

	// Format — формат файла (csv, dta, ...).
	Format string `json:"format,omitempty"`

	// Fingerprint — sha256 содержимого.
	Fingerprint string `json:"fingerprint"`
}

// ByRole возвращает вход по роли.
func (s *StagedInputs) ByRole(role string) (StagedInput, bool) {
	if s == nil {
		return StagedInput{}, false
	}
	for _, in := range s.Inputs {
		if in.Role == role {
			return in, true
		}
	}
	return StagedInput{}, false
}
