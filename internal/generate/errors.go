package generate

import "errors"

// Типизированные ошибки генерации.
var (
	// ErrUnsupportedTemplate — шаблон не найден в репозитории.
	ErrUnsupportedTemplate = errors.New("unsupported template")

	// ErrInvalidManifest — манифест входов не подходит шаблону.
	ErrInvalidManifest = errors.New("invalid inputs manifest")

	// ErrInvalidPlan — параметры шага не подходят шаблону.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse error")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render error")
)
