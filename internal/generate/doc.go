// Package generate генерирует исполняемый артефакт шага (do-файл)
// из шаблона и манифеста подготовленных входов.
//
// Репозиторий шаблонов — директория, где каждый шаблон лежит в своей
// поддиректории:
//
//	<templates>/<template_id>/template.yaml  — метаданные и параметры
//	<templates>/<template_id>/template.do    — text/template исходник
//
// Генерация не имеет состояния: всё, что нужно, приходит в Request.
package generate
