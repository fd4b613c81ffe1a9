// Package cli реализует инструмент командной строки Statflow.
//
// # Обзор
//
// CLI работает напрямую с хранилищем job и очередью работ из той же
// конфигурации (.env и переменные окружения), что и воркер. Команды
// проводят job по жизненному циклу до постановки в очередь; выполнение
// остаётся за statflow-worker.
//
// # Ключевые компоненты
//
// ## Env
//
// Открывает конфигурацию, JobStore, файловую очередь и jobs.Service.
// Планировщик — OpenAI при заданном OPENAI_API_KEY, иначе draft недоступен.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения Success — в stderr:
//
//	statflow job list --json | jq '.[].status'
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - job: create, draft, confirm, enqueue, retry, show, list
//   - plan: validate
//   - queue: list
//   - events: watch
//
// Каждая группа создаётся фабричной функцией (NewJobCmd и т.д.),
// принимающей envFn и outputFn — замыкания для ленивого создания
// Env и Output после парсинга PersistentFlags.
package cli
