// Package worker выполняет job из очереди работ.
//
// # Обзор
//
// Worker — stateless компонент системы Statflow. Всё состояние job
// живёт в JobStore, всё состояние доставки — в очереди. Worker отвечает за:
//
//   - Получение аренды из очереди (polling)
//   - Перевод job в RUNNING до начала работы
//   - Выполнение замороженного плана через pipeline.Executor
//   - Запись каждой попытки в историю job (RunAttempt)
//   - Retry с exponential backoff под той же арендой
//   - Финальный статус, ack и события job
//
// Несколько экземпляров могут работать над одной очередью: аренда
// выдаётся одному воркеру, а истёкшая возвращается в очередь.
//
// # Ключевые компоненты
//
// ## Worker
//
// Создаётся через New(cfg Config) и запускается методом Start(ctx).
//
//	w, err := worker.New(worker.Config{
//	    Store:    store,
//	    Layout:   layout,
//	    Queue:    fileQueue,
//	    Executor: executor,
//	    Logger:   logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ProcessOne обрабатывает ровно одну аренду синхронно.
//
// ## Publisher и Mirror
//
// Опциональные. Publisher получает события job.succeeded, job.failed
// и job.retrying; Mirror — копию артефактов завершённого job.
// Их ошибки логируются и не меняют статус job.
//
// # Обработка аренды
//
//  1. Claim; пустая очередь — ждём следующего тика
//  2. Загрузка job
//  3. SUCCEEDED/FAILED — повторная доставка, ack без выполнения
//  4. QUEUED — перевод в RUNNING и сохранение
//  5. RUNNING — прошлая аренда истекла, незакрытые попытки помечаются
//     упавшими, выполнение начинается заново
//  6. Любой другой статус — release
//  7. Попытки с новым run id до успеха или MaxAttempts
//  8. Финальный статус сохраняется, затем ack
//
// # Retry
//
// delay = BackoffBase * 2^(attempt-1), не больше BackoffMax.
// Невалидный план (plan_invalid, dependency_cycle, dependency_skipped)
// не повторяется.
//
// # Остановка
//
// После отмены контекста текущая попытка получает ShutdownGrace.
// Прерванный job возвращается в QUEUED (RUNNING → FAILED → QUEUED),
// аренда освобождается. Аренда, взятая до старта выполнения,
// освобождается без изменения job.
package worker
