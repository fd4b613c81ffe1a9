// Package queue реализует файловую очередь job с арендой (lease).
//
// Состояния записи:
//
//	queued/<job_id>.json → claimed/<job_id>.json → (ack | release → queued | expiry → queued)
//
// Переходы между директориями атомарны: запись публикуется через
// hard link временного файла (без перезаписи существующего) и удаление
// исходного. Просроченные аренды возвращаются в очередь лениво —
// любым следующим Claim, без отдельного процесса-уборщика.
package queue
