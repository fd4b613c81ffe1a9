// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики воркера и исполнителя
//
// Воркер экспортирует метрики на /metrics endpoint.
package telemetry
