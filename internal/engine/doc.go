// Package engine содержит статический анализ плана job.
//
// Включает:
//   - dag.go      — построение DAG шагов и детерминированный топологический порядок
//   - validate.go — полная валидация плана до выполнения первого шага
//   - loader.go   — загрузка плана из YAML/JSON файла
//
// Engine не выполняет шаги: он отвечает только на вопрос,
// корректен ли план и в каком порядке его можно исполнить.
package engine
