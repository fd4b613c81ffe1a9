// Package runner запускает сгенерированный артефакт во внешнем
// вычислителе и собирает результаты.
//
// Раскладка одного запуска внутри директории job:
//
//	runs/<run_id>/work/main.do     — скрипт
//	runs/<run_id>/work/exports/    — файлы, экспортированные скриптом
//	runs/<run_id>/stdout.log
//	runs/<run_id>/stderr.log
//	runs/<run_id>/run.meta.json
//
// Subprocess — рабочая реализация, Fake — дубль для тестов.
package runner
