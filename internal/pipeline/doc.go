// Package pipeline исполняет замороженный план job.
//
// Один вызов Executor.Execute — один pipeline run:
//
//	pending → per-step{materializing → generating → running → registering} → done | failed
//
// Шаги исполняются последовательно в топологическом порядке.
// Ошибка любого шага фатальна для всего прогона; решение о повторе
// job принимает воркер.
//
// Раскладка прогона внутри директории job:
//
//	runs/<pipeline_run_id>/pipeline.summary.json
//	runs/<pipeline_run_id>/run.error.json            — только при ошибке
//	runs/<pipeline_run_id>__<step_id>/inputs/        — подготовленные входы
//	runs/<pipeline_run_id>__<step_id>/inputs_manifest.json
//	runs/<pipeline_run_id>__<step_id>/generation/    — source.do, meta.json, params.json
//	runs/<pipeline_run_id>__<step_id>/products/      — продукты шага
//	runs/<pipeline_run_id>__<step_id>/work/          — запуск вычислителя
package pipeline
