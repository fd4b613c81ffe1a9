// Package objectstore зеркалирует артефакты завершённых job в
// S3-совместимое хранилище (MinIO).
//
// Зеркало вспомогательное: источник истины остаётся в рабочей
// директории job, а сбой загрузки не меняет статус job.
package objectstore
