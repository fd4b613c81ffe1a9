// Package mq публикует и потребляет события жизненного цикла job
// через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с переподключением
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий job
//   - consumer.go   — потребление с ack/nack и DLQ
//
// Типы событий (routing key = тип):
//   - job.succeeded — job завершился успешно
//   - job.failed    — попытки исчерпаны, job в FAILED
//   - job.retrying  — попытка упала, следующая после backoff
//
// События информационные: статус job определяется хранилищем,
// а не доставкой сообщений.
package mq
