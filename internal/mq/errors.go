package mq

import "errors"

var (
	// ErrNoChannel — соединение ещё не открыло канал или переподключается.
	ErrNoChannel = errors.New("no channel available")

	// ErrUnknownEventType — тип события не относится к событиям job.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEvent — событие без обязательных полей.
	ErrInvalidEvent = errors.New("invalid event")
)
