package repo

import "errors"

// Общие ошибки хранилища job.
var (
	// ErrNotFound — запись job не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись job уже существует.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionConflict — сохранённая версия не совпадает с версией,
	// которую вызывающий загрузил последней. Нужно перечитать job.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDataCorrupted — запись нечитаема или её schema_version не поддерживается.
	ErrDataCorrupted = errors.New("data corrupted")

	// ErrUnsafePath — путь выходит за пределы директории job.
	ErrUnsafePath = errors.New("unsafe path")
)
