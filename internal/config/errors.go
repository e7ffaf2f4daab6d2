package config

import "errors"

// Ошибки конфигурации.
var (
	// ErrInvalidConfig — некорректное значение переменной окружения.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrPipelineFile — файл pipeline не читается или не парсится.
	ErrPipelineFile = errors.New("invalid pipeline file")
)
