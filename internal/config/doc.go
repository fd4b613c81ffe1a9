// Package config читает конфигурацию процессов Statflow из переменных
// окружения и необязательного .env файла.
package config
