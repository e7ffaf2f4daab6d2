// Package telemetry обеспечивает наблюдаемость dbtflow.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики runs и шагов
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
