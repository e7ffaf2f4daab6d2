// Package api содержит HTTP API планировщика.
//
// Структура:
//   - handler.go          — Handler с зависимостями (pipeline, история runs, scheduler)
//   - routes.go           — chi-роутер, /healthz, /metrics
//   - middleware.go       — logging, recovery
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects
//   - pipeline_handler.go — /api/v1/pipeline
//   - run_handler.go      — /api/v1/runs
package api
