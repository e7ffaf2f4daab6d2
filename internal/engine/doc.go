// Package engine содержит сборку и валидацию pipeline.
//
// Включает:
//   - parser.go   — сборка PipelineSpec из PipelineDef (defaults → шаги) и валидация
//   - template.go — рендеринг команд шагов (Go templates: {{ .RunID }}, {{ .LogicalDate }})
//
// Pipeline линейный: порядок шагов — это порядок в срезе Steps,
// графа зависимостей нет.
package engine
