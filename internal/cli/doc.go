// Package cli реализует команды утилиты dbtflow.
//
// # Локальные команды
//
// run, validate и show работают без планировщика: читают описание
// pipeline (--file, $PIPELINE_FILE или встроенный dbt_collectibles)
// и конфигурацию окружения через internal/config.
//
//	dbtflow validate -f pipelines/dbt_collectibles.yaml
//	dbtflow run --project-dir ./collectibles_dbt
//
// run выполняет шаги в текущем процессе тем же runner, что и
// dbtflow-scheduler. Если заданы DB_URL или RABBITMQ_URL, run
// записывается в историю и публикует run.completed. Упавший run
// завершает команду с ошибкой (exit code 1).
//
// # Команды планировщика
//
// runs list|show|trigger|status обращаются к HTTP API dbtflow-scheduler
// через Client и не импортируют internal/api.
//
// ## Output
//
// Форматирование вывода. Поддерживает режимы:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//   - YAML — только для show --yaml
//
// Данные выводятся в stdout, сообщения (Success/Error) и логи — в stderr.
// Это позволяет использовать pipe: dbtflow runs list --json | jq .
package cli
