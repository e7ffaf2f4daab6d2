// Package config читает настройки процессов из переменных окружения
// и загружает описание pipeline.
//
// Переменные:
//
//	PIPELINE_FILE      YAML pipeline (по умолчанию встроенный dbt_collectibles)
//	DBT_PROJECT_DIR    рабочая директория шагов
//	DB_URL             PostgreSQL для истории runs и leader lock
//	RABBITMQ_URL       брокер для run.completed и очереди уведомлений
//	NOTIFY_TRANSPORT   log | smtp | amqp
//	SMTP_ADDR, SMTP_FROM, SMTP_USERNAME, SMTP_PASSWORD
//	SCHED_PORT         порт HTTP API (8081)
//	ALERTER_PORT       порт /metrics dbtflow-alerter (8082)
//	SCHED_TIMEZONE     часовой пояс расписания
//	ADVISORY_LOCK_KEY  ключ pg_try_advisory_lock (424242)
//	SHUTDOWN_TIMEOUT   ожидание активного run при остановке (5m)
package config
