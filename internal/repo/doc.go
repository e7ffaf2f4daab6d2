// Package repo хранит историю runs и реализует лидерский lock.
//
//   - RunRepo      — история runs в PostgreSQL (pgx), таблица pipeline_runs
//   - MemoryStore  — история последних runs в памяти, если БД не настроена
//   - AdvisoryLock — pg_try_advisory_lock для выбора лидера среди планировщиков
//
// Схема лежит в schema.sql и применяется EnsureSchema при старте.
package repo
