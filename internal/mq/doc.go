// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Типы сообщений:
//   - run.completed — run завершился (SUCCEEDED или FAILED)
//   - alert         — уведомление о падении run или retry шага
//
// Exchanges:
//   - dbtflow.runs   — события runs
//   - dbtflow.alerts — уведомления
//   - dbtflow.dlq    — dead letter queue
package mq
