// Package notify доставляет уведомления о падении runs.
//
// Notifier — интерфейс доставки. Реализации:
//   - SMTPNotifier  — письмо через SMTP (net/smtp, STARTTLS, PLAIN auth)
//   - QueueNotifier — публикация в RabbitMQ (alerts.outbox), письма
//     отправляет отдельный процесс dbtflow-alerter через RelayHandler
//   - LogNotifier   — запись в лог (локальный запуск, отладка)
//
// Runner вызывает Notify ровно один раз на упавший run. Повторов
// доставки нет: ошибка логируется и считается в метрике
// dbtflow_notifications_total.
package notify
