package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns   Exchange = "dbtflow.runs"
	ExchangeAlerts Exchange = "dbtflow.alerts"
	ExchangeDLQ    Exchange = "dbtflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsCompleted Queue = "runs.completed"
	QueueAlerts        Queue = "alerts.outbox"
	QueueDLQAlerts     Queue = "dlq.alerts"
)

// Routing keys.
const (
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyAlert     RoutingKey = "alert"
	RoutingKeyDLQAlerts RoutingKey = "alerts"
)

// binding — привязка очереди к обменнику.
type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
	args       amqp.Table
}

// topology — все очереди и их привязки.
//
//	dbtflow.runs (direct)
//	└── runs.completed [completed]   — события завершения runs для внешних систем
//	dbtflow.alerts (direct)
//	└── alerts.outbox [alert]        — уведомления, consumer: dbtflow-alerter
//	        DLQ: dlq.alerts
//	dbtflow.dlq (direct)
//	└── dlq.alerts [alerts]          — недоставленные уведомления, ручной разбор
var topology = []binding{
	{QueueRunsCompleted, RoutingKeyCompleted, ExchangeRuns, nil},
	{QueueAlerts, RoutingKeyAlert, ExchangeAlerts, amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQAlerts),
	}},
	{QueueDLQAlerts, RoutingKeyDLQAlerts, ExchangeDLQ, nil},
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeRuns, ExchangeAlerts, ExchangeDLQ} {
			err := ch.ExchangeDeclare(
				string(ex), // name
				"direct",   // type
				true,       // durable
				false,      // auto-deleted
				false,      // internal
				false,      // no-wait
				nil,        // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, b := range topology {
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, b.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}
