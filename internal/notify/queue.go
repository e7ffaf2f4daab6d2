package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/collectibles/dbtflow/internal/mq"
)

// AlertPublisher публикует уведомление в брокер. Реализуется *mq.Publisher.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert any) error
}

// QueueNotifier кладёт уведомления в очередь alerts.outbox.
// Доставку адресатам выполняет dbtflow-alerter (см. RelayHandler).
type QueueNotifier struct {
	publisher AlertPublisher
}

// NewQueueNotifier создаёт QueueNotifier.
func NewQueueNotifier(publisher AlertPublisher) *QueueNotifier {
	return &QueueNotifier{publisher: publisher}
}

// Notify публикует alert.
func (n *QueueNotifier) Notify(ctx context.Context, alert Alert) error {
	if len(alert.Recipients) == 0 {
		return ErrNoRecipients
	}
	if err := n.publisher.PublishAlert(ctx, alert); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// RelayHandler возвращает обработчик очереди alerts.outbox,
// доставляющий уведомления через target (обычно SMTPNotifier).
//
// Некорректный payload и уведомления без адресатов подтверждаются и
// отбрасываются. Ошибка доставки возвращается consumer'у.
func RelayHandler(target Notifier, logger *slog.Logger) mq.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, d *mq.Delivery) error {
		alert, err := mq.ParsePayload[Alert](&d.Message)
		if err != nil {
			logger.Error("dropping malformed alert", "message_id", d.Message.ID, "error", err)
			return nil
		}

		if err := target.Notify(ctx, alert); err != nil {
			if errors.Is(err, ErrNoRecipients) {
				logger.Warn("dropping alert without recipients",
					"run_id", alert.RunID,
					"step", alert.Step,
				)
				return nil
			}
			return err
		}

		logger.Info("alert delivered",
			"kind", alert.Kind,
			"run_id", alert.RunID,
			"step", alert.Step,
			"recipients", len(alert.Recipients),
		)
		return nil
	}
}
