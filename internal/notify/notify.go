package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind — вид уведомления.
type Kind string

const (
	// KindFailure — run завершился с FAILED.
	KindFailure Kind = "failure"

	// KindRetry — шаг упал и будет перезапущен.
	KindRetry Kind = "retry"
)

// Alert — уведомление для получателей pipeline.
type Alert struct {
	Kind        Kind      `json:"kind"`
	Recipients  []string  `json:"recipients"`
	PipelineID  string    `json:"pipeline_id"`
	RunID       uuid.UUID `json:"run_id"`
	Step        string    `json:"step"`
	Reason      string    `json:"reason"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	LogicalTime time.Time `json:"logical_time"`
	StartedAt   time.Time `json:"started_at"`
	OutputTail  string    `json:"output_tail,omitempty"`
}

// Notifier доставляет уведомления.
//
// Реализации: SMTPNotifier, QueueNotifier, LogNotifier.
// Ошибка доставки возвращается вызывающему; повторов Notifier не делает.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Subject возвращает тему письма.
func (a Alert) Subject() string {
	switch a.Kind {
	case KindRetry:
		return fmt.Sprintf("[dbtflow] Retry: %s.%s attempt %d/%d", a.PipelineID, a.Step, a.Attempt, a.MaxAttempts)
	default:
		return fmt.Sprintf("[dbtflow] Failed: %s.%s (run %s)", a.PipelineID, a.Step, a.RunID)
	}
}

// Body возвращает человекочитаемый текст уведомления.
func (a Alert) Body() string {
	var b strings.Builder

	if a.Kind == KindRetry {
		fmt.Fprintf(&b, "Step %q of pipeline %q failed and will be retried.\n\n", a.Step, a.PipelineID)
	} else {
		fmt.Fprintf(&b, "Pipeline %q failed at step %q.\n\n", a.PipelineID, a.Step)
	}

	fmt.Fprintf(&b, "Run:          %s\n", a.RunID)
	fmt.Fprintf(&b, "Logical time: %s\n", a.LogicalTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Started at:   %s\n", a.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Attempt:      %d of %d\n", a.Attempt, a.MaxAttempts)
	fmt.Fprintf(&b, "Reason:       %s\n", a.Reason)

	if a.OutputTail != "" {
		b.WriteString("\nLast output:\n")
		b.WriteString(a.OutputTail)
		if !strings.HasSuffix(a.OutputTail, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}
