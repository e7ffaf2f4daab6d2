package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/collectibles/dbtflow/internal/domain"
	"github.com/collectibles/dbtflow/internal/mq"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/repo"
)

// NotifyTransport — способ доставки уведомлений.
type NotifyTransport string

const (
	// TransportLog — уведомления пишутся в лог.
	TransportLog NotifyTransport = "log"

	// TransportSMTP — письмо отправляется напрямую из планировщика.
	TransportSMTP NotifyTransport = "smtp"

	// TransportAMQP — уведомление публикуется в RabbitMQ, письмо отправляет dbtflow-alerter.
	TransportAMQP NotifyTransport = "amqp"
)

// Значения по умолчанию.
const (
	DefaultPort            = "8081"
	DefaultAlerterPort     = "8082"
	DefaultShutdownTimeout = 5 * time.Minute
)

// Config — конфигурация процессов dbtflow из переменных окружения.
type Config struct {
	// PipelineFile — путь к YAML pipeline (PIPELINE_FILE).
	// Пустой — встроенный DeclaredPipeline.
	PipelineFile string

	// ProjectDir — директория dbt-проекта (DBT_PROJECT_DIR).
	ProjectDir string

	// DatabaseURL — PostgreSQL для истории runs (DB_URL). Пустой — история в памяти.
	DatabaseURL string

	// RabbitMQURL — брокер для событий и уведомлений (RABBITMQ_URL). Пустой — без брокера.
	RabbitMQURL string

	// NotifyTransport — NOTIFY_TRANSPORT: log, smtp, amqp (default: log).
	NotifyTransport NotifyTransport

	// SMTP — SMTP_ADDR, SMTP_FROM, SMTP_USERNAME, SMTP_PASSWORD.
	SMTP notify.SMTPConfig

	// Port — порт HTTP API планировщика (SCHED_PORT).
	Port string

	// AlerterPort — порт /healthz и /metrics dbtflow-alerter (ALERTER_PORT).
	AlerterPort string

	// Timezone — переопределяет часовой пояс расписания (SCHED_TIMEZONE).
	Timezone string

	// LockKey — ключ advisory lock (ADVISORY_LOCK_KEY).
	LockKey int64

	// ShutdownTimeout — сколько ждать активный run при остановке (SHUTDOWN_TIMEOUT).
	ShutdownTimeout time.Duration
}

// FromEnv читает конфигурацию из переменных окружения.
func FromEnv() (*Config, error) {
	cfg := &Config{
		PipelineFile:    os.Getenv("PIPELINE_FILE"),
		ProjectDir:      os.Getenv("DBT_PROJECT_DIR"),
		DatabaseURL:     os.Getenv("DB_URL"),
		RabbitMQURL:     os.Getenv("RABBITMQ_URL"),
		NotifyTransport: NotifyTransport(strings.ToLower(getEnv("NOTIFY_TRANSPORT", string(TransportLog)))),
		SMTP: notify.SMTPConfig{
			Addr:     os.Getenv("SMTP_ADDR"),
			From:     getEnv("SMTP_FROM", "dbtflow@localhost"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
		Port:            getEnv("SCHED_PORT", DefaultPort),
		AlerterPort:     getEnv("ALERTER_PORT", DefaultAlerterPort),
		Timezone:        os.Getenv("SCHED_TIMEZONE"),
		LockKey:         repo.DefaultLockKey,
		ShutdownTimeout: DefaultShutdownTimeout,
	}

	if v := os.Getenv("ADVISORY_LOCK_KEY"); v != "" {
		key, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ADVISORY_LOCK_KEY=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.LockKey = key
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: SHUTDOWN_TIMEOUT=%q", ErrInvalidConfig, v)
		}
		cfg.ShutdownTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.NotifyTransport {
	case TransportLog:
	case TransportSMTP:
		if c.SMTP.Addr == "" {
			return fmt.Errorf("%w: NOTIFY_TRANSPORT=smtp requires SMTP_ADDR", ErrInvalidConfig)
		}
	case TransportAMQP:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("%w: NOTIFY_TRANSPORT=amqp requires RABBITMQ_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown NOTIFY_TRANSPORT %q (want log, smtp or amqp)", ErrInvalidConfig, c.NotifyTransport)
	}

	for name, port := range map[string]string{"SCHED_PORT": c.Port, "ALERTER_PORT": c.AlerterPort} {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, name, port)
		}
	}
	return nil
}

// Pipeline загружает и собирает PipelineSpec: из PipelineFile или встроенный.
func (c *Config) Pipeline() (*domain.PipelineSpec, error) {
	def := DeclaredPipeline()
	if c.PipelineFile != "" {
		var err error
		def, err = LoadPipelineFile(c.PipelineFile)
		if err != nil {
			return nil, err
		}
	}
	return BuildPipeline(def, c.Timezone)
}

// Notifier создаёт Notifier для NotifyTransport.
// Для amqp нужен publisher, для остальных транспортов он не используется.
func (c *Config) Notifier(publisher notify.AlertPublisher, logger *slog.Logger) (notify.Notifier, error) {
	switch c.NotifyTransport {
	case TransportSMTP:
		return notify.NewSMTPNotifier(c.SMTP), nil
	case TransportAMQP:
		if publisher == nil {
			return nil, errors.New("amqp notify transport requires a publisher")
		}
		return notify.NewQueueNotifier(publisher), nil
	default:
		return notify.NewLogNotifier(logger), nil
	}
}

// RabbitMQ возвращает URL брокера, при пустом — mq.DefaultURL().
func (c *Config) RabbitMQ() string {
	if c.RabbitMQURL == "" {
		return mq.DefaultURL()
	}
	return c.RabbitMQURL
}

// getEnv возвращает значение переменной или def, если она пуста.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
