// dbtflow-alerter — доставляет уведомления из очереди alerts.outbox.
//
// Alerter:
//   - Потребляет сообщения alert, опубликованные планировщиком
//     с NOTIFY_TRANSPORT=amqp
//   - Отправляет письма через SMTP
//   - Недоставленные сообщения уходят в alerts.dlq
//
// Alerter масштабируется горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collectibles/dbtflow/internal/config"
	"github.com/collectibles/dbtflow/internal/mq"
	"github.com/collectibles/dbtflow/internal/notify"
	"github.com/collectibles/dbtflow/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting dbtflow-alerter")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.SMTP.Addr == "" {
		logger.Error("SMTP_ADDR is required")
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mqConn, err := mq.NewConnection(cfg.RabbitMQ(), "dbtflow-alerter", logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueAlerts),
		Handler:  notify.RelayHandler(notify.NewSMTPNotifier(cfg.SMTP), logger),
		Prefetch: 4,
		Requeue:  false,
	})

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", "error", err)
			cancel()
		}
	}()

	// HTTP: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("amqp disconnected"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.AlerterPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// consumer останавливается по отмене ctx
	<-consumerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("dbtflow-alerter stopped")
}
