package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrNoRecipients — в уведомлении нет адресатов.
var ErrNoRecipients = errors.New("alert has no recipients")

// SMTPConfig — параметры SMTP-сервера.
type SMTPConfig struct {
	// Addr — адрес сервера "host:port".
	Addr string

	// From — адрес отправителя.
	From string

	// Username, Password — для PLAIN auth. Пустой Username — без авторизации.
	Username string
	Password string

	// Timeout — таймаут всей отправки, если у ctx нет дедлайна (default: 30s).
	Timeout time.Duration
}

// sendFunc отправляет готовое письмо. Подменяется в тестах.
type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// SMTPNotifier отправляет уведомления письмом.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTPNotifier создаёт SMTPNotifier.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	n := &SMTPNotifier{cfg: cfg, now: time.Now}
	n.send = n.sendSMTP
	return n
}

// Notify отправляет письмо всем получателям alert.
func (n *SMTPNotifier) Notify(ctx context.Context, alert Alert) error {
	if len(alert.Recipients) == 0 {
		return ErrNoRecipients
	}

	msg := n.buildMessage(alert)
	if err := n.send(ctx, n.cfg.From, alert.Recipients, msg); err != nil {
		return fmt.Errorf("send mail via %s: %w", n.cfg.Addr, err)
	}
	return nil
}

// buildMessage формирует письмо (RFC 5322, text/plain, CRLF).
func (n *SMTPNotifier) buildMessage(alert Alert) []byte {
	headers := []string{
		"From: " + n.cfg.From,
		"To: " + strings.Join(alert.Recipients, ", "),
		"Subject: " + alert.Subject(),
		"Date: " + n.now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"X-Dbtflow-Run-Id: " + alert.RunID.String(),
	}

	body := strings.ReplaceAll(alert.Body(), "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")

	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)
}

// sendSMTP — отправка через net/smtp с учётом ctx.
func (n *SMTPNotifier) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.Timeout)
		defer cancel()
	}

	host, _, err := net.SplitHostPort(n.cfg.Addr)
	if err != nil {
		return fmt.Errorf("parse smtp addr: %w", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", n.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if n.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}

	return client.Quit()
}
