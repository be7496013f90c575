package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"execution-core/internal/events"
)

// AlertSink delivers one alert.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, a events.Alert) error
}

// Subscriber is the bus side the notifier listens on.
type Subscriber interface {
	Subscribe(e events.Event, buffer int) (<-chan any, func())
}

// Notifier fans alert events out to sinks. Publishers never wait on it:
// the bus drops alerts when the buffer is full.
type Notifier struct {
	sinks   []AlertSink
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewNotifier builds a notifier; timeout bounds every single send.
func NewNotifier(timeout time.Duration, log *zap.SugaredLogger, sinks ...AlertSink) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Notifier{sinks: sinks, timeout: timeout, log: log}
}

// Start consumes alerts until ctx is done.
func (n *Notifier) Start(ctx context.Context, bus Subscriber) error {
	stream, unsub := bus.Subscribe(events.EventAlert, 64)
	defer unsub()
	n.log.Infow("alert notifier started", "sinks", len(n.sinks))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			a, ok := msg.(events.Alert)
			if !ok {
				continue
			}
			n.Deliver(ctx, a)
		}
	}
}

// Deliver sends a to every sink; a failing sink does not stop the others.
func (n *Notifier) Deliver(ctx context.Context, a events.Alert) {
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := s.Send(sctx, a); err != nil {
			n.log.Warnw("alert delivery failed", "sink", s.Name(), "kind", a.Kind, "error", err)
		}
		cancel()
	}
}

func formatAlert(a events.Alert) string {
	return fmt.Sprintf("[%s] %s strategy=%s symbol=%s: %s",
		a.Timestamp.Format(time.RFC3339), a.Kind, a.StrategyID, a.Symbol, a.Reason)
}

// LogSink writes alerts to the service log.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a events.Alert) error {
	s.Log.Warnw("ALERT", "kind", a.Kind, "strategy_id", a.StrategyID, "symbol", a.Symbol,
		"reason", a.Reason, "timestamp", a.Timestamp)
	return nil
}

// WebhookSink POSTs the alert as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s WebhookSink) Name() string { return "webhook" }

func (s WebhookSink) Send(ctx context.Context, a events.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailSink mails alerts through SMTP.
type EmailSink struct {
	cfg  EmailConfig
	send func(m *gomail.Message) error
}

// NewEmailSink validates cfg and returns the sink.
func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp host, sender and recipients are required")
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &EmailSink{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}, nil
}

func (s *EmailSink) Name() string { return "email" }

// Send runs the SMTP exchange in its own goroutine so ctx can cut it short.
func (s *EmailSink) Send(ctx context.Context, a events.Alert) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[execution-core] %s %s", a.Kind, a.Symbol))
	m.SetBody("text/plain", formatAlert(a))

	done := make(chan error, 1)
	go func() { done <- s.send(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email to %s: %w", strings.Join(s.cfg.To, ","), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
