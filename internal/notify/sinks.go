package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	logx "alarmd/pkg/logx"
)

// Sink delivers one message to some destination. Implementations must be safe
// for concurrent use; the worker pool calls Deliver from multiple goroutines.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// LogSink writes deliveries to the daemon log. Always present; the log line
// is the minimum viable "the alarm went off" signal for a headless daemon.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, m Message) error {
	s.log.Info("ALARM",
		logx.String("id", m.AlarmID),
		logx.String("label", m.Label),
		logx.String("day", m.Day),
		logx.Time("at", m.At),
		logx.String("text", m.Text))
	return nil
}

// WebhookSink POSTs the message as JSON to a fixed URL. Non-2xx responses
// count as delivery failures and go through the retry loop.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
