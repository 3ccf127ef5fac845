// Package alert delivers operational notifications. Sinks are fire and
// forget: a failing sink logs and drops, it never propagates back into the
// delivery path that raised the alert.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rzbill/relay/pkg/log"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operational notification.
type Alert struct {
	Severity  Severity          `json:"severity"`
	Component string            `json:"component"`
	Summary   string            `json:"summary"`
	Detail    map[string]string `json:"detail,omitempty"`
	RaisedAt  int64             `json:"raised_at_ms"`
}

// Sink accepts alerts. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Notify(ctx context.Context, a Alert)
}

// NewAlert stamps an alert with the current time.
func NewAlert(sev Severity, component, summary string, detail map[string]string) Alert {
	return Alert{
		Severity:  sev,
		Component: component,
		Summary:   summary,
		Detail:    detail,
		RaisedAt:  time.Now().UnixMilli(),
	}
}

// LogSink writes alerts to the process logger.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("alert")}
}

func (s *LogSink) Notify(_ context.Context, a Alert) {
	fields := []log.Field{
		log.Str("severity", string(a.Severity)),
		log.Str("source", a.Component),
	}
	for k, v := range a.Detail {
		fields = append(fields, log.Str(k, v))
	}
	if a.Severity == SeverityCritical {
		s.logger.Error(a.Summary, fields...)
		return
	}
	s.logger.Warn(a.Summary, fields...)
}

// WebhookSink posts alerts as JSON to an HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
	logger log.Logger
}

func NewWebhookSink(url string, logger log.Logger) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.WithComponent("alert"),
	}
}

func (s *WebhookSink) Notify(ctx context.Context, a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		s.logger.Warn("alert encode failed", log.Err(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("alert request failed", log.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("alert webhook unreachable", log.Err(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("alert webhook rejected",
			log.Str("status", fmt.Sprintf("%d", resp.StatusCode)))
	}
}

// Multi fans an alert out to several sinks.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, a Alert) {
	for _, s := range m.sinks {
		s.Notify(ctx, a)
	}
}
