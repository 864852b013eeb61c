// Package alert routes operational alerts raised by the dispatch pipeline.
// Sinks are fire-and-forget: a sink failure is logged and never propagates
// into the path that raised the alert.
package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational finding, e.g. a stalled batch or an elevated
// failure rate.
type Alert struct {
	Source   string                 `json:"source"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Sink receives alerts. Push must not block the caller for long and must
// swallow its own errors.
type Sink interface {
	Push(ctx context.Context, a Alert)
}

// LogSink writes alerts to the structured log. It is the default sink and
// always installed; other sinks layer on top via Fanout.
type LogSink struct{}

func (LogSink) Push(_ context.Context, a Alert) {
	fields := []interface{}{"source", a.Source, "severity", string(a.Severity)}
	for k, v := range a.Context {
		fields = append(fields, k, v)
	}
	if a.Severity == SeverityCritical {
		logger.Error("alert: "+a.Message, fields...)
		return
	}
	logger.Warn("alert: "+a.Message, fields...)
}

// PostgresSink persists alerts to the alerts table so the dashboard can
// show history. Insert failures are logged and dropped.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Push(ctx context.Context, a Alert) {
	payload, err := json.Marshal(a.Context)
	if err != nil {
		payload = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, source, severity, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), a.Source, string(a.Severity), a.Message, payload, time.Now().UTC())
	if err != nil {
		logger.Error("alert sink: insert failed", "source", a.Source, "error", err.Error())
	}
}

// Fanout pushes each alert to every sink in order.
type Fanout []Sink

func (f Fanout) Push(ctx context.Context, a Alert) {
	for _, s := range f {
		s.Push(ctx, a)
	}
}
