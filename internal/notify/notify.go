// Package notify delivers operational events to external channels. Delivery
// is fire-and-forget from the caller's point of view.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity ranks an event.
type Severity string

// Event severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one notification.
type Event struct {
	Kind     string
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
	At       time.Time
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a notifier that logs every event.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []any{"kind", e.Kind, "title", e.Title}
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, level, e.Message, attrs...)
	return nil
}

// Multi fans an event out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
