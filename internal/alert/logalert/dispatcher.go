// Package logalert is the fallback alert channel: alerts land in the
// structured log stream when no broker is configured.
package logalert

import (
	"context"
	"log/slog"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
)

// Dispatcher writes alerts to the logger.
type Dispatcher struct {
	logger *slog.Logger
}

var _ ports.AlertDispatcher = (*Dispatcher)(nil)

// New creates a Dispatcher. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// Send logs the alert at a level matching its severity. It never fails.
func (d *Dispatcher) Send(ctx context.Context, severity ports.Severity, summary string, details map[string]any) error {
	level := slog.LevelWarn
	if severity == ports.SeverityCritical {
		level = slog.LevelError
	}

	attrs := make([]any, 0, 2+2*len(details))
	attrs = append(attrs, "severity", string(severity))
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	d.logger.Log(ctx, level, "ALERT: "+summary, attrs...)
	return nil
}
