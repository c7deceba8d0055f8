// Package alert delivers follow-up reminders and persistent notifications
// to the agent outside the control API.
package alert

import (
	"context"
	"errors"
	"log/slog"
)

// Alert types.
const (
	TypeFollowUpDue = "followup_due"
	TypeNotice      = "notice"
)

// Alert is one notification for the agent.
type Alert struct {
	Type  string
	Title string
	Body  string
	Data  map[string]string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs every alert at warn level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("subsystem", "alert")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	attrs := []any{"type", a.Type, "title", a.Title, "body", a.Body}
	for k, v := range a.Data {
		attrs = append(attrs, k, v)
	}
	n.logger.Warn("agent alert", attrs...)
	return nil
}

// Multi fans an alert out to every notifier. All notifiers are tried; the
// returned error joins the failures.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
