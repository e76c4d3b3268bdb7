// Package notify delivers best-effort user-facing notices.
package notify

import (
	"context"
	"log/slog"

	"ledgerview/internal/events"
)

// Notifier is best effort: implementations log their own failures and never block the caller.
type Notifier interface {
	Notify(ctx context.Context, message string)
	NotifyError(ctx context.Context, message string)
}

type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, message string) {
	n.Log.InfoContext(ctx, "notify", "message", message)
}

func (n LogNotifier) NotifyError(ctx context.Context, message string) {
	n.Log.WarnContext(ctx, "notify error", "message", message)
}

// JournalNotifier records notices so webhooks and `lv log tail` can see them.
type JournalNotifier struct {
	Writer events.Writer
	Log    *slog.Logger
}

func (n JournalNotifier) Notify(ctx context.Context, message string) {
	n.append(ctx, events.TypeNotifySuccess, message)
}

func (n JournalNotifier) NotifyError(ctx context.Context, message string) {
	n.append(ctx, events.TypeNotifyError, message)
}

func (n JournalNotifier) append(ctx context.Context, typ, message string) {
	_, err := n.Writer.Append(ctx, events.Record{
		Type:       typ,
		EntityKind: events.KindNotification,
		Payload:    events.Payload{"message": message},
	})
	if err != nil && n.Log != nil {
		n.Log.ErrorContext(ctx, "journal notification failed", "type", typ, "err", err)
	}
}

// Multi fans a notice out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string) {
	for _, n := range m {
		n.Notify(ctx, message)
	}
}

func (m Multi) NotifyError(ctx context.Context, message string) {
	for _, n := range m {
		n.NotifyError(ctx, message)
	}
}
