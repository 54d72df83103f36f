package events

import "log/slog"

// LogObserver writes every dispatched event to the structured log.
// Runtime events log at Debug (high volume); lifecycle and error events
// at Info/Warn so operators see them without debug logging enabled.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver() *LogObserver {
	return &LogObserver{logger: slog.With("component", "events")}
}

func (o *LogObserver) Observe(tenantID, chatID string, e Event, delivered bool) {
	switch v := e.(type) {
	case Lifecycle:
		o.logger.Info("lifecycle", "tenant_id", tenantID, "chat_id", chatID, "op", v.Op)
	case Error:
		o.logger.Warn("client error emitted",
			"tenant_id", tenantID, "chat_id", chatID,
			"error_code", v.Code, "recoverable", v.Recoverable, "message", v.Message)
	case RunComplete:
		o.logger.Info("run complete", "tenant_id", tenantID, "chat_id", chatID, "reason", v.Reason)
	default:
		o.logger.Debug("event dispatched",
			"tenant_id", tenantID, "chat_id", chatID,
			"kind", e.Kind(), "delivered", delivered)
	}
}

// MultiObserver fans one Observe call out to several sinks.
type MultiObserver []Observer

func (m MultiObserver) Observe(tenantID, chatID string, e Event, delivered bool) {
	for _, o := range m {
		o.Observe(tenantID, chatID, e, delivered)
	}
}
