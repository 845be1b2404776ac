package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openherd/openherd/pkg/engine"
)

// EventLog adapts the store's event table to the engine.EventRecorder
// interface. Append failures are logged and swallowed; the event log is
// informational and must never fail an action.
type EventLog struct {
	store  *SQLiteStore
	logger zerolog.Logger
}

// NewEventLog creates an event recorder backed by the store
func NewEventLog(store *SQLiteStore, logger zerolog.Logger) *EventLog {
	return &EventLog{
		store:  store,
		logger: logger.With().Str("component", "event-log").Logger(),
	}
}

// Record persists one action lifecycle event
func (l *EventLog) Record(ctx context.Context, level, message string, action *engine.Action) {
	event := &Event{
		Level:     EventLevel(level),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if action != nil {
		event.ActionID = &action.ID
		if action.ClusterID != "" {
			event.ClusterID = &action.ClusterID
		}
	}

	if err := l.store.AppendEvent(ctx, event); err != nil {
		l.logger.Warn().Err(err).Msg("failed to append event")
	}
}
