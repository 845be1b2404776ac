package stores

import (
	"time"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is one entry in the action lifecycle event log
type Event struct {
	ID        int64      `json:"id"`
	ActionID  *string    `json:"action_id,omitempty"`
	ClusterID *string    `json:"cluster_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
