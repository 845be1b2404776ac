// Package stores provides persistence layer implementations for OpenHerd.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and the durable state the engine recovers from: actions with their
// dependency edges, target locks, cluster and node records, profiles,
// policy bindings, engine membership, and the event log.
package stores
