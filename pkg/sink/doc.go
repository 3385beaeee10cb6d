// Package sink defines the storage backend contract for persisted MQTT
// messages and a registry of backend implementations (PostgreSQL,
// MongoDB, ClickHouse, debug).
//
// It defines a `Sink` interface that all backends must implement; the
// bridge fans every received message out to all configured sinks.
package sink
