package sink

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the single persisted entity: one row/document per received
// MQTT message. Time is assigned by the bridge when the message is
// dequeued from the broker client, not the publish time.
type Record struct {
	Time    time.Time
	Topic   string
	Payload []byte
}

// A Sink durably persists records into one storage backend.
type Sink interface {
	// Connect acquires the backend connection, held for the lifetime of
	// the sink. The config parameter is a raw JSON message containing
	// backend-specific settings. Relational backends bootstrap their
	// schema here.
	Connect(ctx context.Context, config json.RawMessage) error

	// Write persists a single record atomically: either the record is
	// fully persisted and its backend-assigned identifier is returned,
	// or nothing is persisted and an error is returned.
	Write(ctx context.Context, r Record) (string, error)

	// Name identifies this sink instance in logs and metrics.
	Name() string

	Close() error
}

// Predefined sink types
const (
	TypePostgres   = "postgres"
	TypeMongoDB    = "mongodb"
	TypeClickHouse = "clickhouse"
	TypeDebug      = "debug"
)

var factories = make(map[string]func(name string) Sink)

// Register adds a sink factory to the registry. The typ parameter is
// used as a key to identify the backend type in configuration.
func Register(typ string, factory func(name string) Sink) {
	factories[typ] = factory
}

// New instantiates a registered sink type. Returns ErrUnknownType for
// types no factory was registered for.
func New(typ, name string) (Sink, error) {
	factory, ok := factories[typ]
	if !ok {
		return nil, ErrUnknownType
	}
	return factory(name), nil
}

// Types returns the registered sink type names.
func Types() []string {
	types := make([]string, 0, len(factories))
	for typ := range factories {
		types = append(types, typ)
	}
	return types
}
