package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/mqttsink/pkg/sink"
	"github.com/google/uuid"
)

// ClickHouse has no autoincrementing insert-returning id, so record ids
// are generated client-side.
const schemaDDL = `CREATE TABLE IF NOT EXISTS messages (
	id UUID,
	time DateTime64(3),
	topic String,
	payload String
) ENGINE = MergeTree ORDER BY time`

const insertSQL = `INSERT INTO messages (id, time, topic, payload) VALUES (?, ?, ?, ?)`

// CHSink persists records into a ClickHouse messages table.
type CHSink struct {
	conn   driver.Conn
	config *clickhouse.Options
	name   string
}

func New(name string) *CHSink {
	return &CHSink{name: name}
}

func (s *CHSink) Name() string {
	return s.name
}

func (s *CHSink) Connect(ctx context.Context, config json.RawMessage) error {
	s.config = &clickhouse.Options{}

	if config != nil {
		if err := json.Unmarshal(config, s.config); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
	}

	// Set values from environment variables or use defaults
	if len(s.config.Addr) == 0 {
		s.config.Addr = []string{cmp.Or(os.Getenv("MQTTSINK_CLICKHOUSE_ADDR"), "localhost:9000")}
	}
	s.config.Auth.Database = cmp.Or(s.config.Auth.Database, os.Getenv("MQTTSINK_CLICKHOUSE_AUTH_DATABASE"), "default")
	s.config.Auth.Username = cmp.Or(s.config.Auth.Username, os.Getenv("MQTTSINK_CLICKHOUSE_AUTH_USERNAME"), "default")
	s.config.Auth.Password = cmp.Or(s.config.Auth.Password, os.Getenv("MQTTSINK_CLICKHOUSE_AUTH_PASSWORD"))

	conn, err := clickhouse.Open(s.config)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	s.conn = conn
	return nil
}

func (s *CHSink) Write(ctx context.Context, r sink.Record) (string, error) {
	if s.conn == nil {
		return "", sink.ErrNotConnected
	}

	id := uuid.New()
	if err := s.conn.Exec(ctx, insertSQL, id, r.Time, r.Topic, string(r.Payload)); err != nil {
		return "", &sink.WriteError{Sink: s.name, Kind: sink.KindConnectionLost, Err: err}
	}
	return id.String(), nil
}

func (s *CHSink) Close() error {
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func init() {
	sink.Register(sink.TypeClickHouse, func(name string) sink.Sink {
		return New(name)
	})
}
