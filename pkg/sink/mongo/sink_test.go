package mongo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/mqttsink/pkg/sink"
	"github.com/stretchr/testify/require"
)

func TestWriteNotConnected(t *testing.T) {
	s := New("mongo")
	if _, err := s.Write(context.Background(), sink.Record{}); !errors.Is(err, sink.ErrNotConnected) {
		t.Errorf("Write before Connect: err = %v, want ErrNotConnected", err)
	}
}

func TestConnectConfigParse(t *testing.T) {
	s := New("mongo")
	if err := s.Connect(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected config parse error")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	raw, err := json.Marshal(Config{URI: "mongodb://example:27017"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &cfg))
	require.Equal(t, "mongodb://example:27017", cfg.URI)
	require.Empty(t, cfg.Database) // defaulted at Connect, not parse
}

func TestWriteRoundTrip(t *testing.T) {
	uri := os.Getenv("TEST_MONGODB")
	if uri == "" {
		t.Skip("TEST_MONGODB not set")
	}
	ctx := context.Background()

	s := New("mongo-test")
	cfgJSON, err := json.Marshal(Config{
		URI:        uri,
		Database:   "mqtt_test",
		Collection: fmt.Sprintf("messages_%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx, cfgJSON))
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	payloads := [][]byte{
		[]byte("This is a test"),
		{},
		{0x00, 0x01, 0xff, 0x00},
		bytes.Repeat([]byte{0xcd}, 4<<20), // 4 MiB
	}

	for i, payload := range payloads {
		rec := sink.Record{
			Time:    time.Now().UTC().Truncate(time.Millisecond),
			Topic:   fmt.Sprintf("example_topic/%d", i),
			Payload: payload,
		}

		id, err := s.Write(ctx, rec)
		require.NoError(t, err, "payload %d", i)
		require.NotEmpty(t, id)

		got, err := s.FindByTopic(ctx, rec.Topic, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, rec.Topic, got[0].Topic)
		require.True(t, bytes.Equal(rec.Payload, got[0].Payload), "payload %d did not round-trip", i)
		require.WithinDuration(t, rec.Time, got[0].Time, time.Second)
	}
}
