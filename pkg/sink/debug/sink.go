package debug

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync/atomic"

	"github.com/edgeflare/mqttsink/pkg/sink"
)

// DebugSink is a debug sink that logs records to the console instead of
// persisting them
type DebugSink struct {
	seq  atomic.Int64
	name string
}

func New(name string) *DebugSink {
	return &DebugSink{name: name}
}

func (s *DebugSink) Connect(_ context.Context, _ json.RawMessage) error {
	return nil
}

func (s *DebugSink) Write(_ context.Context, r sink.Record) (string, error) {
	id := s.seq.Add(1)
	log.Printf("%s %s topic=%s payload=%dB", sink.TypeDebug, r.Time.Format("15:04:05.000"), r.Topic, len(r.Payload))
	return strconv.FormatInt(id, 10), nil
}

func (s *DebugSink) Name() string {
	return s.name
}

func (s *DebugSink) Close() error {
	return nil
}

func init() {
	sink.Register(sink.TypeDebug, func(name string) sink.Sink {
		return New(name)
	})
}
