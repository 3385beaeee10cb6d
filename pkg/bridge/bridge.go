package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/mqttsink/pkg/metrics"
	"github.com/edgeflare/mqttsink/pkg/sink"
	"github.com/edgeflare/mqttsink/pkg/source/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Source is the broker adapter contract the bridge runs against. Tests
// inject a fake; production wires pkg/source/mqtt.
type Source interface {
	// Connect establishes the session and subscriptions, retrying
	// transient failures until ctx is canceled.
	Connect(ctx context.Context) error
	// Messages is the delivery channel; closed after Stop.
	Messages() <-chan mqtt.Message
	// HandleConnectionLost registers a callback for broker-side disconnects.
	HandleConnectionLost(func(error))
	// HandleConnectionRestored registers a callback for reestablished sessions.
	HandleConnectionRestored(func())
	// Stop requests graceful shutdown; safe from any goroutine.
	Stop()
}

// Options tune a Bridge.
type Options struct {
	Logger *zap.Logger
	// WriteTimeout bounds each sink write. Defaults to 30 seconds.
	WriteTimeout time.Duration
	// Verbose logs every successful write with sink name and record id.
	Verbose bool
}

// Bridge wires one message source to zero or more storage sinks. Each
// received message is fanned out to every sink; a failing sink never
// blocks the others, and only the whole fan-out completing releases the
// next delivery.
type Bridge struct {
	source Source
	sinks  []sink.Sink
	logger *zap.Logger

	writeTimeout time.Duration
	verbose      bool

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a bridge. All broker and database handles live inside the
// returned instance; multiple bridges can coexist in one process.
func New(source Source, sinks []sink.Sink, opts Options) *Bridge {
	b := &Bridge{
		source:       source,
		sinks:        sinks,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		verbose:      opts.Verbose,
		stop:         make(chan struct{}),
	}
	if b.writeTimeout <= 0 {
		b.writeTimeout = 30 * time.Second
	}
	if b.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			logger = zap.NewNop()
		}
		b.logger = logger
	}
	b.state.Store(int32(StateDisconnected))
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	b.logger.Debug("Bridge state changed", zap.Stringer("state", s))
}

// ConnectSinks connects every configured sink. A sink that fails to
// connect is a startup error: backends are held open for the bridge
// lifetime, not per message.
func (b *Bridge) ConnectSinks(ctx context.Context, configs map[string]json.RawMessage) error {
	for _, s := range b.sinks {
		if err := s.Connect(ctx, configs[s.Name()]); err != nil {
			return fmt.Errorf("failed to connect sink %s: %w", s.Name(), err)
		}
		b.logger.Info("Connected sink", zap.String("sink", s.Name()))
	}
	return nil
}

// Run blocks, dispatching incoming messages to the sinks, until Stop is
// called, ctx is canceled, or the initial connect fails fatally.
func (b *Bridge) Run(ctx context.Context) error {
	b.setState(StateConnecting)

	b.source.HandleConnectionLost(func(err error) {
		if b.State() == StateRunning {
			b.setState(StateConnecting)
		}
	})
	b.source.HandleConnectionRestored(func() {
		if b.State() == StateConnecting {
			b.setState(StateRunning)
		}
	})

	// Stop must be able to interrupt the connect retry loop, so the
	// connect context is additionally canceled when stop closes.
	connectCtx, cancelConnect := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.stop:
			cancelConnect()
		case <-connectCtx.Done():
		}
	}()
	err := b.source.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		select {
		case <-b.stop:
			// stop requested while still connecting, not a failure
			return b.shutdown()
		default:
		}
		b.setState(StateStopped)
		return fmt.Errorf("source connect: %w", err)
	}

	b.setState(StateSubscribed)
	b.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case <-b.stop:
			return b.shutdown()
		case msg, ok := <-b.source.Messages():
			if !ok {
				return b.shutdown()
			}
			b.handle(msg)
		}
	}
}

// Stop requests graceful shutdown. Safe to call from a signal handler; it
// marks intent only, the actual unwind happens once the current message's
// writes complete.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
}

func (b *Bridge) shutdown() error {
	b.setState(StateShuttingDown)
	b.source.Stop()

	// deliveries dequeued before the disconnect still get persisted
	for msg := range b.source.Messages() {
		b.handle(msg)
	}

	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			b.logger.Warn("Error closing sink", zap.String("sink", s.Name()), zap.Error(err))
		}
	}

	b.setState(StateStopped)
	b.logger.Info("Bridge stopped")
	return nil
}

// handle persists one message to every sink. Writes run concurrently so a
// slow backend doesn't stall the others, but all must finish (or time
// out) before the next delivery is accepted.
func (b *Bridge) handle(msg mqtt.Message) {
	metrics.MessagesReceived.WithLabelValues(msg.Topic).Inc()

	rec := sink.Record{
		Time:    msg.ReceivedAt,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	}

	var wg sync.WaitGroup
	for _, s := range b.sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			b.write(s, rec)
		}(s)
	}
	wg.Wait()
}

func (b *Bridge) write(s sink.Sink, rec sink.Record) {
	// Detached from the run context: Stop must not abandon an
	// in-progress write.
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.SinkWriteDuration.WithLabelValues(s.Name()))
	id, err := s.Write(ctx, rec)
	timer.ObserveDuration()

	if err != nil {
		metrics.SinkWriteErrors.WithLabelValues(s.Name()).Inc()
		b.logger.Error("Write failed",
			zap.String("sink", s.Name()),
			zap.String("topic", rec.Topic),
			zap.Int("payloadBytes", len(rec.Payload)),
			zap.Error(err))
		return
	}

	metrics.SinkWrites.WithLabelValues(s.Name()).Inc()
	if b.verbose {
		b.logger.Info("Record written",
			zap.String("sink", s.Name()),
			zap.String("id", id),
			zap.String("topic", rec.Topic),
			zap.Int("payloadBytes", len(rec.Payload)))
	}
}
