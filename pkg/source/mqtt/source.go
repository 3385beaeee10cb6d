package mqtt

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one delivery from the broker. ReceivedAt is stamped when the
// message is dequeued from the client, not when it was published.
type Message struct {
	ReceivedAt time.Time
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	Duplicate  bool
}

// Source wraps an MQTT client as a message source: it connects,
// subscribes to the configured topic filters, and delivers incoming
// messages one at a time on the Messages channel.
type Source struct {
	cfg    Config
	opts   *mqtt.ClientOptions
	client mqtt.Client
	logger *zap.Logger

	messages chan Message
	done     chan struct{}
	inflight sync.WaitGroup
	stopOnce sync.Once

	mu         sync.Mutex
	onLost     func(error)
	onRestored func()
}

// init ensures that the logger is not nil
func (s *Source) init() {
	if s.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			// If we can't create a production logger, fall back to a no-op logger
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			s.logger = zap.NewNop()
		} else {
			s.logger = logger
		}
	}
}

// New creates a new source with the given config and logger.
func New(cfg Config, logger ...*zap.Logger) (*Source, error) {
	setDefaults(&cfg)

	opts, err := cfg.pahoOptions()
	if err != nil {
		return nil, err
	}

	s := &Source{
		cfg:      cfg,
		opts:     opts,
		messages: make(chan Message),
		done:     make(chan struct{}),
	}

	if len(logger) > 0 {
		s.logger = logger[0]
	}
	s.init()

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Debug("Reconnecting to MQTT broker")
	})

	return s, nil
}

func setDefaults(cfg *Config) {
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{cmp.Or(os.Getenv("MQTTSINK_MQTT_BROKER"), "tcp://127.0.0.1:1883")}
	}
	cfg.Username = cmp.Or(cfg.Username, os.Getenv("MQTTSINK_MQTT_USERNAME"))
	cfg.Password = cmp.Or(cfg.Password, os.Getenv("MQTTSINK_MQTT_PASSWORD"))
	cfg.ClientID = cmp.Or(cfg.ClientID, fmt.Sprintf("mqttsink-%s", uuid.NewString()[:8]))
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 60 * time.Second
	}
}

// Connect establishes the broker session, retrying transient failures
// with exponential backoff until ctx is canceled. Subscriptions are set
// up by the OnConnect handler, so they are reestablished after every
// reconnect as well.
func (s *Source) Connect(ctx context.Context) error {
	s.client = mqtt.NewClient(s.opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = s.cfg.MaxReconnectInterval
	bo.MaxElapsedTime = 0 // retry until ctx is canceled

	attempt := func() error {
		token := s.client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			return fmt.Errorf("connect timeout after %s", s.cfg.ConnectTimeout)
		}
		if err := token.Error(); err != nil {
			// rejected credentials won't get better with retries
			if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
				errors.Is(err, packets.ErrorRefusedNotAuthorised) {
				return backoff.Permanent(fmt.Errorf("broker rejected credentials: %w", err))
			}
			return fmt.Errorf("broker connection error: %w", err)
		}
		return nil
	}

	notify := func(err error, next time.Duration) {
		s.logger.Warn("Failed to connect to MQTT broker, retrying",
			zap.Error(err),
			zap.Duration("nextAttemptIn", next),
			zap.Strings("servers", s.cfg.Servers))
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify); err != nil {
		return err
	}
	return nil
}

// onConnect fires on every successful (re)connect and reestablishes all
// subscriptions.
func (s *Source) onConnect(client mqtt.Client) {
	s.logger.Info("Connected to MQTT broker",
		zap.Strings("servers", s.cfg.Servers),
		zap.String("clientID", s.cfg.ClientID))

	for _, topic := range s.cfg.Topics {
		token := client.Subscribe(topic, s.cfg.QoS, s.handleMessage)
		if !token.WaitTimeout(s.cfg.SubscribeTimeout) {
			s.logger.Error("Subscribe timeout", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			s.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
			continue
		}
		s.logger.Info("Subscribed to topic",
			zap.String("topic", topic),
			zap.Uint8("qos", s.cfg.QoS))
	}

	s.mu.Lock()
	restored := s.onRestored
	s.mu.Unlock()
	if restored != nil {
		restored()
	}
}

func (s *Source) onConnectionLost(_ mqtt.Client, err error) {
	select {
	case <-s.done:
		// expected during shutdown
		return
	default:
	}

	s.logger.Warn("Disconnected from MQTT broker, will reconnect", zap.Error(err))

	s.mu.Lock()
	lost := s.onLost
	s.mu.Unlock()
	if lost != nil {
		lost(err)
	}
}

// handleMessage runs on the paho callback goroutine. The blocking send
// provides back-pressure: the next delivery is not dispatched until the
// consumer has accepted this one.
func (s *Source) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.inflight.Add(1)
	defer s.inflight.Done()

	m := Message{
		ReceivedAt: time.Now(),
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		QoS:        msg.Qos(),
		Retained:   msg.Retained(),
		Duplicate:  msg.Duplicate(),
	}

	select {
	case s.messages <- m:
	case <-s.done:
		s.logger.Debug("Dropping message received during shutdown", zap.String("topic", m.Topic))
	}
}

// Messages returns the delivery channel. It is closed after Stop once no
// further deliveries will be made.
func (s *Source) Messages() <-chan Message {
	return s.messages
}

// HandleConnectionLost registers fn to be called when the broker session
// drops unexpectedly.
func (s *Source) HandleConnectionLost(fn func(error)) {
	s.mu.Lock()
	s.onLost = fn
	s.mu.Unlock()
}

// HandleConnectionRestored registers fn to be called after subscriptions
// are reestablished on a (re)connect.
func (s *Source) HandleConnectionRestored(fn func()) {
	s.mu.Lock()
	s.onRestored = fn
	s.mu.Unlock()
}

// Stop requests graceful shutdown. Safe to call from any goroutine and
// more than once. In-flight deliveries unblock; the broker connection is
// closed after the client quiesces.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.client != nil && s.client.IsConnected() {
			for _, topic := range s.cfg.Topics {
				token := s.client.Unsubscribe(topic)
				if !token.WaitTimeout(s.cfg.SubscribeTimeout) {
					s.logger.Warn("Unsubscribe timeout", zap.String("topic", topic))
					continue
				}
				if err := token.Error(); err != nil {
					s.logger.Warn("Unsubscribe error", zap.Error(err), zap.String("topic", topic))
				}
			}
			s.client.Disconnect(250)
		}

		// no handler may be mid-send when the channel closes
		s.inflight.Wait()
		close(s.messages)
		s.logger.Info("Disconnected from MQTT broker")
	})
}
