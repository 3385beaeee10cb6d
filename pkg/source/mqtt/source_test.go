package mqtt

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubToken struct {
	timedOut bool
	err      error
}

func (t *stubToken) Wait() bool                       { return true }
func (t *stubToken) WaitTimeout(_ time.Duration) bool { return !t.timedOut }
func (t *stubToken) Error() error                     { return t.err }
func (t *stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubClient satisfies only the calls Stop makes; anything else panics
// via the embedded nil interface.
type stubClient struct {
	paho.Client
	unsubToken paho.Token
}

func (c *stubClient) IsConnected() bool                  { return true }
func (c *stubClient) Unsubscribe(_ ...string) paho.Token { return c.unsubToken }
func (c *stubClient) Disconnect(_ uint)                  {}

func TestStopWithoutConnect(t *testing.T) {
	s, err := New(Config{Topics: []string{"#"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.Stop()
	s.Stop() // idempotent

	if _, ok := <-s.Messages(); ok {
		t.Error("messages channel should be closed after Stop")
	}
}

func TestConnectCanceledContext(t *testing.T) {
	// points at a closed port so the connect attempt fails fast
	s, err := New(Config{
		Servers:        []string{"tcp://127.0.0.1:1"},
		Topics:         []string{"#"},
		ConnectTimeout: 500 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := s.Connect(ctx); err == nil {
		t.Fatal("expected error from canceled Connect")
	}
}

func TestStopLogsUnsubscribeTimeout(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s, err := New(Config{Topics: []string{"sensors/#"}}, zap.New(core))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.client = &stubClient{unsubToken: &stubToken{timedOut: true}}

	s.Stop()

	if got := logs.FilterMessage("Unsubscribe timeout").Len(); got != 1 {
		t.Errorf("got %d unsubscribe timeout warnings, want 1", got)
	}
}

func TestSubscribeAndReceive(t *testing.T) {
	broker := os.Getenv("TEST_MQTT_BROKER")
	if broker == "" {
		t.Skip("TEST_MQTT_BROKER not set")
	}

	const topic = "mqttsink/test/subscribe"
	payload := []byte("This is a test")

	s, err := New(Config{
		Servers: []string{broker},
		Topics:  []string{topic},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Stop()

	pub := paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("mqttsink-test-pub"))
	if token := pub.Connect(); token.Wait() && token.Error() != nil {
		t.Fatalf("publisher connect failed: %v", token.Error())
	}
	defer pub.Disconnect(250)

	if token := pub.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		t.Fatalf("publish failed: %v", token.Error())
	}

	select {
	case msg := <-s.Messages():
		if msg.Topic != topic {
			t.Errorf("topic = %q, want %q", msg.Topic, topic)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Errorf("payload = %q, want %q", msg.Payload, payload)
		}
		if time.Since(msg.ReceivedAt) > 5*time.Second {
			t.Errorf("receivedAt too old: %s", msg.ReceivedAt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received within 5s")
	}
}
