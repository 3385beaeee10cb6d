package mqtt

import (
	"testing"
	"time"
)

func TestPahoOptions(t *testing.T) {
	cfg := Config{
		Servers:              []string{"tcp://broker-a:1883", "ssl://broker-b:8883"},
		ClientID:             "mqttsink-test",
		Username:             "user",
		Password:             "secret",
		KeepAlive:            45,
		ConnectTimeout:       3 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}

	opts, err := cfg.pahoOptions()
	if err != nil {
		t.Fatalf("pahoOptions failed: %v", err)
	}

	if len(opts.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(opts.Servers))
	}
	if opts.Servers[0].String() != "tcp://broker-a:1883" {
		t.Errorf("server[0] = %s", opts.Servers[0])
	}
	if opts.ClientID != "mqttsink-test" {
		t.Errorf("clientID = %s", opts.ClientID)
	}
	if opts.Username != "user" || opts.Password != "secret" {
		t.Errorf("credentials not applied")
	}
	if opts.KeepAlive != 45 {
		t.Errorf("keepAlive = %d, want 45", opts.KeepAlive)
	}
	if opts.ConnectTimeout != 3*time.Second {
		t.Errorf("connectTimeout = %s", opts.ConnectTimeout)
	}
	if opts.MaxReconnectInterval != 30*time.Second {
		t.Errorf("maxReconnectInterval = %s", opts.MaxReconnectInterval)
	}

	// reconnect and ordering behavior is non-negotiable for the bridge
	if !opts.AutoReconnect {
		t.Error("AutoReconnect should be enabled")
	}
	if !opts.ResumeSubs {
		t.Error("ResumeSubs should be enabled")
	}
	if !opts.Order {
		t.Error("Order should be enabled")
	}
}

func TestPahoOptionsInvalidTLS(t *testing.T) {
	cfg := Config{
		Servers: []string{"ssl://broker:8883"},
		TLS:     &TLSOptions{CACert: "not a pem"},
	}
	if _, err := cfg.pahoOptions(); err == nil {
		t.Fatal("expected TLS config error")
	}
}

func TestCreateTLSConfig(t *testing.T) {
	t.Run("nil options", func(t *testing.T) {
		cfg, err := createTLSConfig(nil)
		if err != nil || cfg != nil {
			t.Errorf("createTLSConfig(nil) = %v, %v", cfg, err)
		}
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		cfg, err := createTLSConfig(&TLSOptions{InsecureSkipVerify: true, ServerName: "broker"})
		if err != nil {
			t.Fatalf("createTLSConfig failed: %v", err)
		}
		if !cfg.InsecureSkipVerify || cfg.ServerName != "broker" {
			t.Errorf("options not applied: %+v", cfg)
		}
	})

	t.Run("missing CA file", func(t *testing.T) {
		if _, err := createTLSConfig(&TLSOptions{CAFile: "/nonexistent/ca.pem"}); err == nil {
			t.Fatal("expected error for missing CA file")
		}
	})
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	setDefaults(&cfg)

	if len(cfg.Servers) == 0 {
		t.Error("servers not defaulted")
	}
	if cfg.ClientID == "" {
		t.Error("clientID not defaulted")
	}
	if cfg.KeepAlive != 30 {
		t.Errorf("keepAlive = %d, want 30", cfg.KeepAlive)
	}
	if cfg.MaxReconnectInterval != 60*time.Second {
		t.Errorf("maxReconnectInterval = %s, want 60s", cfg.MaxReconnectInterval)
	}

	// distinct instances get distinct client ids
	var other Config
	setDefaults(&other)
	if cfg.ClientID == other.ClientID {
		t.Errorf("client ids collide: %s", cfg.ClientID)
	}
}
