package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgeflare/mqttsink/pkg/source/mqtt"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	MQTT    mqtt.Config   `mapstructure:"mqtt"`
	Sinks   []SinkConfig  `mapstructure:"sinks"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SinkConfig declares one active storage backend. Config carries the
// backend-specific settings of the underlying library, eg a pgx conn
// string or clickhouse.Options fields.
type SinkConfig struct {
	Name   string         `mapstructure:"name"`
	Type   string         `mapstructure:"type"`
	Config map[string]any `mapstructure:"config"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Verbose bool   `mapstructure:"verbose"`
}

// JSON returns the backend-specific settings as a raw JSON message for
// Sink.Connect.
func (s SinkConfig) JSON() (json.RawMessage, error) {
	if s.Config == nil {
		return nil, nil
	}
	data, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config for sink %s: %w", s.Name, err)
	}
	return json.RawMessage(data), nil
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mqttsink")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MQTTSINK")

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}

// Validate reports configuration errors, which are fatal at startup.
// Zero sinks is legal (the bridge runs and only logs), matching the
// behavior of having nothing to persist to rather than refusing to start.
func (c *Config) Validate() error {
	if len(c.MQTT.Topics) == 0 {
		return fmt.Errorf("at least one topic filter is required")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
	}

	seen := make(map[string]struct{}, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if s.Type == "" {
			return fmt.Errorf("sink %s: type is required", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate sink name %s", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
