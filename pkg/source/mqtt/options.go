package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" mapstructure:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" mapstructure:"serverName,omitempty"`
	CAFile             string `json:"caFile,omitempty" mapstructure:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty" mapstructure:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty" mapstructure:"keyFile,omitempty"`
	CACert             string `json:"caCert,omitempty" mapstructure:"caCert,omitempty"`
	ClientCert         string `json:"clientCert,omitempty" mapstructure:"clientCert,omitempty"`
	ClientKey          string `json:"clientKey,omitempty" mapstructure:"clientKey,omitempty"`
}

// Config holds broker connection and subscription settings.
type Config struct {
	TLS      *TLSOptions `json:"tls,omitempty" mapstructure:"tls,omitempty"`
	ClientID string      `json:"clientID" mapstructure:"clientID"`
	Username string      `json:"username" mapstructure:"username"`
	Password string      `json:"password" mapstructure:"password"`
	// Servers are broker URLs, eg tcp://localhost:1883
	Servers []string `json:"servers" mapstructure:"servers"`
	// Topics are the subscription filters; broker wildcards (+, #) allowed
	Topics []string `json:"topics" mapstructure:"topics"`
	// KeepAlive interval in seconds
	KeepAlive            int64         `json:"keepAlive,omitempty" mapstructure:"keepAlive,omitempty"`
	ConnectTimeout       time.Duration `json:"connectTimeout,omitempty" mapstructure:"connectTimeout,omitempty"`
	SubscribeTimeout     time.Duration `json:"subscribeTimeout,omitempty" mapstructure:"subscribeTimeout,omitempty"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval,omitempty" mapstructure:"maxReconnectInterval,omitempty"`
	QoS                  byte          `json:"qos" mapstructure:"qos"`
	CleanSession         bool          `json:"cleanSession" mapstructure:"cleanSession"`
}

func (c *Config) pahoOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()

	for _, server := range c.Servers {
		opts.AddBroker(server)
	}

	if c.ClientID != "" {
		opts.SetClientID(c.ClientID)
	}
	if c.Username != "" {
		opts.SetUsername(c.Username)
	}
	if c.Password != "" {
		opts.SetPassword(c.Password)
	}
	if c.TLS != nil {
		tlsConfig, err := createTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		if tlsConfig != nil {
			opts.SetTLSConfig(tlsConfig)
		}
	}
	if c.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(c.KeepAlive) * time.Second)
	}
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(c.MaxReconnectInterval)
	}

	opts.SetCleanSession(c.CleanSession)
	// Reconnects are handled by the paho client; subscriptions are
	// reestablished in the OnConnect handler, which fires on every
	// (re)connect.
	opts.SetAutoReconnect(true)
	opts.SetResumeSubs(true)
	// One in-flight callback at a time preserves delivery order and
	// back-pressure toward the broker.
	opts.SetOrderMatters(true)

	return opts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	if tlsOpts == nil {
		return nil, nil
	}

	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	// Load CA certificate
	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		caCertPool := x509.NewCertPool()

		var caCert []byte
		var err error

		if tlsOpts.CAFile != "" {
			caCert, err = os.ReadFile(tlsOpts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
		} else {
			caCert = []byte(tlsOpts.CACert)
		}

		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		config.RootCAs = caCertPool
	}

	// Load client certificate and key
	if (tlsOpts.CertFile != "" && tlsOpts.KeyFile != "") ||
		(tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "") {

		var cert tls.Certificate
		var err error

		if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
			cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		} else {
			cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
