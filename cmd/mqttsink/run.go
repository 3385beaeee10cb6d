package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgeflare/mqttsink/pkg/bridge"
	"github.com/edgeflare/mqttsink/pkg/config"
	"github.com/edgeflare/mqttsink/pkg/metrics"
	"github.com/edgeflare/mqttsink/pkg/sink"
	"github.com/edgeflare/mqttsink/pkg/source/mqtt"

	// Register built-in sinks
	_ "github.com/edgeflare/mqttsink/pkg/sink/clickhouse"
	_ "github.com/edgeflare/mqttsink/pkg/sink/debug"
	_ "github.com/edgeflare/mqttsink/pkg/sink/mongo"
	_ "github.com/edgeflare/mqttsink/pkg/sink/postgres"
)

var (
	brokers        []string
	topics         []string
	username       string
	password       string
	qos            uint8
	keepAlive      int64
	verbose        bool
	postgresConn   string
	mongodbURI     string
	clickhouseAddr string
	metricsEnabled bool
	metricsAddr    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long:  `Run the bridge: subscribe to the configured MQTT topic filters and persist every received message to all configured sinks.`,
	RunE:  runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	applyFlagOverrides(cmd)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := effectiveLogLevel(cmd.Flags().Changed("log-level"), logLevel, cfg.Logging.Level)
	logger, err := buildLogger(level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	sinks, sinkConfigs, err := buildSinks(logger)
	if err != nil {
		return err
	}
	if len(sinks) == 0 {
		logger.Warn("No sinks configured; messages will be received but not persisted. " +
			"Hint: configure sinks in the config file or use --postgres / --mongodb / --clickhouse")
	}

	source, err := mqtt.New(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("invalid MQTT configuration: %w", err)
	}

	b := bridge.New(source, sinks, bridge.Options{
		Logger:  logger,
		Verbose: verbose || cfg.Logging.Verbose || level == "debug",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sink connections are held for the bridge lifetime; a backend that
	// cannot be reached at startup is a fatal configuration problem.
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connectCancel()
	if err := b.ConnectSinks(connectCtx, sinkConfigs); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled || metricsEnabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- b.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received termination signal, shutting down gracefully...", zap.Stringer("signal", sig))
		b.Stop()
		err = <-errChan
	case err = <-errChan:
	}
	cancel()

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		logger.Info("Shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timed out after 10 seconds")
	}

	return err
}

// applyFlagOverrides lets the common connection parameters be given on
// the command line without a config file.
func applyFlagOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("broker") {
		cfg.MQTT.Servers = brokers
	}
	if cmd.Flags().Changed("topic") {
		cfg.MQTT.Topics = topics
	}
	if cmd.Flags().Changed("username") {
		cfg.MQTT.Username = username
	}
	if cmd.Flags().Changed("password") {
		cfg.MQTT.Password = password
	}
	if cmd.Flags().Changed("qos") {
		cfg.MQTT.QoS = qos
	}
	if cmd.Flags().Changed("keepalive") {
		cfg.MQTT.KeepAlive = keepAlive
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = metricsEnabled
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}

	if postgresConn != "" {
		cfg.Sinks = append(cfg.Sinks, config.SinkConfig{
			Name:   "postgres",
			Type:   sink.TypePostgres,
			Config: map[string]any{"connString": postgresConn},
		})
	}
	if mongodbURI != "" {
		cfg.Sinks = append(cfg.Sinks, config.SinkConfig{
			Name:   "mongodb",
			Type:   sink.TypeMongoDB,
			Config: map[string]any{"uri": mongodbURI},
		})
	}
	if clickhouseAddr != "" {
		cfg.Sinks = append(cfg.Sinks, config.SinkConfig{
			Name:   "clickhouse",
			Type:   sink.TypeClickHouse,
			Config: map[string]any{"addr": []string{clickhouseAddr}},
		})
	}
}

func buildSinks(logger *zap.Logger) ([]sink.Sink, map[string]json.RawMessage, error) {
	sinks := make([]sink.Sink, 0, len(cfg.Sinks))
	configs := make(map[string]json.RawMessage, len(cfg.Sinks))

	for _, sc := range cfg.Sinks {
		s, err := sink.New(sc.Type, sc.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("sink %s: %w: %s (registered: %v)", sc.Name, err, sc.Type, sink.Types())
		}

		raw, err := sc.JSON()
		if err != nil {
			return nil, nil, err
		}
		configs[sc.Name] = raw

		logger.Debug("Configured sink", zap.String("name", sc.Name), zap.String("type", sc.Type))
		sinks = append(sinks, s)
	}

	return sinks, configs, nil
}

// effectiveLogLevel resolves the log level: an explicitly set flag wins,
// otherwise the config file's logging.level, otherwise the flag default.
func effectiveLogLevel(flagSet bool, flagValue, configValue string) string {
	if flagSet || configValue == "" {
		return flagValue
	}
	return configValue
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}

func init() {
	runCmd.Flags().StringArrayVarP(&brokers, "broker", "b", []string{"tcp://127.0.0.1:1883"}, "MQTT broker URL. Can be specified multiple times")
	runCmd.Flags().StringArrayVarP(&topics, "topic", "t", nil, "Topic filter to subscribe to ('#' for all topics). Can be specified multiple times")
	runCmd.Flags().StringVarP(&username, "username", "u", "", "MQTT username")
	runCmd.Flags().StringVarP(&password, "password", "p", "", "MQTT password")
	runCmd.Flags().Uint8Var(&qos, "qos", 0, "MQTT subscription QoS (0 at-most-once, 1 at-least-once, 2 exactly-once)")
	runCmd.Flags().Int64Var(&keepAlive, "keepalive", 30, "MQTT keepalive interval in seconds")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log every successful write with sink and record id")
	runCmd.Flags().StringVar(&postgresConn, "postgres", "", "PostgreSQL connection string; adds a postgres sink")
	runCmd.Flags().StringVar(&mongodbURI, "mongodb", "", "MongoDB URI; adds a mongodb sink")
	runCmd.Flags().StringVar(&clickhouseAddr, "clickhouse", "", "ClickHouse address; adds a clickhouse sink")
	runCmd.Flags().BoolVar(&metricsEnabled, "metrics", false, "Enable Prometheus metrics server")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}
