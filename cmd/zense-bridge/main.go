// ZenseHome MQTT Bridge
//
// This is the main entry point for the ZenseHome bridge daemon. It links a
// ZenseHome PC-Boks powerline gateway to an MQTT broker and announces every
// light module to Home Assistant via MQTT discovery:
//   - Light commands flow from MQTT to the gateway's TCP control port
//   - Confirmed module state flows back as retained MQTT topics
//   - The powerline is polled so wall-switch changes stay visible
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrRasmus/zense-bridge/internal/bridges/zense"
	"github.com/MrRasmus/zense-bridge/internal/infrastructure/config"
	"github.com/MrRasmus/zense-bridge/internal/infrastructure/influxdb"
	"github.com/MrRasmus/zense-bridge/internal/infrastructure/logging"
	"github.com/MrRasmus/zense-bridge/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting ZenseHome bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// The topic layout is needed up front: the broker holds the offline
	// marker as the last will, so entities go unavailable even when the
	// bridge dies without a goodbye.
	topics := zense.NewTopics(cfg.Bridge.BaseTopic, cfg.Bridge.DiscoveryPrefix, cfg.Bridge.UIDPrefix)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WillConfig{
		Topic:   topics.AvailabilityTopic(),
		Payload: zense.PayloadOffline,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var metrics zense.MetricsSink
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		// Assigned only when connected; a typed nil would defeat the
		// bridge's nil checks.
		metrics = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Connect to the ZenseHome gateway
	gateway, err := startGateway(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting gateway client: %w", err)
	}
	defer func() {
		log.Info("closing gateway connection")
		if closeErr := gateway.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	// Start the bridge
	bridge, err := startBridge(ctx, cfg, gateway, mqttClient, metrics, log)
	if err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// A broker reconnect wipes session state on clean-session brokers, so
	// the bridge republishes availability, discovery, and state every time.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.OnMQTTConnect()
	})

	// Verify the infrastructure connections are healthy. The gateway link
	// is deliberately not checked: the bridge runs degraded and keeps
	// redialling in the background.
	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed",
		"mqtt_subscriptions", mqttClient.SubscriptionCount(),
	)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. Bridge (publishes entities unavailable)
	// 2. Gateway connection
	// 3. InfluxDB (if enabled)
	// 4. MQTT

	log.Info("ZenseHome bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ZENSE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ZENSE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections are healthy.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// startGateway creates the PC-Boks client and attempts the first login.
// A gateway that is offline at boot is not fatal: the client keeps
// redialling in the background and the bridge reports degraded health.
func startGateway(ctx context.Context, cfg *config.Config, log *logging.Logger) (*zense.Gateway, error) {
	gateway, err := zense.Connect(ctx, zense.GatewayConfig{
		Host:                 cfg.Gateway.Host,
		Port:                 cfg.Gateway.Port,
		LoginCode:            cfg.Gateway.LoginCode,
		ConnectTimeout:       cfg.GetConnectTimeout(),
		ReadTimeout:          cfg.GetReadTimeout(),
		CommandGap:           cfg.GetCommandGap(),
		ReconnectInterval:    cfg.GetReconnectInterval(),
		MaxReconnectInterval: cfg.GetMaxReconnectInterval(),
		AuthCooldown:         cfg.GetAuthCooldown(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	gateway.SetLogger(log)

	if gateway.IsConnected() {
		log.Info("gateway connected",
			"host", cfg.Gateway.Host,
			"port", cfg.Gateway.Port,
		)
	} else {
		log.Warn("gateway not reachable yet, retrying in background",
			"host", cfg.Gateway.Host,
			"port", cfg.Gateway.Port,
			"state", gateway.State().String(),
		)
	}

	return gateway, nil
}

// startBridge wires the bridge to its dependencies and starts it.
func startBridge(ctx context.Context, cfg *config.Config, gateway *zense.Gateway, mqttClient *mqtt.Client, metrics zense.MetricsSink, log *logging.Logger) (*zense.Bridge, error) {
	entities := make([]zense.Entity, 0, len(cfg.Bridge.Entities))
	for _, e := range cfg.Bridge.Entities {
		entities = append(entities, zense.Entity{ID: e.ID, Name: e.Name})
	}

	// Create MQTT adapter to satisfy the bridge's MQTTClient interface
	mqttAdapter := &mqttBridgeAdapter{client: mqttClient}

	bridge, err := zense.NewBridge(zense.BridgeOptions{
		Config: zense.BridgeConfig{
			TopicBase:         cfg.Bridge.BaseTopic,
			DiscoveryPrefix:   cfg.Bridge.DiscoveryPrefix,
			UIDPrefix:         cfg.Bridge.UIDPrefix,
			QoS:               byte(cfg.MQTT.QoS),
			Debounce:          cfg.GetDebounce(),
			LevelOnWindow:     cfg.GetLevelOnWindow(),
			StatePollInterval: cfg.GetStatePollInterval(),
			HealthInterval:    cfg.GetHealthInterval(),
			Version:           version,
			Entities:          entities,
		},
		MQTT:    mqttAdapter,
		Gateway: gateway,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("bridge started",
		"base_topic", cfg.Bridge.BaseTopic,
		"entities", len(entities),
		"poll_interval", cfg.GetStatePollInterval(),
	)

	return bridge, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic string, payload []byte) error
// - Bridge expects: func(topic string, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements zense.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements zense.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements zense.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements zense.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
