package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the ZenseHome bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// GatewayConfig contains connection settings for the ZenseHome gateway box.
type GatewayConfig struct {
	// Host is the gateway's LAN address. Required.
	Host string `yaml:"host"`

	// Port is the gateway's TCP control port. Default: 10001
	Port int `yaml:"port"`

	// LoginCode is the access code sent in the login handshake.
	// Default: 16713 (the factory default on unprovisioned gateways)
	LoginCode int `yaml:"login_code"`

	// ConnectTimeout is the TCP dial timeout in seconds. Default: 10
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout is the per-reply read deadline in seconds. Default: 12
	ReadTimeout int `yaml:"read_timeout"`

	// CommandGapMs is the minimum gap between consecutive commands in
	// milliseconds. The gateway drops commands sent faster than it can
	// relay them onto the powerline. Default: 100
	CommandGapMs int `yaml:"command_gap_ms"`

	// ReconnectInterval is the initial reconnect backoff in seconds. Default: 5
	ReconnectInterval int `yaml:"reconnect_interval"`

	// MaxReconnectInterval caps the reconnect backoff in seconds. Default: 120
	MaxReconnectInterval int `yaml:"max_reconnect_interval"`

	// AuthCooldown is the wait between reconnect attempts after the gateway
	// rejects the login code, in seconds. Kept long to avoid tripping the
	// vendor's undocumented lockout. Default: 300
	AuthCooldown int `yaml:"auth_cooldown"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BridgeConfig contains the bridge's own behavioural settings.
type BridgeConfig struct {
	// BaseTopic is the namespace under which per-entity command/state
	// topics live. Default: homeassistant/zense_bridge
	BaseTopic string `yaml:"base_topic"`

	// DiscoveryPrefix is the Home Assistant discovery prefix.
	// Default: homeassistant
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// UIDPrefix is prepended to device ids to form entity unique ids.
	// Default: zensebridge_
	UIDPrefix string `yaml:"uid_prefix"`

	// StatePollInterval is the wall-switch poll interval in seconds.
	// Values <= 0 disable polling; enabled values are clamped to >= 60.
	// Default: 600
	StatePollInterval int `yaml:"state_poll_interval"`

	// DebounceMs is how long the worker waits after the first queued
	// operation before draining and coalescing the batch. Default: 120
	DebounceMs int `yaml:"debounce_ms"`

	// LevelOnWindowMs is the race-suppression window: an ON arriving
	// within this window of a brightness command is dropped. Default: 1000
	LevelOnWindowMs int `yaml:"level_on_window_ms"`

	// HealthInterval is the health report publish interval in seconds.
	// Default: 60
	HealthInterval int `yaml:"health_interval"`

	// Entities optionally declares lights up front. Devices enumerated
	// from the gateway are merged in; nothing is ever removed.
	Entities []EntityConfig `yaml:"entities"`
}

// EntityConfig declares one light in static configuration.
type EntityConfig struct {
	// ID is the device id used by the gateway protocol.
	ID int `yaml:"id"`

	// Name overrides the gateway-reported name when non-empty.
	Name string `yaml:"name"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ZENSE_SECTION_KEY
// For example: ZENSE_GATEWAY_HOST, ZENSE_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:                 10001,
			LoginCode:            16713,
			ConnectTimeout:       10,
			ReadTimeout:          12,
			CommandGapMs:         100,
			ReconnectInterval:    5,
			MaxReconnectInterval: 120,
			AuthCooldown:         300,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
				ClientID: "zense-bridge",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Bridge: BridgeConfig{
			BaseTopic:         "homeassistant/zense_bridge",
			DiscoveryPrefix:   "homeassistant",
			UIDPrefix:         "zensebridge_",
			StatePollInterval: 600,
			DebounceMs:        120,
			LevelOnWindowMs:   1000,
			HealthInterval:    60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ZENSE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("ZENSE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("ZENSE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("ZENSE_GATEWAY_CODE"); v != "" {
		if code, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.LoginCode = code
		}
	}

	// MQTT
	if v := os.Getenv("ZENSE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ZENSE_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("ZENSE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ZENSE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Bridge
	if v := os.Getenv("ZENSE_DISCOVERY_PREFIX"); v != "" {
		cfg.Bridge.DiscoveryPrefix = v
	}

	// InfluxDB
	if v := os.Getenv("ZENSE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("ZENSE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Gateway validation
	if c.Gateway.Host == "" {
		errs = append(errs, "gateway.host is required (set ZENSE_GATEWAY_HOST environment variable)")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.LoginCode <= 0 {
		errs = append(errs, "gateway.login_code must be a positive integer")
	}
	if c.Gateway.CommandGapMs < 0 {
		errs = append(errs, "gateway.command_gap_ms must not be negative")
	}
	if c.Gateway.ReconnectInterval < 1 {
		errs = append(errs, "gateway.reconnect_interval must be at least 1 second")
	}
	if c.Gateway.MaxReconnectInterval < c.Gateway.ReconnectInterval {
		errs = append(errs, "gateway.max_reconnect_interval must not be less than gateway.reconnect_interval")
	}

	// MQTT validation
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Bridge validation
	if c.Bridge.BaseTopic == "" {
		errs = append(errs, "bridge.base_topic is required")
	} else if strings.ContainsAny(c.Bridge.BaseTopic, "+#") {
		errs = append(errs, "bridge.base_topic must not contain MQTT wildcards")
	}
	if c.Bridge.DiscoveryPrefix == "" {
		errs = append(errs, "bridge.discovery_prefix is required")
	}
	if c.Bridge.UIDPrefix == "" {
		errs = append(errs, "bridge.uid_prefix is required")
	}
	if c.Bridge.DebounceMs < 0 {
		errs = append(errs, "bridge.debounce_ms must not be negative")
	}
	if c.Bridge.LevelOnWindowMs < 0 {
		errs = append(errs, "bridge.level_on_window_ms must not be negative")
	}

	seen := make(map[int]bool, len(c.Bridge.Entities))
	for _, e := range c.Bridge.Entities {
		if e.ID <= 0 {
			errs = append(errs, fmt.Sprintf("bridge.entities: device id %d must be positive", e.ID))
			continue
		}
		if seen[e.ID] {
			errs = append(errs, fmt.Sprintf("bridge.entities: duplicate device id %d", e.ID))
		}
		seen[e.ID] = true
	}

	// InfluxDB validation (only when enabled)
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb.enabled is true")
		}
		if c.InfluxDB.Org == "" {
			errs = append(errs, "influxdb.org is required when influxdb.enabled is true")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb.enabled is true")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the gateway dial timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Gateway.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the gateway reply read deadline as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Gateway.ReadTimeout) * time.Second
}

// GetCommandGap returns the minimum inter-command gap as a Duration.
func (c *Config) GetCommandGap() time.Duration {
	return time.Duration(c.Gateway.CommandGapMs) * time.Millisecond
}

// GetReconnectInterval returns the initial reconnect backoff as a Duration.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Gateway.ReconnectInterval) * time.Second
}

// GetMaxReconnectInterval returns the reconnect backoff cap as a Duration.
func (c *Config) GetMaxReconnectInterval() time.Duration {
	return time.Duration(c.Gateway.MaxReconnectInterval) * time.Second
}

// GetAuthCooldown returns the post-rejection login cooldown as a Duration.
func (c *Config) GetAuthCooldown() time.Duration {
	return time.Duration(c.Gateway.AuthCooldown) * time.Second
}

// GetDebounce returns the worker debounce interval as a Duration.
func (c *Config) GetDebounce() time.Duration {
	return time.Duration(c.Bridge.DebounceMs) * time.Millisecond
}

// GetLevelOnWindow returns the brightness/on suppression window as a Duration.
func (c *Config) GetLevelOnWindow() time.Duration {
	return time.Duration(c.Bridge.LevelOnWindowMs) * time.Millisecond
}

// GetStatePollInterval returns the poll interval as a Duration.
// A zero or negative value means polling is disabled.
func (c *Config) GetStatePollInterval() time.Duration {
	if c.Bridge.StatePollInterval <= 0 {
		return 0
	}
	interval := c.Bridge.StatePollInterval
	if interval < 60 {
		interval = 60
	}
	return time.Duration(interval) * time.Second
}

// GetHealthInterval returns the health report interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
