package zense

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// DefaultDebounce is how long the worker waits after the first queued
	// operation before draining and coalescing the batch.
	DefaultDebounce = 120 * time.Millisecond

	// commandQueueSize bounds the intake queue. When full, further
	// operations are dropped and logged rather than blocking an MQTT
	// handler.
	commandQueueSize = 256

	// drainLimit caps how many queued operations one batch absorbs.
	drainLimit = 200
)

// Bridge translates between Home Assistant MQTT and the ZenseHome gateway.
// It handles:
//   - Receiving light commands via MQTT and coalescing them into gateway
//     exchanges
//   - Publishing confirmed state, discovery configs, and availability
//   - Periodic state polling and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     BridgeConfig
	topics  Topics
	mqtt    MQTTClient
	gateway Connector
	metrics MetricsSink
	health  *HealthReporter

	// Known powerline modules (config-seeded, grown by discovery)
	registry *Registry

	// Command intake, consumed by the worker loop
	queue chan op

	// Last brightness command per module, for ON suppression
	lastBrightness   map[int]time.Time
	lastBrightnessMu sync.Mutex

	// Last published level per module, for state dedup
	lastPublished   map[int]int
	lastPublishedMu sync.Mutex

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// MetricsSink receives time-series samples. Satisfied by the InfluxDB
// infrastructure client; nil disables metrics.
type MetricsSink interface {
	// WriteLightLevel records a confirmed brightness level.
	WriteLightLevel(deviceID int, name string, level int)

	// WriteLinkStats records a snapshot of gateway link counters.
	WriteLinkStats(commandsSent, repliesReceived, errorsTotal, reconnects uint64, connected bool)
}

// BridgeConfig holds the bridge's behavioural settings. The zero value
// uses the default topic layout, the default debounce, and disables the
// optional features.
type BridgeConfig struct {
	// TopicBase is the root of all entity topics.
	// Default: homeassistant/zense_bridge.
	TopicBase string

	// DiscoveryPrefix is Home Assistant's discovery prefix.
	// Default: homeassistant.
	DiscoveryPrefix string

	// UIDPrefix namespaces entity unique IDs.
	// Default: zensebridge_.
	UIDPrefix string

	// QoS is used for entity state, command subscriptions, and discovery
	// publishes.
	QoS byte

	// Debounce is how long the worker waits after the first queued
	// operation before coalescing the batch.
	// Default: 120ms.
	Debounce time.Duration

	// LevelOnWindow suppresses an ON that arrives within this window of a
	// brightness command for the same module; Home Assistant sends both
	// when a slider is moved and the bare ON would override the level.
	// Zero or negative disables suppression.
	LevelOnWindow time.Duration

	// StatePollInterval is how often the bridge reads back all module
	// levels to catch wall-switch changes. Zero or negative disables
	// polling.
	StatePollInterval time.Duration

	// HealthInterval is the health report publish interval.
	// Default: 60 seconds.
	HealthInterval time.Duration

	// Version is reported in health messages.
	Version string

	// Entities pre-declares modules. Names given here are pinned and
	// never overwritten by gateway-reported names.
	Entities []Entity
}

// BridgeOptions holds dependencies for creating a bridge.
type BridgeOptions struct {
	// Config is the bridge configuration.
	Config BridgeConfig

	// MQTT is the broker client.
	MQTT MQTTClient

	// Gateway is the PC-Boks client.
	Gateway Connector

	// Logger is optional structured logger.
	Logger Logger

	// Metrics is optional time-series output.
	Metrics MetricsSink
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway client is required")
	}

	cfg := opts.Config
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	// Create bridge-level context for command cancellation on shutdown
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:            cfg,
		topics:         NewTopics(cfg.TopicBase, cfg.DiscoveryPrefix, cfg.UIDPrefix),
		mqtt:           opts.MQTT,
		gateway:        opts.Gateway,
		metrics:        opts.Metrics, // May be nil (optional)
		registry:       NewRegistry(),
		queue:          make(chan op, commandQueueSize),
		lastBrightness: make(map[int]time.Time),
		lastPublished:  make(map[int]int),
		done:           make(chan struct{}),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         opts.Logger,
	}

	for _, e := range cfg.Entities {
		b.registry.Seed(e.ID, e.Name)
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:     cfg.Version,
		Interval:    cfg.HealthInterval,
		Topic:       b.topics.HealthTopic(),
		Publisher:   opts.MQTT,
		Gateway:     opts.Gateway,
		Metrics:     opts.Metrics,
		EntityCount: b.registry.Len,
		QueueDepth:  func() int { return len(b.queue) },
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start begins bridge operation.
// This subscribes to command topics, hooks the gateway reconnect callback,
// and starts the worker, poller, and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	// Publish starting status
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	// A restored gateway link means the powerline may have drifted while
	// the bridge was blind, so read everything back. An empty registry
	// means the initial enumeration raced a dead gateway and Home
	// Assistant still has no entities, so run discovery instead.
	b.gateway.SetOnConnect(func() {
		if b.registry.Len() == 0 {
			b.enqueue(op{kind: opDiscover})
			return
		}
		b.enqueue(op{kind: opRefresh})
	})

	// Subscribe to command and lifecycle topics
	for _, topic := range b.subscribedTopics() {
		if err := b.mqtt.Subscribe(topic, b.cfg.QoS, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	// Start the command worker
	b.wg.Add(1)
	go b.workerLoop()

	// Start the state poller when enabled
	if b.cfg.StatePollInterval > 0 {
		b.wg.Add(1)
		go b.pollLoop()
	}

	// Start health reporting
	b.health.Start(ctx)

	// Announce availability and queue the initial discovery. Main also
	// registers OnMQTTConnect as the broker reconnect callback so retained
	// markers come back after every reconnect.
	b.OnMQTTConnect()

	b.logInfo("bridge started",
		"base_topic", b.topics.Base,
		"entities", b.registry.Len())

	return nil
}

// subscribedTopics lists the topics the bridge listens on: the two command
// patterns plus the Home Assistant lifecycle topic.
func (b *Bridge) subscribedTopics() []string {
	return []string{
		b.topics.CommandPattern(),
		b.topics.BrightnessCommandPattern(),
		HAStatusTopic,
	}
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		// Stop intake first so no commands arrive mid-shutdown
		for _, topic := range b.subscribedTopics() {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logError("unsubscribe failed", fmt.Errorf("%s: %w", topic, err))
			}
		}

		close(b.done)

		// Cancel bridge context to abort in-flight gateway commands
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		b.health.Stop()

		// Wait for worker and poller
		b.wg.Wait()

		// Mark every entity unavailable while the bridge is down
		b.publishAvailability(false)

		b.logInfo("bridge stopped")
	})
}

// OnMQTTConnect restores the retained markers a broker restart may have
// lost and republishes entity configs and state. Register it as the MQTT
// client's connect callback; Start also runs it once for the initial
// connection.
func (b *Bridge) OnMQTTConnect() {
	b.publishAvailability(true)
	b.enqueue(op{kind: opDiscover})
	b.enqueue(op{kind: opRefresh})
}

// handleMQTTMessage routes inbound MQTT messages. Registered for the
// command patterns and the Home Assistant status topic.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	if topic == HAStatusTopic {
		b.handleHAStatus(payload)
		return
	}

	uid, kind, ok := b.topics.ParseCommand(topic)
	if !ok {
		return
	}
	deviceID, ok := b.topics.DeviceID(uid)
	if !ok {
		return
	}
	if !b.registry.Contains(deviceID) {
		// Retained commands can outlive a module's enumeration; the
		// gateway stays authoritative, so relay the command anyway.
		b.logDebug("command for unregistered module", "device_id", deviceID)
	}

	switch kind {
	case CommandBrightness:
		b.handleBrightness(deviceID, string(payload))
	case CommandSwitch:
		b.handleSwitch(deviceID, string(payload))
	}
}

// handleHAStatus reacts to Home Assistant lifecycle announcements. A
// restarted HA has forgotten all discovered entities.
func (b *Bridge) handleHAStatus(payload []byte) {
	if strings.TrimSpace(string(payload)) != PayloadOnline {
		return
	}
	b.logInfo("home assistant restarted, republishing discovery")
	b.enqueue(op{kind: opDiscover})
}

// handleBrightness queues a level change and records the time so the ON
// that Home Assistant sends alongside it can be suppressed.
func (b *Bridge) handleBrightness(deviceID int, payload string) {
	raw, ok := parseBrightness(payload)
	if !ok {
		b.logDebug("ignoring malformed brightness payload",
			"device_id", deviceID,
			"payload", payload)
		return
	}

	b.lastBrightnessMu.Lock()
	b.lastBrightness[deviceID] = time.Now()
	b.lastBrightnessMu.Unlock()

	b.enqueue(op{kind: opLevel, deviceID: deviceID, level: scaleBrightness(raw)})
}

// handleSwitch queues an ON or OFF. Payloads other than the two switch
// values are ignored.
func (b *Bridge) handleSwitch(deviceID int, payload string) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case PayloadOff:
		// A deliberate OFF ends the brightness interaction, so the
		// suppression record goes with it.
		b.lastBrightnessMu.Lock()
		delete(b.lastBrightness, deviceID)
		b.lastBrightnessMu.Unlock()

		b.enqueue(op{kind: opOff, deviceID: deviceID})
	case PayloadOn:
		if b.suppressOn(deviceID) {
			b.logDebug("suppressed ON following brightness", "device_id", deviceID)
			return
		}
		b.enqueue(op{kind: opOn, deviceID: deviceID})
	}
}

// suppressOn reports whether an ON for this module arrived inside the
// suppression window of a brightness command.
func (b *Bridge) suppressOn(deviceID int) bool {
	window := b.cfg.LevelOnWindow
	if window <= 0 {
		return false
	}

	b.lastBrightnessMu.Lock()
	defer b.lastBrightnessMu.Unlock()

	ts, found := b.lastBrightness[deviceID]
	return found && time.Since(ts) <= window
}

// enqueue hands an operation to the worker. A full queue drops the
// operation; blocking here would stall the MQTT handler pool.
func (b *Bridge) enqueue(o op) {
	select {
	case b.queue <- o:
	default:
		b.logError("dropping operation", fmt.Errorf("device %d: %w", o.deviceID, ErrQueueFull))
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
