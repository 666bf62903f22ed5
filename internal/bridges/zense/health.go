package zense

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// defaultHealthInterval is used when the config leaves the interval zero.
const defaultHealthInterval = 60 * time.Second

// HealthReporter manages periodic health status reporting.
// It publishes health messages to MQTT at regular intervals and mirrors
// the link counters to the metrics sink.
type HealthReporter struct {
	version   string
	topic     string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	gateway   Connector
	metrics   MetricsSink

	// Live gauges, read at publish time
	entityCount func() int
	queueDepth  func() int

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 60 seconds.
	Interval time.Duration

	// Topic is the health status topic.
	Topic string

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Gateway provides link state and statistics.
	Gateway Connector

	// Metrics is optional; link counters are mirrored to it on every
	// report.
	Metrics MetricsSink

	// EntityCount and QueueDepth report live bridge gauges. Either may be
	// nil.
	EntityCount func() int
	QueueDepth  func() int
}

// NewHealthReporter creates a new health reporter.
// Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	topic := cfg.Topic
	if topic == "" {
		topic = NewTopics("", "", "").HealthTopic()
	}

	return &HealthReporter{
		version:     cfg.Version,
		topic:       topic,
		startTime:   time.Now(),
		interval:    interval,
		publisher:   cfg.Publisher,
		gateway:     cfg.Gateway,
		metrics:     cfg.Metrics,
		entityCount: cfg.EntityCount,
		queueDepth:  cfg.QueueDepth,
		done:        make(chan struct{}),
	}
}

// Start begins periodic health reporting.
// Must be called after creation. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop gracefully stops health reporting.
// Publishes a final "stopping" status before returning.
// Safe to call multiple times (uses sync.Once).
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.wg.Wait()

		// Publish final stopping status (best-effort, ignore errors)
		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
// Called during bridge initialization.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// reportLoop runs the periodic health reporting.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Publish initial status
	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	// Check MQTT connection
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	// Check the gateway link
	if h.gateway == nil || !h.gateway.IsConnected() {
		return HealthDegraded, "gateway link down"
	}

	return HealthHealthy, ""
}

// publishStatus publishes a health status message and mirrors the link
// counters to the metrics sink.
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil // No publisher configured
	}

	var stats GatewayStats
	if h.gateway != nil {
		stats = h.gateway.Stats()
	}

	entities := 0
	if h.entityCount != nil {
		entities = h.entityCount()
	}
	depth := 0
	if h.queueDepth != nil {
		depth = h.queueDepth()
	}

	msg := NewHealthMessage(h.version, status, stats, entities, depth, h.startTime)
	msg.MQTTConnected = h.publisher.IsConnected()
	if reason != "" {
		msg.Reason = reason
	}

	if h.metrics != nil {
		h.metrics.WriteLinkStats(
			stats.CommandsSent,
			stats.RepliesReceived,
			stats.ErrorsTotal,
			stats.Reconnects,
			stats.Connected,
		)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// QoS 1, retained: monitoring sees the last status even after a crash
	return h.publisher.Publish(h.topic, payload, 1, true)
}

// logError logs an error if logger is set.
func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
