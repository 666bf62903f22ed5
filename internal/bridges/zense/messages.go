package zense

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MQTT topic layout and message types for the Home Assistant side of the
// bridge. Entity topics live under a configurable base, discovery configs
// under the Home Assistant discovery prefix.

// MQTT payload values used on the entity and availability topics.
const (
	// PayloadOn is the switch payload for "on".
	PayloadOn = "ON"

	// PayloadOff is the switch payload for "off".
	PayloadOff = "OFF"

	// PayloadOnline is the availability payload while the bridge runs.
	PayloadOnline = "online"

	// PayloadOffline is the availability payload after shutdown, also used
	// as the MQTT Last Will.
	PayloadOffline = "offline"
)

// HAStatusTopic is where Home Assistant announces its own lifecycle.
// A retained "online" arrives when HA (re)starts and has forgotten all
// discovered entities, so the bridge re-publishes discovery configs.
const HAStatusTopic = "homeassistant/status"

// Default topic settings, matching the add-on's documented layout.
const (
	// DefaultTopicBase is the root of all entity topics.
	DefaultTopicBase = "homeassistant/zense_bridge"

	// DefaultDiscoveryPrefix is Home Assistant's MQTT discovery prefix.
	DefaultDiscoveryPrefix = "homeassistant"

	// DefaultUIDPrefix namespaces entity unique IDs.
	// Example: zensebridge_7 for powerline module 7.
	DefaultUIDPrefix = "zensebridge_"
)

// CommandKind distinguishes the two inbound command topics of an entity.
type CommandKind int

const (
	// CommandSwitch is an ON/OFF payload on {base}/{uid}/set.
	CommandSwitch CommandKind = iota

	// CommandBrightness is a 0-255 payload on {base}/{uid}/brightness/set.
	CommandBrightness
)

// Topics builds and parses the bridge's MQTT topic space.
type Topics struct {
	// Base is the root of all entity topics.
	Base string

	// DiscoveryPrefix is Home Assistant's discovery prefix.
	DiscoveryPrefix string

	// UIDPrefix namespaces entity unique IDs.
	UIDPrefix string
}

// NewTopics fills empty fields with the default layout.
func NewTopics(base, discoveryPrefix, uidPrefix string) Topics {
	if base == "" {
		base = DefaultTopicBase
	}
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	if uidPrefix == "" {
		uidPrefix = DefaultUIDPrefix
	}
	return Topics{Base: base, DiscoveryPrefix: discoveryPrefix, UIDPrefix: uidPrefix}
}

// UID returns the unique ID for a powerline module.
// Example: zensebridge_7
func (t Topics) UID(deviceID int) string {
	return t.UIDPrefix + strconv.Itoa(deviceID)
}

// DeviceID recovers the module number from a unique ID. It reports false
// for foreign prefixes and non-positive numbers.
func (t Topics) DeviceID(uid string) (int, bool) {
	rest, found := strings.CutPrefix(uid, t.UIDPrefix)
	if !found || rest == "" {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// CommandTopic returns the ON/OFF command topic for an entity.
// Example: homeassistant/zense_bridge/zensebridge_7/set
func (t Topics) CommandTopic(uid string) string {
	return fmt.Sprintf("%s/%s/set", t.Base, uid)
}

// StateTopic returns the ON/OFF state topic for an entity.
// Example: homeassistant/zense_bridge/zensebridge_7/state
func (t Topics) StateTopic(uid string) string {
	return fmt.Sprintf("%s/%s/state", t.Base, uid)
}

// BrightnessCommandTopic returns the brightness command topic.
// Example: homeassistant/zense_bridge/zensebridge_7/brightness/set
func (t Topics) BrightnessCommandTopic(uid string) string {
	return fmt.Sprintf("%s/%s/brightness/set", t.Base, uid)
}

// BrightnessStateTopic returns the brightness state topic.
// Example: homeassistant/zense_bridge/zensebridge_7/brightness/state
func (t Topics) BrightnessStateTopic(uid string) string {
	return fmt.Sprintf("%s/%s/brightness/state", t.Base, uid)
}

// ConfigTopic returns the discovery config topic for an entity.
// Example: homeassistant/light/zensebridge_7/config
func (t Topics) ConfigTopic(uid string) string {
	return fmt.Sprintf("%s/light/%s/config", t.DiscoveryPrefix, uid)
}

// AvailabilityTopic returns the bridge-wide availability topic.
// Example: homeassistant/zense_bridge/availability
func (t Topics) AvailabilityTopic() string {
	return fmt.Sprintf("%s/availability", t.Base)
}

// HealthTopic returns the bridge health status topic.
// Example: homeassistant/zense_bridge/bridge/health
func (t Topics) HealthTopic() string {
	return fmt.Sprintf("%s/bridge/health", t.Base)
}

// CommandPattern returns the subscription filter for ON/OFF commands.
// Example: homeassistant/zense_bridge/+/set
func (t Topics) CommandPattern() string {
	return fmt.Sprintf("%s/+/set", t.Base)
}

// BrightnessCommandPattern returns the subscription filter for brightness
// commands.
// Example: homeassistant/zense_bridge/+/brightness/set
func (t Topics) BrightnessCommandPattern() string {
	return fmt.Sprintf("%s/+/brightness/set", t.Base)
}

// ParseCommand classifies an inbound command topic and extracts the entity
// unique ID. The brightness suffix is matched before the plain /set suffix
// because brightness topics end in /set as well.
func (t Topics) ParseCommand(topic string) (uid string, kind CommandKind, ok bool) {
	rest, found := strings.CutPrefix(topic, t.Base+"/")
	if !found {
		return "", 0, false
	}

	if u, hasSuffix := strings.CutSuffix(rest, "/brightness/set"); hasSuffix {
		if u == "" || strings.Contains(u, "/") {
			return "", 0, false
		}
		return u, CommandBrightness, true
	}

	if u, hasSuffix := strings.CutSuffix(rest, "/set"); hasSuffix {
		if u == "" || strings.Contains(u, "/") {
			return "", 0, false
		}
		return u, CommandSwitch, true
	}

	return "", 0, false
}

// DiscoveryMessage is the Home Assistant MQTT discovery config for one
// dimmable light. Field names follow the MQTT Light schema.
// Topic: {discovery_prefix}/light/{uid}/config
// QoS: configured, Retained: Yes
type DiscoveryMessage struct {
	// Name is the display name shown in Home Assistant.
	Name string `json:"name"`

	// UniqueID identifies the entity across restarts.
	UniqueID string `json:"unique_id"`

	// CommandTopic receives ON/OFF commands.
	CommandTopic string `json:"command_topic"`

	// StateTopic reports ON/OFF state.
	StateTopic string `json:"state_topic"`

	// BrightnessCommandTopic receives brightness commands.
	BrightnessCommandTopic string `json:"brightness_command_topic"`

	// BrightnessStateTopic reports brightness state.
	BrightnessStateTopic string `json:"brightness_state_topic"`

	// BrightnessScale is the maximum brightness value on the state topic.
	// The gateway dims in percent, so the scale is 100.
	BrightnessScale int `json:"brightness_scale"`

	// PayloadOn and PayloadOff are the switch payloads.
	PayloadOn  string `json:"payload_on"`
	PayloadOff string `json:"payload_off"`

	// AvailabilityTopic marks all bridge entities offline together.
	AvailabilityTopic   string `json:"availability_topic"`
	PayloadAvailable    string `json:"payload_available"`
	PayloadNotAvailable string `json:"payload_not_available"`

	// Optimistic is false: state is only confirmed after the gateway
	// accepts the command.
	Optimistic bool `json:"optimistic"`

	// QoS is the level Home Assistant uses for its publishes.
	QoS int `json:"qos"`
}

// NewDiscoveryMessage builds the discovery config for a powerline module.
func NewDiscoveryMessage(t Topics, deviceID int, name string, qos int) DiscoveryMessage {
	uid := t.UID(deviceID)
	return DiscoveryMessage{
		Name:                   fmt.Sprintf("%s (Zense)", name),
		UniqueID:               uid,
		CommandTopic:           t.CommandTopic(uid),
		StateTopic:             t.StateTopic(uid),
		BrightnessCommandTopic: t.BrightnessCommandTopic(uid),
		BrightnessStateTopic:   t.BrightnessStateTopic(uid),
		BrightnessScale:        LevelScale,
		PayloadOn:              PayloadOn,
		PayloadOff:             PayloadOff,
		AvailabilityTopic:      t.AvailabilityTopic(),
		PayloadAvailable:       PayloadOnline,
		PayloadNotAvailable:    PayloadOffline,
		Optimistic:             false,
		QoS:                    qos,
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge runs without a gateway session.
	HealthDegraded HealthStatus = "degraded"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status for monitoring.
// Topic: {base}/bridge/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	// Timestamp is when the status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status is the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// MQTTConnected reports whether the broker session is up. A degraded
	// status names the failed side in Reason; this makes it machine-readable.
	MQTTConnected bool `json:"mqtt_connected"`

	// Link describes the gateway session.
	Link *LinkStatus `json:"link,omitempty"`

	// EntitiesManaged is the number of known powerline modules.
	EntitiesManaged int `json:"entities_managed"`

	// QueueDepth is the number of commands waiting for the gateway.
	QueueDepth int `json:"queue_depth"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// LinkStatus describes the TCP session to the PC-Boks gateway.
type LinkStatus struct {
	// State is the session state ("authenticated", "cooldown", ...).
	State string `json:"state"`

	// Connected reports whether commands can be sent right now.
	Connected bool `json:"connected"`

	// CommandsSent counts commands written to the gateway.
	CommandsSent uint64 `json:"commands_sent"`

	// RepliesReceived counts completed exchanges.
	RepliesReceived uint64 `json:"replies_received"`

	// Errors counts failed exchanges and connection attempts.
	Errors uint64 `json:"errors"`

	// Reconnects counts restored sessions.
	Reconnects uint64 `json:"reconnects"`

	// LastActivity is the time of the last completed exchange.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// NewHealthMessage builds a health report from a gateway snapshot.
func NewHealthMessage(version string, status HealthStatus, stats GatewayStats, entities, queueDepth int, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Timestamp:       time.Now().UTC(),
		Status:          status,
		Version:         version,
		UptimeSeconds:   int64(time.Since(startTime).Seconds()),
		EntitiesManaged: entities,
		QueueDepth:      queueDepth,
	}

	link := &LinkStatus{
		State:           stats.State.String(),
		Connected:       stats.Connected,
		CommandsSent:    stats.CommandsSent,
		RepliesReceived: stats.RepliesReceived,
		Errors:          stats.ErrorsTotal,
		Reconnects:      stats.Reconnects,
	}
	if stats.LastActivity.Unix() > 0 {
		last := stats.LastActivity.UTC()
		link.LastActivity = &last
	}
	msg.Link = link

	return msg
}
