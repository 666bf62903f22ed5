// Package mqtt provides MQTT client connectivity for the ZenseHome bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for availability detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge sits between a ZenseHome powerline gateway and Home Assistant,
// with MQTT as the only integration surface. Home Assistant discovers the
// bridge's lights over MQTT and sends commands back the same way.
//
//	ZenseHome Gateway ↔ Bridge ↔ MQTT Broker ↔ Home Assistant
//
// The availability contract is deliberately split: this package registers the
// LWT (broker-published "offline" on crash), while the bridge itself publishes
// the retained "online"/"offline" markers on connect and graceful shutdown.
//
// # Security Considerations
//
//   - TLS is recommended for non-local brokers (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	will := mqtt.WillConfig{Topic: "homeassistant/zense_bridge/availability", Payload: "offline"}
//	client, err := mqtt.Connect(cfg.MQTT, will)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all entity command topics
//	err = client.Subscribe("homeassistant/zense_bridge/+/set", 0,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a state update
//	client.PublishString("homeassistant/zense_bridge/zensebridge_7/state", "ON", 0, false)
package mqtt
