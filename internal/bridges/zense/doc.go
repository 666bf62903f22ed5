// Package zense implements the bridge between ZenseHome powerline
// lighting controllers and MQTT.
//
// The ZenseHome PC-Boks exposes a single-connection TCP service speaking a
// line-oriented ASCII protocol. This package logs in to that service,
// discovers the dimmer modules behind it, and publishes each one to Home
// Assistant as an MQTT light with native auto-discovery.
//
// # Architecture
//
// The bridge operates as a translator between two worlds:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│  Home Assistant │   MQTT   │  Zense Bridge   │   TCP ASCII
//	│   (or broker)   │◄────────►│   (this pkg)    │◄───────────► PC-Boks
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Maintain the authenticated gateway session, reconnecting with backoff
//   - Discover dimmer modules and publish Home Assistant discovery configs
//   - Translate light commands (ON/OFF/brightness) into gateway frames
//   - Coalesce command bursts so sliders do not flood the powerline bus
//   - Poll module levels so wall-switch changes reach Home Assistant
//   - Publish availability and health status
//
// # Gateway Protocol
//
// Every exchange is a strict request/response pair framed as ">>Cmd args<<":
//
//	>>Login 16713<<      authenticate (required once per connection)
//	>>Get Devices<<      list module IDs
//	>>Get Name 7<<       read a module's display name
//	>>Get 7<<            read a module's level (0-100)
//	>>Set 7 0<<          switch off
//	>>Set 7 100<<        switch full on
//	>>Fade 7 60<<        dim to a level
//
// The gateway tolerates only one command at a time, so all sends are
// serialised and spaced by a configurable command gap.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - Home Assistant MQTT light: https://www.home-assistant.io/integrations/light.mqtt/
//   - MQTT discovery: https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery
package zense
