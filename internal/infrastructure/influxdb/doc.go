// Package influxdb provides optional time-series telemetry for the bridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, metric writing, and health monitoring.
//
// # Purpose
//
// This package records:
//   - Brightness levels per light (commanded and polled)
//   - Gateway link counters (commands, replies, errors, reconnects)
//
// Telemetry is strictly observational. The bridge never reads state back
// from InfluxDB; Home Assistant and the gateway remain the only sources
// of truth.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "home",
//	    Bucket:  "zense",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    // ErrDisabled means telemetry is off; run without it
//	}
//	defer client.Close()
//
//	client.WriteLightLevel(7, "Kitchen Spots", 60)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
package influxdb
