package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteLightLevel records the brightness level of a single light.
//
// Called whenever the bridge publishes a state update, so the series
// tracks both commanded changes and polled readings. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Powerline device identifier from the gateway
//   - name: Human-readable device name (tag, low cardinality)
//   - level: Brightness 0-100
func (c *Client) WriteLightLevel(deviceID int, name string, level int) {
	c.WritePoint(
		"light_level",
		map[string]string{
			"device_id": strconv.Itoa(deviceID),
			"name":      name,
		},
		map[string]interface{}{
			"level": int64(level),
		},
	)
}

// WriteLinkStats records a snapshot of gateway link counters.
//
// Written on each health tick so the link's error and reconnect history
// can be graphed alongside light activity.
func (c *Client) WriteLinkStats(commandsSent, repliesReceived, errorsTotal, reconnects uint64, connected bool) {
	c.WritePoint(
		"bridge_link",
		map[string]string{},
		map[string]interface{}{
			"commands_sent":    int64(commandsSent),
			"replies_received": int64(repliesReceived),
			"errors_total":     int64(errorsTotal),
			"reconnects":       int64(reconnects),
			"connected":        connected,
		},
	)
}

// WritePoint writes a point timestamped "now" with full control over tags
// and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data). All the
// write helpers funnel through here; a disconnected client drops the point.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
