package zense

import (
	"fmt"
	"strconv"
	"strings"
)

// LevelScale is the gateway's native brightness range. Levels are always
// 0..100; full on is Set 100, off is Set 0.
const LevelScale = 100

// frameEnd terminates every frame in the gateway's ASCII protocol.
// Replies are accumulated until it appears.
const frameEnd = "<<"

// Reply markers used to locate values inside gateway replies.
const (
	loginOKMarker     = ">>Login Ok<<"
	levelReplyMarker  = ">>Get "
	deviceReplyMarker = ">>Get Devices "
	nameReplyMarker   = ">>Get Name "
)

// EncodeLogin builds the authentication frame. The gateway requires a
// successful login before any other command on the connection.
func EncodeLogin(code int) string {
	return fmt.Sprintf(">>Login %d<<", code)
}

// EncodeSet builds a switch frame. Level 0 switches off; LevelScale
// switches full on.
func EncodeSet(deviceID, level int) string {
	return fmt.Sprintf(">>Set %d %d<<", deviceID, level)
}

// EncodeFade builds a dim frame for an intermediate level.
func EncodeFade(deviceID, level int) string {
	return fmt.Sprintf(">>Fade %d %d<<", deviceID, ClampLevel(level))
}

// EncodeGet builds a level query frame.
func EncodeGet(deviceID int) string {
	return fmt.Sprintf(">>Get %d<<", deviceID)
}

// EncodeGetDevices builds the module enumeration frame.
func EncodeGetDevices() string {
	return ">>Get Devices<<"
}

// EncodeGetName builds a name query frame.
func EncodeGetName(deviceID int) string {
	return fmt.Sprintf(">>Get Name %d<<", deviceID)
}

// LoginAccepted reports whether a login reply signals success.
// The gateway echoes other traffic around the marker, so containment is
// the only reliable check.
func LoginAccepted(reply string) bool {
	return strings.Contains(reply, loginOKMarker)
}

// ParseLevel extracts the module level from a ">>Get <level><<" reply.
// Returns ErrProtocol when the reply does not carry a numeric level.
func ParseLevel(reply string) (int, error) {
	body, ok := replyBody(reply, levelReplyMarker)
	if !ok {
		return 0, fmt.Errorf("%w: no level in %q", ErrProtocol, reply)
	}
	level, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return 0, fmt.Errorf("%w: level %q is not numeric", ErrProtocol, body)
	}
	return level, nil
}

// ParseDeviceList extracts module IDs from a ">>Get Devices 1,2,3<<" reply.
// Non-numeric entries are dropped. A reply without the marker yields an
// empty list; rediscovery merges, so an empty list never removes modules.
func ParseDeviceList(reply string) []int {
	body, ok := replyBody(reply, deviceReplyMarker)
	if !ok {
		return nil
	}

	var ids []int
	for _, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		if field == "" || !allDigits(field) {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ParseName extracts the display name from a ">>Get Name 'Kitchen'<<"
// reply. Gateways without a stored name reply with an empty string or the
// literal "timeout"; both fall back to a generated name.
func ParseName(reply string, deviceID int) string {
	body, ok := replyBody(reply, nameReplyMarker)
	if !ok {
		return FallbackName(deviceID)
	}

	name := strings.Trim(strings.TrimSpace(body), "'")
	if name == "" || strings.EqualFold(name, "timeout") {
		return FallbackName(deviceID)
	}
	return name
}

// FallbackName returns the synthetic name used when the gateway has no
// stored name for a module.
func FallbackName(deviceID int) string {
	return fmt.Sprintf("Device_%d", deviceID)
}

// ClampLevel bounds a level to the gateway's 0..LevelScale range.
func ClampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > LevelScale {
		return LevelScale
	}
	return level
}

// replyBody returns the text between the marker and the next frame
// terminator. Replies may contain unrelated traffic before the marker.
func replyBody(reply, marker string) (string, bool) {
	_, after, found := strings.Cut(reply, marker)
	if !found {
		return "", false
	}
	body, _, _ := strings.Cut(after, frameEnd)
	return body, true
}

// allDigits reports whether s consists solely of ASCII digits.
func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
