package zense

import (
	"math"
	"strconv"
	"strings"
)

// Command intake types. Inbound MQTT commands are queued as ops, then
// coalesced per module during the debounce window so a Home Assistant
// slider drag becomes one Fade instead of dozens.

type opKind int

const (
	// opOff turns a module off.
	opOff opKind = iota

	// opOn turns a module fully on.
	opOn

	// opLevel dims a module to a 0-100 level.
	opLevel

	// opDiscover enumerates modules and publishes discovery configs.
	opDiscover

	// opRefresh reads back every known module's level.
	opRefresh
)

type op struct {
	kind     opKind
	deviceID int
	level    int
}

// pendingEntry is the coalesced intent for one module. A set level wins
// over on; off wins over both.
type pendingEntry struct {
	off      bool
	on       bool
	level    int
	hasLevel bool
}

// pendingSet coalesces queued ops. Modules keep first-seen order so the
// batch executes deterministically.
type pendingSet struct {
	order    []int
	entries  map[int]*pendingEntry
	discover bool
	refresh  bool
}

func newPendingSet() *pendingSet {
	return &pendingSet{entries: make(map[int]*pendingEntry)}
}

func (p *pendingSet) add(o op) {
	switch o.kind {
	case opDiscover:
		p.discover = true
		return
	case opRefresh:
		p.refresh = true
		return
	}

	e := p.entries[o.deviceID]
	if e == nil {
		e = &pendingEntry{}
		p.entries[o.deviceID] = e
		p.order = append(p.order, o.deviceID)
	}

	switch o.kind {
	case opOff:
		e.off = true
		e.on = false
		e.level = 0
		e.hasLevel = false
	case opOn:
		// An off or an explicit level already queued in this batch
		// outranks a bare on.
		if !e.off && !e.hasLevel {
			e.on = true
		}
	case opLevel:
		level := ClampLevel(o.level)
		if level == 0 {
			e.off = true
			e.on = false
			e.level = 0
			e.hasLevel = false
		} else {
			e.level = level
			e.hasLevel = true
			e.on = false
			e.off = false
		}
	}
}

func (p *pendingSet) empty() bool {
	return !p.discover && !p.refresh && len(p.order) == 0
}

// parseBrightness converts a brightness payload to an integer. Home
// Assistant sends integers, but floats are accepted and rounded.
func parseBrightness(payload string) (int, bool) {
	s := strings.TrimSpace(payload)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int(math.Round(f)), true
}

// scaleBrightness maps an inbound brightness value onto the gateway's
// 0-100 scale. Values already inside the scale pass through unchanged so
// percent-speaking clients keep working; anything above is treated as
// Home Assistant's 0-255 scale.
func scaleBrightness(raw int) int {
	if raw < 0 {
		return 0
	}
	if raw <= LevelScale {
		return raw
	}
	if raw > 255 {
		raw = 255
	}
	return int(math.Round(float64(raw) / 255.0 * LevelScale))
}
