package zense

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// workerLoop is the single consumer of the command queue. It blocks on the
// first operation, waits out the debounce window, absorbs whatever else
// queued up in the meantime, and executes the coalesced batch against the
// gateway.
//
// A Home Assistant slider drag floods the queue with brightness values;
// coalescing turns the flood into one Fade per module.
func (b *Bridge) workerLoop() {
	defer b.wg.Done()

	for {
		var first op
		select {
		case <-b.done:
			return
		case first = <-b.queue:
		}

		pending := newPendingSet()
		pending.add(first)

		select {
		case <-b.done:
			return
		case <-time.After(b.cfg.Debounce):
		}

		b.drain(pending)
		b.execute(pending)
	}
}

// drain absorbs queued operations into the batch without blocking.
func (b *Bridge) drain(pending *pendingSet) {
	for i := 0; i < drainLimit; i++ {
		select {
		case o := <-b.queue:
			pending.add(o)
		default:
			return
		}
	}
}

// execute runs a coalesced batch: discovery first, then the state
// read-back, then per-module commands in first-seen order. The gateway
// client enforces the inter-command gap, so no pacing happens here.
func (b *Bridge) execute(pending *pendingSet) {
	if pending.discover {
		b.runDiscovery()
	}
	if pending.refresh {
		b.refreshAll()
	}

	for _, deviceID := range pending.order {
		select {
		case <-b.done:
			return
		default:
		}

		e := pending.entries[deviceID]
		switch {
		case e.off:
			if err := b.gateway.TurnOff(b.ctx, deviceID); err != nil {
				b.logError("turn off failed", fmt.Errorf("device %d: %w", deviceID, err))
				continue
			}
			b.publishState(deviceID, 0)
		case e.hasLevel:
			if err := b.gateway.FadeTo(b.ctx, deviceID, e.level); err != nil {
				b.logError("fade failed", fmt.Errorf("device %d: %w", deviceID, err))
				continue
			}
			b.publishState(deviceID, e.level)
		case e.on:
			if err := b.gateway.TurnOn(b.ctx, deviceID); err != nil {
				b.logError("turn on failed", fmt.Errorf("device %d: %w", deviceID, err))
				continue
			}
			b.publishState(deviceID, LevelScale)
		}
	}
}

// runDiscovery enumerates the powerline, merges the result into the
// registry, fetches names for modules that still lack one, and republishes
// every entity's discovery config.
func (b *Bridge) runDiscovery() {
	ids, err := b.gateway.Devices(b.ctx)
	if err != nil {
		b.logError("device enumeration failed", err)
		return
	}

	fresh := b.registry.Merge(ids)
	for _, id := range b.registry.Unnamed() {
		name, err := b.gateway.DeviceName(b.ctx, id)
		if err != nil {
			// The module keeps its generated fallback name.
			b.logError("name lookup failed", fmt.Errorf("device %d: %w", id, err))
			continue
		}
		b.registry.SetName(id, name)
	}

	entities := b.registry.All()
	for _, entity := range entities {
		b.publishDiscovery(entity)
	}

	b.logInfo("discovery published",
		"entities", len(entities),
		"new", len(fresh))
}

// refreshAll reads back every known module's level and republishes state.
// Levels drift outside MQTT when wall switches are used.
func (b *Bridge) refreshAll() {
	if !b.gateway.IsConnected() {
		return
	}

	for _, entity := range b.registry.All() {
		select {
		case <-b.done:
			return
		default:
		}

		level, err := b.gateway.Level(b.ctx, entity.ID)
		if err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) {
				// The link just dropped. The reconnect callback queues
				// another refresh, so give up on this one.
				return
			}
			b.logError("level read failed", fmt.Errorf("device %d: %w", entity.ID, err))
			continue
		}
		b.publishState(entity.ID, level)
	}
}

// pollLoop periodically queues a state refresh. Started only when
// StatePollInterval is positive.
func (b *Bridge) pollLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.StatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if b.registry.Len() == 0 {
				continue
			}
			b.enqueue(op{kind: opRefresh})
		}
	}
}

// publishState publishes the confirmed level for a module on its state and
// brightness topics, deduplicating repeats. Both are retained so Home
// Assistant restores entity state across its own restarts.
func (b *Bridge) publishState(deviceID, level int) {
	level = ClampLevel(level)

	b.lastPublishedMu.Lock()
	if last, found := b.lastPublished[deviceID]; found && last == level {
		b.lastPublishedMu.Unlock()
		return
	}
	b.lastPublished[deviceID] = level
	b.lastPublishedMu.Unlock()

	uid := b.topics.UID(deviceID)

	state := PayloadOff
	if level > 0 {
		state = PayloadOn
	}
	if err := b.mqtt.Publish(b.topics.StateTopic(uid), []byte(state), b.cfg.QoS, true); err != nil {
		b.logError("failed to publish state", err)
	}
	if err := b.mqtt.Publish(b.topics.BrightnessStateTopic(uid), []byte(strconv.Itoa(level)), b.cfg.QoS, true); err != nil {
		b.logError("failed to publish brightness state", err)
	}

	if b.metrics != nil {
		name, ok := b.registry.Name(deviceID)
		if !ok {
			name = FallbackName(deviceID)
		}
		b.metrics.WriteLightLevel(deviceID, name, level)
	}
}

// publishDiscovery publishes the retained Home Assistant discovery config
// for one entity.
func (b *Bridge) publishDiscovery(entity Entity) {
	msg := NewDiscoveryMessage(b.topics, entity.ID, entity.Name, int(b.cfg.QoS))
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal discovery config", err)
		return
	}

	uid := b.topics.UID(entity.ID)
	if err := b.mqtt.Publish(b.topics.ConfigTopic(uid), payload, b.cfg.QoS, true); err != nil {
		b.logError("failed to publish discovery config", err)
	}
}

// publishAvailability marks the whole bridge online or offline. Retained
// at QoS 1; every entity references this topic in its discovery config.
func (b *Bridge) publishAvailability(online bool) {
	payload := PayloadOffline
	if online {
		payload = PayloadOnline
	}
	if err := b.mqtt.Publish(b.topics.AvailabilityTopic(), []byte(payload), 1, true); err != nil {
		b.logError("failed to publish availability", err)
	}
}
