package gate

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Lokch777/EE3070-Design-Project/internal/event"
	"github.com/Lokch777/EE3070-Design-Project/internal/log"
)

// Reason explains why admission was refused.
type Reason string

const (
	ReasonAdmitted Reason = "admitted"
	ReasonBusy     Reason = "device_busy"
	ReasonMemory   Reason = "memory_low"
)

// Gate is the per-device admission control: a single-flight slot plus a
// health guard on the device's reported free-memory percentage. Both guards
// must pass for a request to be admitted.
type Gate struct {
	mu         sync.Mutex
	active     map[string]string  // device id -> owning correlation id
	freeMemPct map[string]float64 // device id -> last reported free memory %
	minFreePct float64
	logger     zerolog.Logger
}

// New creates a gate that rejects admission when reported free memory falls
// below minFreePct.
func New(minFreePct float64) *Gate {
	return &Gate{
		active:     make(map[string]string),
		freeMemPct: make(map[string]float64),
		minFreePct: minFreePct,
		logger:     log.WithComponent("gate"),
	}
}

// Admit checks both guards without taking the slot. Used by the trigger
// engine to reject before a session is even created.
func (g *Gate) Admit(deviceID string) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[deviceID]; busy {
		return false, ReasonBusy
	}
	if !g.healthyLocked(deviceID) {
		return false, ReasonMemory
	}
	return true, ReasonAdmitted
}

// Acquire takes the single-flight slot for deviceID on behalf of
// correlationID. It fails if the slot is held or the device is unhealthy.
func (g *Gate) Acquire(deviceID, correlationID string) (bool, Reason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if holder, busy := g.active[deviceID]; busy {
		g.logger.Warn().
			Str("device_id", deviceID).
			Str("active_correlation_id", holder).
			Str("correlation_id", correlationID).
			Msg("acquire rejected, slot held")
		return false, ReasonBusy
	}
	if !g.healthyLocked(deviceID) {
		return false, ReasonMemory
	}
	g.active[deviceID] = correlationID
	g.logger.Info().Str("device_id", deviceID).Str("correlation_id", correlationID).Msg("slot acquired")
	return true, ReasonAdmitted
}

// Release clears the slot only if correlationID still owns it, so a stale
// release cannot clobber a newer session. Returns whether the slot was freed.
func (g *Gate) Release(deviceID, correlationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	holder, ok := g.active[deviceID]
	if !ok {
		return false
	}
	if holder != correlationID {
		g.logger.Warn().
			Str("device_id", deviceID).
			Str("holder", holder).
			Str("correlation_id", correlationID).
			Msg("stale release ignored")
		return false
	}
	delete(g.active, deviceID)
	g.logger.Info().Str("device_id", deviceID).Str("correlation_id", correlationID).Msg("slot released")
	return true
}

// Active returns the correlation id currently holding the device slot.
func (g *Gate) Active(deviceID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.active[deviceID]
	return id, ok
}

// ReportFreeMemory records the latest free-memory percentage for a device.
// The reading comes from device status messages.
func (g *Gate) ReportFreeMemory(deviceID string, pct float64) {
	g.mu.Lock()
	g.freeMemPct[deviceID] = pct
	g.mu.Unlock()
	if pct < g.minFreePct {
		g.logger.Warn().Str("device_id", deviceID).Float64("free_pct", pct).Msg("device memory low")
	}
}

// healthyLocked treats a device with no reading yet as healthy.
func (g *Gate) healthyLocked(deviceID string) bool {
	pct, ok := g.freeMemPct[deviceID]
	if !ok {
		return true
	}
	return pct >= g.minFreePct
}

// RejectEvent builds the observer event for a refused admission.
func RejectEvent(correlationID, deviceID string, reason Reason) event.Event {
	r := event.RejectBusy
	if reason == ReasonMemory {
		r = event.RejectUnhealthy
	}
	return event.New(event.KindRequestRejected, correlationID, event.TriggerRejected{Reason: r, DeviceID: deviceID})
}
