package router

import (
	"time"

	"steward/internal/model"
)

// circuit is the per-backend breaker.
//
//   - CLOSED: requests flow; consecutive failures are counted.
//   - OPEN: no requests until the cooldown elapses.
//   - HALF_OPEN: exactly one probe may be in flight. Success closes the
//     circuit; failure reopens it with the cooldown doubled up to max.
//
// All methods must be called with Router.mu held.
type circuit struct {
	state       model.CircuitState
	fails       int
	openedAt    time.Time
	cooldown    time.Duration
	lastSuccess time.Time
	lastLatency time.Duration
	probing     bool
}

type circuitCfg struct {
	trip         int
	cooldownBase time.Duration
	cooldownMax  time.Duration
}

func newCircuit() circuit {
	return circuit{state: model.CircuitClosed}
}

func circuitFromHealth(h model.BackendHealth) circuit {
	c := circuit{
		state:       h.CircuitState,
		fails:       h.ConsecutiveFailures,
		openedAt:    h.OpenedAt,
		cooldown:    h.Cooldown,
		lastSuccess: h.LastSuccessAt,
		lastLatency: h.LastLatency,
	}
	switch c.state {
	case model.CircuitOpen, model.CircuitHalfOpen:
	default:
		c.state = model.CircuitClosed
	}
	return c
}

// advance moves OPEN to HALF_OPEN once the cooldown has elapsed.
func (c *circuit) advance(now time.Time) {
	if c.state == model.CircuitOpen && !now.Before(c.openedAt.Add(c.cooldown)) {
		c.state = model.CircuitHalfOpen
		c.probing = false
	}
}

// eligible reports whether a new request may be sent now.
func (c *circuit) eligible(now time.Time) bool {
	c.advance(now)
	switch c.state {
	case model.CircuitClosed:
		return true
	case model.CircuitHalfOpen:
		return !c.probing
	default:
		return false
	}
}

// reserve marks the single HALF_OPEN probe as taken.
func (c *circuit) reserve() {
	if c.state == model.CircuitHalfOpen {
		c.probing = true
	}
}

// release gives back a probe that never completed (caller cancelled).
func (c *circuit) release() {
	c.probing = false
}

func (c *circuit) onSuccess(now time.Time, latency time.Duration) {
	c.state = model.CircuitClosed
	c.fails = 0
	c.cooldown = 0
	c.openedAt = time.Time{}
	c.probing = false
	c.lastSuccess = now
	c.lastLatency = latency
}

func (c *circuit) onFailure(now time.Time, latency time.Duration, cfg circuitCfg) {
	c.fails++
	c.lastLatency = latency
	switch c.state {
	case model.CircuitHalfOpen:
		d := c.cooldown * 2
		if d <= 0 {
			d = cfg.cooldownBase
		}
		if d > cfg.cooldownMax {
			d = cfg.cooldownMax
		}
		c.state = model.CircuitOpen
		c.cooldown = d
		c.openedAt = now
		c.probing = false
	case model.CircuitClosed:
		if c.fails >= cfg.trip {
			c.state = model.CircuitOpen
			c.cooldown = min(cfg.cooldownBase, cfg.cooldownMax)
			c.openedAt = now
		}
	}
}

func (c *circuit) health(id string) model.BackendHealth {
	return model.BackendHealth{
		BackendID:           id,
		ConsecutiveFailures: c.fails,
		LastSuccessAt:       c.lastSuccess,
		CircuitState:        c.state,
		OpenedAt:            c.openedAt,
		Cooldown:            c.cooldown,
		LastLatency:         c.lastLatency,
	}
}
