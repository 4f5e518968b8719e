// Package actuator drives the physical motion hardware. Two drivers share
// one interface: the single-axis LECP step controller over Modbus RTU, and
// a six-axis platform over UDP. A no-op driver backs dry-run mode.
package actuator

import (
	"errors"
	"time"
)

// ErrNotReady is returned by SendPosition before Initialize has completed
// or after the driver faults.
var ErrNotReady = errors.New("actuator not ready")

// LinkState tracks the driver's connection lifecycle. A driver must reach
// Ready before SendPosition does anything.
type LinkState string

const (
	StateDisconnected LinkState = "disconnected"
	StateConnected    LinkState = "connected"
	StateHoming       LinkState = "homing"
	StateReady        LinkState = "ready"
	StateFaulted      LinkState = "faulted"
)

// Driver is the hardware abstraction the control loop writes to.
//
// Lifecycle: Connect opens the link, Initialize brings the hardware to a
// known centred state, then SendPosition is called once per control cycle.
// Shutdown returns the hardware to center and de-energises it; Close
// releases the link.
type Driver interface {
	Connect() error
	Initialize(homeFirst bool) error
	SendPosition(mm float64) error
	Shutdown() error
	Close() error

	State() LinkState
	Stats() Stats
}

// Stats counts driver activity since construction.
type Stats struct {
	CommandsSent       uint64  `json:"commands_sent"`
	CommandsSuppressed uint64  `json:"commands_suppressed"`
	WriteErrors        uint64  `json:"write_errors"`
	LastPositionMM     float64 `json:"last_position_mm"`
}

// commandThrottle suppresses hardware writes that are too frequent or too
// small to matter. Both gates must pass for a command to be accepted:
// enough time since the last accepted command, and enough travel from the
// last accepted position. Suppression is backpressure, not an error.
type commandThrottle struct {
	minInterval time.Duration
	thresholdMM float64

	primed       bool
	lastAccepted time.Time
	lastPosition float64

	nowFunc func() time.Time
}

func newCommandThrottle(minInterval time.Duration, thresholdMM float64) *commandThrottle {
	return &commandThrottle{
		minInterval: minInterval,
		thresholdMM: thresholdMM,
		nowFunc:     time.Now,
	}
}

// accept reports whether a command to positionMM should reach the bus and,
// if so, records it as the new reference point. The first command is always
// accepted.
func (c *commandThrottle) accept(positionMM float64) bool {
	now := c.nowFunc()
	if c.primed {
		if now.Sub(c.lastAccepted) < c.minInterval {
			return false
		}
		if abs(positionMM-c.lastPosition) < c.thresholdMM {
			return false
		}
	}
	c.primed = true
	c.lastAccepted = now
	c.lastPosition = positionMM
	return true
}

// reset forgets the reference point so the next command passes regardless.
func (c *commandThrottle) reset() {
	c.primed = false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
