// Package safety enforces the mechanical envelope on every actuator
// command: position clamping, speed limiting, and an emergency-stop latch.
//
// The envelope corrects rather than rejects. Out-of-range commands are
// clamped and counted, never surfaced as errors, so the control loop keeps
// running while the operator can see the violation count. Only the
// emergency stop changes commanded behaviour: while latched, every call
// that would return a position returns the home position instead.
package safety

import (
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

// State describes the envelope's derived condition.
type State string

const (
	// StateNormal means no warnings and no active emergency stop.
	StateNormal State = "normal"
	// StateWarning means at least one command was clamped or slowed.
	StateWarning State = "warning"
	// StateEmergencyStopped means the e-stop latch is engaged.
	StateEmergencyStopped State = "emergency_stop"
)

// Config holds the envelope limits. Values are plain data validated at
// config load.
type Config struct {
	// MinPositionMM and MaxPositionMM bound commanded positions.
	MinPositionMM float64
	MaxPositionMM float64

	// HomePositionMM is returned for every position request while the
	// emergency stop is latched.
	HomePositionMM float64

	// MaxSpeedMMs bounds the commanded rate of change.
	MaxSpeedMMs float64

	// EStopTimeout is the minimum latch duration: ResetEStop fails until
	// this much time has passed since the trigger.
	EStopTimeout time.Duration
}

// Callback is invoked synchronously when the emergency stop triggers.
type Callback func()

// Envelope owns the safety state for one actuator. It is constructed once
// and passed by reference to every consumer; there is deliberately no
// package-level singleton, so tests can run independent instances.
//
// All methods are safe for concurrent use. The control loop clamps while
// the HTTP operator surface triggers and resets the latch from its own
// goroutine, so every access to the latch and the warning counter goes
// through the mutex.
type Envelope struct {
	cfg Config

	mu           sync.Mutex
	warningCount uint64
	estopActive  bool
	estopTime    time.Time
	callbacks    []Callback

	// nowFunc allows tests to control the clock.
	nowFunc func() time.Time
}

// NewEnvelope creates an Envelope with the given limits.
func NewEnvelope(cfg Config) *Envelope {
	return &Envelope{
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// ClampPosition bounds a commanded position to the configured range.
// In-range values pass through bit-identical. While the emergency stop is
// latched the home position is returned regardless of input.
func (e *Envelope) ClampPosition(positionMM float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.estopActive {
		// The trigger already logged; at loop rate a per-call line
		// would flood the log for the whole latch period.
		return e.cfg.HomePositionMM
	}

	clamped := positionMM
	if clamped < e.cfg.MinPositionMM {
		clamped = e.cfg.MinPositionMM
	} else if clamped > e.cfg.MaxPositionMM {
		clamped = e.cfg.MaxPositionMM
	}

	if clamped != positionMM {
		e.warningCount++
		monitoring.Logf("safety: position clamped %.2fmm -> %.2fmm (limits %.1f-%.1fmm) [warning #%d]",
			positionMM, clamped, e.cfg.MinPositionMM, e.cfg.MaxPositionMM, e.warningCount)
	}

	return clamped
}

// LimitSpeed bounds the step from current to target over dt to the
// configured speed. The sign of travel is preserved. While the emergency
// stop is latched the home position is returned.
func (e *Envelope) LimitSpeed(currentMM, targetMM float64, dt time.Duration) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.estopActive {
		return e.cfg.HomePositionMM
	}

	seconds := dt.Seconds()
	if seconds <= 0 {
		return targetMM
	}

	delta := targetMM - currentMM
	speed := delta / seconds
	if speed > e.cfg.MaxSpeedMMs {
		e.warningCount++
		limited := currentMM + e.cfg.MaxSpeedMMs*seconds
		monitoring.Logf("safety: speed limited %.1fmm/s -> %.1fmm/s [warning #%d]",
			speed, e.cfg.MaxSpeedMMs, e.warningCount)
		return limited
	}
	if speed < -e.cfg.MaxSpeedMMs {
		e.warningCount++
		limited := currentMM - e.cfg.MaxSpeedMMs*seconds
		monitoring.Logf("safety: speed limited %.1fmm/s -> %.1fmm/s [warning #%d]",
			-speed, e.cfg.MaxSpeedMMs, e.warningCount)
		return limited
	}
	return targetMM
}

// RegisterCallback adds a callback to run when the emergency stop fires.
func (e *Envelope) RegisterCallback(cb Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// TriggerEStop engages the emergency-stop latch and runs every registered
// callback. A panicking callback does not prevent the remaining callbacks
// from running. Callbacks run with the latch already engaged but outside
// the lock, so they may call back into the envelope.
func (e *Envelope) TriggerEStop(reason string) {
	e.mu.Lock()
	e.estopActive = true
	e.estopTime = e.nowFunc()
	callbacks := append([]Callback(nil), e.callbacks...)
	e.mu.Unlock()

	monitoring.Criticalf("EMERGENCY STOP: %s", reason)

	for _, cb := range callbacks {
		e.runCallback(cb)
	}
}

func (e *Envelope) runCallback(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Logf("safety: e-stop callback panicked: %v", r)
		}
	}()
	cb()
}

// ResetEStop clears the latch if the timeout has elapsed since the
// trigger. Returns false, with the latch unchanged, if called too early.
func (e *Envelope) ResetEStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.estopActive {
		if e.nowFunc().Sub(e.estopTime) < e.cfg.EStopTimeout {
			return false
		}
	}
	e.estopActive = false
	e.estopTime = time.Time{}
	return true
}

// EStopActive reports whether the latch is engaged.
func (e *Envelope) EStopActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estopActive
}

// WarningCount returns the number of corrected commands so far.
func (e *Envelope) WarningCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warningCount
}

// HomePosition returns the configured home/center position.
func (e *Envelope) HomePosition() float64 { return e.cfg.HomePositionMM }

// State derives the envelope condition: the e-stop latch wins, then any
// recorded warning, then normal.
func (e *Envelope) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.estopActive {
		return StateEmergencyStopped
	}
	if e.warningCount > 0 {
		return StateWarning
	}
	return StateNormal
}
