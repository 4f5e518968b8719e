package actuator

import (
	"fmt"
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/modbus"
	"github.com/simrig-data/motion.rig/internal/monitoring"
	"github.com/simrig-data/motion.rig/internal/serialport"
	"github.com/simrig-data/motion.rig/internal/units"
)

// LECP controller coil addresses.
const (
	coilServoOn      = 0x19
	coilAlarmReset   = 0x1B
	coilSetup        = 0x1C
	coilSerialEnable = 0x30
)

// LECP controller discrete input addresses. The alarm input is inverted:
// asserted means no alarm.
const (
	inputBusy       = 0x48
	inputServoReady = 0x49
	inputSetupDone  = 0x4A
	inputAlarmOK    = 0x4F
)

// LECP controller holding register addresses. Position values are int32
// split across two registers, high word first, in 0.01 mm units.
const (
	regCurrentPosition = 0x9000
	regOperationStart  = 0x9100
	regMovementMode    = 0x9102
	regSpeed           = 0x9103
	regPosition        = 0x9104
	regAcceleration    = 0x9106
	regDeceleration    = 0x9107
	regPushForce       = 0x9108
	regTriggerLevel    = 0x9109
	regPushSpeed       = 0x910A
	regMoveForce       = 0x910B
	regArea1           = 0x910C
	regArea2           = 0x910E
	regInPosition      = 0x9110
)

const (
	// opStartSentinel written to the operation-start register triggers a move.
	opStartSentinel = 0x0100
	// movementModeAbsolute selects absolute positioning.
	movementModeAbsolute = 1
)

// Fixed hardware timing. The controller manual gives no tighter bounds, so
// these match observed behaviour on the bench.
const (
	servoReadyTimeout  = 5 * time.Second
	homingTimeout      = 30 * time.Second
	motionTimeout      = 5 * time.Second
	inputPollInterval  = 100 * time.Millisecond
	motionPollInterval = 50 * time.Millisecond
	centerToleranceMM  = 10.0
)

// LECPConfig configures the single-axis serial driver.
type LECPConfig struct {
	// Port is the serial device path.
	Port   string
	Serial serialport.Options
	UnitID byte
	// ResponseTimeout bounds each Modbus response wait. Zero means the
	// transport default.
	ResponseTimeout time.Duration

	CenterMM float64
	MinMM    float64
	MaxMM    float64

	// Motion profile written once at init.
	Speed        uint16
	Acceleration uint16
	Deceleration uint16

	// MinCommandInterval and PositionThresholdMM gate the fast path.
	MinCommandInterval  time.Duration
	PositionThresholdMM float64
}

// LECPDriver drives an SMC LECP6 step controller over Modbus RTU.
//
// The serial link is singly owned: Connect, Initialize, SendPosition,
// Shutdown and Close must all run on the control-loop goroutine. State and
// Stats are safe to call from other goroutines, so the status surface can
// report on a driver the loop is actively commanding.
type LECPDriver struct {
	cfg     LECPConfig
	factory serialport.Factory

	port serialport.Porter
	bus  *modbus.Transport

	// mu guards state and stats against concurrent State/Stats readers.
	mu       sync.Mutex
	state    LinkState
	stats    Stats
	throttle *commandThrottle

	// sleep allows tests to skip hardware settle delays.
	sleep func(time.Duration)
}

// NewLECPDriver creates a driver opening ports through factory. The port is
// not opened until Connect.
func NewLECPDriver(cfg LECPConfig, factory serialport.Factory) *LECPDriver {
	return &LECPDriver{
		cfg:      cfg,
		factory:  factory,
		state:    StateDisconnected,
		throttle: newCommandThrottle(cfg.MinCommandInterval, cfg.PositionThresholdMM),
		sleep:    time.Sleep,
	}
}

// Connect opens the serial port and prepares the Modbus transport.
func (d *LECPDriver) Connect() error {
	if d.state != StateDisconnected {
		return fmt.Errorf("actuator: connect from state %s", d.state)
	}

	opts, err := d.cfg.Serial.Normalize()
	if err != nil {
		return fmt.Errorf("actuator: serial options: %w", err)
	}

	port, err := d.factory.Open(d.cfg.Port, opts)
	if err != nil {
		return fmt.Errorf("actuator: open %s: %w", d.cfg.Port, err)
	}

	d.port = port
	d.bus = modbus.NewTransport(port, d.cfg.UnitID, d.cfg.ResponseTimeout)
	d.setState(StateConnected)
	monitoring.Logf("actuator: connected to %s (unit %d, %d baud)", d.cfg.Port, d.cfg.UnitID, opts.BaudRate)
	return nil
}

// Initialize brings the controller to a centred, ready state: serial mode,
// alarm clearing, servo energise, optional homing, the one-time motion
// profile, and a verified center move. Timeouts on servo-ready or homing
// fault the driver.
func (d *LECPDriver) Initialize(homeFirst bool) error {
	if d.state != StateConnected && d.state != StateFaulted {
		return fmt.Errorf("actuator: initialize from state %s", d.state)
	}

	if err := d.bus.WriteSingleCoil(coilSerialEnable, true); err != nil {
		return fmt.Errorf("actuator: enable serial mode: %w", err)
	}
	d.sleep(100 * time.Millisecond)

	// Read the coil back; without serial mode every later command is
	// ignored by the controller.
	if on, err := d.bus.ReadCoil(coilSerialEnable); err != nil {
		return fmt.Errorf("actuator: verify serial mode: %w", err)
	} else if !on {
		return fmt.Errorf("actuator: controller refused serial mode")
	}

	alarmOK, err := d.bus.ReadDiscreteInput(inputAlarmOK)
	if err != nil {
		return fmt.Errorf("actuator: read alarm input: %w", err)
	}
	if !alarmOK {
		monitoring.Logf("actuator: alarm active at init, resetting")
		if err := d.pulseAlarmReset(); err != nil {
			return err
		}
	}

	if err := d.bus.WriteSingleCoil(coilServoOn, true); err != nil {
		return fmt.Errorf("actuator: servo on: %w", err)
	}
	d.sleep(500 * time.Millisecond)

	if err := d.waitInput(inputServoReady, true, servoReadyTimeout); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("actuator: servo ready: %w", err)
	}
	monitoring.Logf("actuator: servo ready")

	if homeFirst {
		if err := d.home(); err != nil {
			d.setState(StateFaulted)
			return err
		}
	}

	if err := d.writeMotionProfile(); err != nil {
		return fmt.Errorf("actuator: motion profile: %w", err)
	}

	if err := d.centerWithRetry(); err != nil {
		return err
	}

	d.throttle.reset()
	d.setState(StateReady)
	pos, err := d.readPosition()
	if err == nil {
		d.mu.Lock()
		d.stats.LastPositionMM = pos
		d.mu.Unlock()
		monitoring.Logf("actuator: ready at %.1fmm", pos)
	} else {
		monitoring.Logf("actuator: ready (position read failed: %v)", err)
	}
	return nil
}

// home runs the controller's return-to-origin sequence. The SETUP coil
// must be cleared the instant homing-complete is observed; leaving it
// asserted puts the controller into an alarm state that blocks every
// subsequent command, so nothing else may touch the bus in between.
func (d *LECPDriver) home() error {
	d.setState(StateHoming)
	monitoring.Logf("actuator: homing")

	if err := d.bus.WriteSingleCoil(coilSetup, true); err != nil {
		return fmt.Errorf("actuator: assert homing: %w", err)
	}

	deadline := homingTimeout
	for {
		done, err := d.bus.ReadDiscreteInput(inputSetupDone)
		if err != nil {
			return fmt.Errorf("actuator: poll homing complete: %w", err)
		}
		if done {
			break
		}
		if deadline <= 0 {
			d.setState(StateFaulted)
			return fmt.Errorf("actuator: homing did not complete within %s", homingTimeout)
		}
		d.sleep(inputPollInterval)
		deadline -= inputPollInterval
	}

	// Clear SETUP immediately, before any other bus traffic.
	if err := d.bus.WriteSingleCoil(coilSetup, false); err != nil {
		return fmt.Errorf("actuator: clear homing coil: %w", err)
	}
	d.sleep(300 * time.Millisecond)

	// Homing can leave an alarm behind. One retry, then proceed with a
	// warning rather than refusing to run.
	alarmOK, err := d.bus.ReadDiscreteInput(inputAlarmOK)
	if err != nil {
		return fmt.Errorf("actuator: read alarm after homing: %w", err)
	}
	if !alarmOK {
		monitoring.Logf("actuator: alarm after homing, resetting")
		if err := d.pulseAlarmReset(); err != nil {
			return err
		}
		alarmOK, err = d.bus.ReadDiscreteInput(inputAlarmOK)
		if err != nil {
			return fmt.Errorf("actuator: re-read alarm after homing: %w", err)
		}
		if !alarmOK {
			monitoring.Logf("actuator: WARNING alarm still indicated after reset, proceeding")
		}
	}

	monitoring.Logf("actuator: homing complete")
	return nil
}

func (d *LECPDriver) pulseAlarmReset() error {
	if err := d.bus.WriteSingleCoil(coilAlarmReset, true); err != nil {
		return fmt.Errorf("actuator: alarm reset on: %w", err)
	}
	d.sleep(100 * time.Millisecond)
	if err := d.bus.WriteSingleCoil(coilAlarmReset, false); err != nil {
		return fmt.Errorf("actuator: alarm reset off: %w", err)
	}
	d.sleep(100 * time.Millisecond)
	return nil
}

// writeMotionProfile writes the move parameters once. The fast path never
// re-sends them; only init and full moves do.
func (d *LECPDriver) writeMotionProfile() error {
	writes := []struct {
		address uint16
		values  []uint16
	}{
		{regMovementMode, []uint16{movementModeAbsolute}},
		{regSpeed, []uint16{d.cfg.Speed}},
		{regAcceleration, []uint16{d.cfg.Acceleration}},
		{regDeceleration, []uint16{d.cfg.Deceleration}},
		{regPushForce, []uint16{0}},
		{regTriggerLevel, []uint16{0}},
		{regPushSpeed, []uint16{20}},
		{regMoveForce, []uint16{100}},
		{regArea1, int32Words(0)},
		{regArea2, int32Words(0)},
		{regInPosition, int32Words(100)},
	}
	for _, w := range writes {
		if err := d.bus.WriteRegisters(w.address, w.values); err != nil {
			return err
		}
	}
	return nil
}

func (d *LECPDriver) centerWithRetry() error {
	monitoring.Logf("actuator: moving to center %.1fmm", d.cfg.CenterMM)
	if err := d.moveFull(d.cfg.CenterMM); err != nil {
		return fmt.Errorf("actuator: center move: %w", err)
	}
	if err := d.waitMotionComplete(); err != nil {
		return fmt.Errorf("actuator: center move: %w", err)
	}

	pos, err := d.readPosition()
	if err != nil {
		return fmt.Errorf("actuator: verify center: %w", err)
	}
	if abs(pos-d.cfg.CenterMM) <= centerToleranceMM {
		return nil
	}

	monitoring.Logf("actuator: center miss (%.1fmm), retrying", pos)
	if err := d.moveFull(d.cfg.CenterMM); err != nil {
		return fmt.Errorf("actuator: center retry: %w", err)
	}
	if err := d.waitMotionComplete(); err != nil {
		return fmt.Errorf("actuator: center retry: %w", err)
	}
	pos, err = d.readPosition()
	if err != nil {
		return fmt.Errorf("actuator: verify center retry: %w", err)
	}
	if abs(pos-d.cfg.CenterMM) > centerToleranceMM {
		return fmt.Errorf("actuator: not at center after retry (%.1fmm, want %.1fmm)", pos, d.cfg.CenterMM)
	}
	return nil
}

// SendPosition commands a move on the fast path: position registers plus
// the start trigger only. Throttled commands are silent no-op successes.
// A bus error leaves the driver Ready so the next cycle retries naturally.
func (d *LECPDriver) SendPosition(mm float64) error {
	if d.state != StateReady {
		return fmt.Errorf("%w: send position in state %s", ErrNotReady, d.state)
	}

	if mm < d.cfg.MinMM {
		mm = d.cfg.MinMM
	} else if mm > d.cfg.MaxMM {
		mm = d.cfg.MaxMM
	}

	if !d.throttle.accept(mm) {
		d.mu.Lock()
		d.stats.CommandsSuppressed++
		d.mu.Unlock()
		return nil
	}

	if err := d.moveFast(mm); err != nil {
		d.mu.Lock()
		d.stats.WriteErrors++
		d.mu.Unlock()
		d.throttle.reset()
		monitoring.Logf("actuator: position write failed: %v", err)
		return fmt.Errorf("actuator: send position: %w", err)
	}

	d.mu.Lock()
	d.stats.CommandsSent++
	d.stats.LastPositionMM = mm
	d.mu.Unlock()
	return nil
}

func (d *LECPDriver) moveFast(mm float64) error {
	high, low := units.Int32ToWords(units.MillimetresToWire(mm))
	if err := d.bus.WriteRegisters(regPosition, []uint16{high, low}); err != nil {
		return err
	}
	return d.bus.WriteRegisters(regOperationStart, []uint16{opStartSentinel})
}

// moveFull re-sends the whole motion profile with the position, used at
// init and shutdown where latency does not matter.
func (d *LECPDriver) moveFull(mm float64) error {
	if err := d.writeMotionProfile(); err != nil {
		return err
	}
	high, low := units.Int32ToWords(units.MillimetresToWire(mm))
	if err := d.bus.WriteRegisters(regPosition, []uint16{high, low}); err != nil {
		return err
	}
	return d.bus.WriteRegisters(regOperationStart, []uint16{opStartSentinel})
}

func (d *LECPDriver) waitMotionComplete() error {
	deadline := motionTimeout
	for {
		busy, err := d.bus.ReadDiscreteInput(inputBusy)
		if err != nil {
			return fmt.Errorf("poll busy: %w", err)
		}
		if !busy {
			return nil
		}
		if deadline <= 0 {
			return fmt.Errorf("motion did not complete within %s", motionTimeout)
		}
		d.sleep(motionPollInterval)
		deadline -= motionPollInterval
	}
}

func (d *LECPDriver) waitInput(address uint16, want bool, timeout time.Duration) error {
	deadline := timeout
	for {
		v, err := d.bus.ReadDiscreteInput(address)
		if err != nil {
			return err
		}
		if v == want {
			return nil
		}
		if deadline <= 0 {
			return fmt.Errorf("input %#02x did not reach %v within %s", address, want, timeout)
		}
		d.sleep(inputPollInterval)
		deadline -= inputPollInterval
	}
}

func (d *LECPDriver) readPosition() (float64, error) {
	regs, err := d.bus.ReadHoldingRegisters(regCurrentPosition, 2)
	if err != nil {
		return 0, err
	}
	return units.WireToMillimetres(units.WordsToInt32(regs[0], regs[1])), nil
}

// Shutdown returns the actuator to center and turns the servo off. A
// motion-complete timeout during shutdown is logged, not fatal: the servo
// still gets de-energised.
func (d *LECPDriver) Shutdown() error {
	if d.state != StateReady {
		return nil
	}

	monitoring.Logf("actuator: shutdown, returning to center")
	if err := d.moveFast(d.cfg.CenterMM); err != nil {
		monitoring.Logf("actuator: shutdown center move failed: %v", err)
	} else if err := d.waitMotionComplete(); err != nil {
		monitoring.Logf("actuator: shutdown: %v", err)
	}

	if err := d.bus.WriteSingleCoil(coilServoOn, false); err != nil {
		return fmt.Errorf("actuator: servo off: %w", err)
	}

	d.setState(StateConnected)
	return nil
}

// Close shuts down if still running and releases the serial port.
func (d *LECPDriver) Close() error {
	if d.state == StateReady {
		if err := d.Shutdown(); err != nil {
			monitoring.Logf("actuator: shutdown during close: %v", err)
		}
	}

	var err error
	if d.port != nil {
		err = d.port.Close()
		d.port = nil
		d.bus = nil
	}
	d.setState(StateDisconnected)
	monitoring.Logf("actuator: disconnected")
	return err
}

// setState publishes a link-state transition to concurrent State readers.
func (d *LECPDriver) setState(s LinkState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State returns the current link state.
func (d *LECPDriver) State() LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the driver counters.
func (d *LECPDriver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func int32Words(v int32) []uint16 {
	high, low := units.Int32ToWords(v)
	return []uint16{high, low}
}
