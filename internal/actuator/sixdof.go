package actuator

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/monitoring"
	"github.com/simrig-data/motion.rig/internal/units"
)

// Motion command words understood by the six-axis platform.
const (
	mcwPark        = 210
	mcwEngage      = 180
	mcwDOFMode     = 170
	mcwNewPosition = 130
)

// Platform states reported in the low nibble of the status word.
const (
	platformIdle    = 1
	platformEngaged = 3
)

const (
	sixDOFFrameSize   = 4 + 6*4 + 4
	engageTimeout     = 5 * time.Second
	parkTimeout       = 10 * time.Second
	defaultPollPeriod = 100 * time.Millisecond
)

// Pose is a six-axis platform position. Translations are metres from
// neutral, rotations radians.
type Pose struct {
	SurgeM   float64
	SwayM    float64
	HeaveM   float64
	RollRad  float64
	PitchRad float64
	YawRad   float64
}

// SixDOFConfig configures the UDP platform driver. Limits are the
// platform's mechanical excursion per axis; commands beyond them are
// clamped, never rejected.
type SixDOFConfig struct {
	// Address is the platform's host:port.
	Address string
	// PollPeriod bounds each status read while waiting for an engage or
	// park to complete. Zero means 100ms.
	PollPeriod time.Duration

	// Axis selects which platform axis the scalar displacement drives.
	// Empty means surge.
	Axis string
	// CenterMM is the scalar neutral point; SendPosition(CenterMM) holds
	// the platform at rest.
	CenterMM float64

	SurgePosM float64
	SurgeNegM float64
	SwayM     float64
	HeaveM    float64
	RollRad   float64
	PitchRad  float64
	YawRad    float64

	MinCommandInterval  time.Duration
	PositionThresholdMM float64
}

// SixDOFDriver drives a six-axis platform over UDP. It implements Driver
// for the single-axis control loop via SendPosition, and exposes SendPose
// for callers with full six-axis targets.
//
// The socket is singly owned by the control loop; only State and Stats
// are safe to call from other goroutines.
type SixDOFDriver struct {
	cfg  SixDOFConfig
	conn net.Conn

	mu       sync.Mutex
	state    LinkState
	stats    Stats
	throttle *commandThrottle
}

// NewSixDOFDriver creates a driver; the socket opens on Connect.
func NewSixDOFDriver(cfg SixDOFConfig) *SixDOFDriver {
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = defaultPollPeriod
	}
	if cfg.Axis == "" {
		cfg.Axis = units.Surge
	}
	return &SixDOFDriver{
		cfg:      cfg,
		state:    StateDisconnected,
		throttle: newCommandThrottle(cfg.MinCommandInterval, cfg.PositionThresholdMM),
	}
}

// Connect opens the UDP socket and switches the platform into DOF mode.
func (d *SixDOFDriver) Connect() error {
	if d.state != StateDisconnected {
		return fmt.Errorf("sixdof: connect from state %s", d.state)
	}

	conn, err := net.Dial("udp", d.cfg.Address)
	if err != nil {
		return fmt.Errorf("sixdof: dial %s: %w", d.cfg.Address, err)
	}
	d.conn = conn

	if err := d.send(mcwDOFMode, Pose{}); err != nil {
		conn.Close()
		d.conn = nil
		return err
	}

	d.setState(StateConnected)
	monitoring.Logf("sixdof: connected to %s", d.cfg.Address)
	return nil
}

// Initialize engages the platform and waits for it to report engaged.
// The platform rises to its neutral pose on engage, so homeFirst has no
// separate meaning here.
func (d *SixDOFDriver) Initialize(homeFirst bool) error {
	if d.state != StateConnected && d.state != StateFaulted {
		return fmt.Errorf("sixdof: initialize from state %s", d.state)
	}

	monitoring.Logf("sixdof: engaging platform")
	if err := d.send(mcwEngage, Pose{}); err != nil {
		return err
	}

	if err := d.waitState(platformEngaged, engageTimeout); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("sixdof: engage: %w", err)
	}

	d.throttle.reset()
	d.setState(StateReady)
	monitoring.Logf("sixdof: platform engaged")
	return nil
}

// SendPosition maps the scalar displacement onto the configured axis and
// sends it. Throttled commands are silent no-op successes.
func (d *SixDOFDriver) SendPosition(mm float64) error {
	if d.state != StateReady {
		return fmt.Errorf("%w: send position in state %s", ErrNotReady, d.state)
	}

	if !d.throttle.accept(mm) {
		d.mu.Lock()
		d.stats.CommandsSuppressed++
		d.mu.Unlock()
		return nil
	}

	offsetM := (mm - d.cfg.CenterMM) / 1000

	var pose Pose
	switch d.cfg.Axis {
	case units.Sway:
		pose.SwayM = offsetM
	case units.Heave:
		pose.HeaveM = offsetM
	case units.Pitch:
		pose.PitchRad = offsetM
	case units.Roll:
		pose.RollRad = offsetM
	default:
		pose.SurgeM = offsetM
	}

	if err := d.sendPose(pose); err != nil {
		d.mu.Lock()
		d.stats.WriteErrors++
		d.mu.Unlock()
		d.throttle.reset()
		monitoring.Logf("sixdof: position send failed: %v", err)
		return err
	}

	d.mu.Lock()
	d.stats.CommandsSent++
	d.stats.LastPositionMM = mm
	d.mu.Unlock()
	return nil
}

// SendPose clamps and sends a full six-axis target.
func (d *SixDOFDriver) SendPose(pose Pose) error {
	if d.state != StateReady {
		return fmt.Errorf("%w: send pose in state %s", ErrNotReady, d.state)
	}
	if err := d.sendPose(pose); err != nil {
		d.mu.Lock()
		d.stats.WriteErrors++
		d.mu.Unlock()
		return err
	}
	d.mu.Lock()
	d.stats.CommandsSent++
	d.mu.Unlock()
	return nil
}

func (d *SixDOFDriver) sendPose(pose Pose) error {
	clamped := Pose{
		SurgeM:   clamp(pose.SurgeM, -d.cfg.SurgeNegM, d.cfg.SurgePosM),
		SwayM:    clamp(pose.SwayM, -d.cfg.SwayM, d.cfg.SwayM),
		HeaveM:   clamp(pose.HeaveM, -d.cfg.HeaveM, d.cfg.HeaveM),
		RollRad:  clamp(pose.RollRad, -d.cfg.RollRad, d.cfg.RollRad),
		PitchRad: clamp(pose.PitchRad, -d.cfg.PitchRad, d.cfg.PitchRad),
		YawRad:   clamp(pose.YawRad, -d.cfg.YawRad, d.cfg.YawRad),
	}
	return d.send(mcwNewPosition, clamped)
}

// send frames a command word and pose. The platform expects big-endian
// words in the order roll, pitch, heave, surge, yaw, sway, with heave
// negated (platform up is negative on the wire).
func (d *SixDOFDriver) send(mcw uint32, pose Pose) error {
	buf := make([]byte, sixDOFFrameSize)
	binary.BigEndian.PutUint32(buf[0:], mcw)

	axes := [6]float64{
		pose.RollRad,
		pose.PitchRad,
		-pose.HeaveM,
		pose.SurgeM,
		pose.YawRad,
		pose.SwayM,
	}
	for i, v := range axes {
		binary.BigEndian.PutUint32(buf[4+4*i:], math.Float32bits(float32(v)))
	}
	// trailing spare word stays zero

	if _, err := d.conn.Write(buf); err != nil {
		return fmt.Errorf("sixdof: send command %d: %w", mcw, err)
	}
	return nil
}

// waitState polls the platform status until its low nibble matches want.
// Each poll is bounded by the configured read deadline.
func (d *SixDOFDriver) waitState(want int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.cfg.PollPeriod)); err != nil {
			return err
		}
		n, err := d.conn.Read(buf)
		if err != nil {
			continue // deadline expired, poll again
		}
		if n < 12 {
			continue
		}
		status := binary.BigEndian.Uint32(buf[8:12])
		if int(status&0x0F) == want {
			return nil
		}
	}
	return fmt.Errorf("platform did not reach state %d within %s", want, timeout)
}

// Shutdown parks the platform. A park timeout is logged, not fatal.
func (d *SixDOFDriver) Shutdown() error {
	if d.state != StateReady {
		return nil
	}

	monitoring.Logf("sixdof: parking platform")
	if err := d.send(mcwPark, Pose{}); err != nil {
		return err
	}
	if err := d.waitState(platformIdle, parkTimeout); err != nil {
		monitoring.Logf("sixdof: park: %v", err)
	} else {
		monitoring.Logf("sixdof: platform parked")
	}

	d.setState(StateConnected)
	return nil
}

// Close parks if still engaged and releases the socket.
func (d *SixDOFDriver) Close() error {
	if d.state == StateReady {
		if err := d.Shutdown(); err != nil {
			monitoring.Logf("sixdof: shutdown during close: %v", err)
		}
	}

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	d.setState(StateDisconnected)
	monitoring.Logf("sixdof: disconnected")
	return err
}

func (d *SixDOFDriver) setState(s LinkState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// State returns the current link state.
func (d *SixDOFDriver) State() LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the driver counters.
func (d *SixDOFDriver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
