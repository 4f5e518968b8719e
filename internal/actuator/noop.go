package actuator

import (
	"sync"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

// NoopDriver implements Driver without hardware, for dry runs. It accepts
// every command and periodically logs the commanded position so a dry run
// still shows the motion stream.
type NoopDriver struct {
	mu    sync.Mutex
	state LinkState
	stats Stats

	// LogEvery logs one in every N accepted commands. Zero disables.
	LogEvery uint64
}

// NewNoopDriver creates a dry-run driver.
func NewNoopDriver() *NoopDriver {
	return &NoopDriver{state: StateDisconnected, LogEvery: 30}
}

func (d *NoopDriver) Connect() error {
	d.mu.Lock()
	d.state = StateConnected
	d.mu.Unlock()
	monitoring.Logf("actuator: dry-run driver connected (no hardware)")
	return nil
}

func (d *NoopDriver) Initialize(homeFirst bool) error {
	d.mu.Lock()
	d.state = StateReady
	d.mu.Unlock()
	return nil
}

func (d *NoopDriver) SendPosition(mm float64) error {
	d.mu.Lock()
	d.stats.CommandsSent++
	d.stats.LastPositionMM = mm
	sent := d.stats.CommandsSent
	d.mu.Unlock()
	if d.LogEvery > 0 && sent%d.LogEvery == 0 {
		monitoring.Logf("actuator: dry-run position %.1fmm (%d commands)", mm, sent)
	}
	return nil
}

func (d *NoopDriver) Shutdown() error {
	d.mu.Lock()
	if d.state == StateReady {
		d.state = StateConnected
	}
	d.mu.Unlock()
	return nil
}

func (d *NoopDriver) Close() error {
	d.mu.Lock()
	d.state = StateDisconnected
	d.mu.Unlock()
	return nil
}

func (d *NoopDriver) State() LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *NoopDriver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
