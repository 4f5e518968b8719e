package pipeline

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/simrig-data/motion.rig/internal/actuator"
	"github.com/simrig-data/motion.rig/internal/motion"
	"github.com/simrig-data/motion.rig/internal/safety"
	"github.com/simrig-data/motion.rig/internal/telemetry"
)

// mockDriver records every commanded position and lets tests control the
// link state and failure injection.
type mockDriver struct {
	state     actuator.LinkState
	positions []float64
	failNext  bool
	stats     actuator.Stats
}

func newMockDriver() *mockDriver {
	return &mockDriver{state: actuator.StateReady}
}

func (m *mockDriver) Connect() error                 { return nil }
func (m *mockDriver) Initialize(homeFirst bool) error { return nil }
func (m *mockDriver) Shutdown() error                { return nil }
func (m *mockDriver) Close() error                   { return nil }
func (m *mockDriver) State() actuator.LinkState      { return m.state }
func (m *mockDriver) Stats() actuator.Stats          { return m.stats }

func (m *mockDriver) SendPosition(mm float64) error {
	if m.failNext {
		m.failNext = false
		return errors.New("bus failure")
	}
	m.positions = append(m.positions, mm)
	m.stats.CommandsSent++
	m.stats.LastPositionMM = mm
	return nil
}

// collectingSink records everything passed to RecordSample.
type collectingSink struct {
	times   []float64
	targets []float64
	sent    []bool
}

func (c *collectingSink) RecordSample(sessionTime, g, target, clamped float64, sent bool) {
	c.times = append(c.times, sessionTime)
	c.targets = append(c.targets, target)
	c.sent = append(c.sent, sent)
}

func loopConfig() motion.Config {
	return motion.Config{
		Dimension:       "surge",
		Gain:            100,
		OnsetGain:       1.0,
		SustainedGain:   1.0,
		Deadband:        0.05,
		WashoutFreqHz:   1.0,
		SustainedFreqHz: 0.5,
		SlewRateMMs:     500,
		SampleRateHz:    30,
		StrokeMM:        900,
		CenterMM:        450,
		SoftLimitMM:     50,
	}
}

func loopEnvelope() *safety.Envelope {
	return safety.NewEnvelope(safety.Config{
		MinPositionMM:  50,
		MaxPositionMM:  850,
		HomePositionMM: 450,
		MaxSpeedMMs:    500,
		EStopTimeout:   5 * time.Second,
	})
}

func surgeFrame(g float64, sessionTime float64) *telemetry.Frame {
	return &telemetry.Frame{GForceLongitudinal: g, SessionTime: sessionTime}
}

// Every commanded position must stay inside the envelope no matter how
// violent the input stream is.
func TestLoopBoundsProperty(t *testing.T) {
	driver := newMockDriver()
	loop := NewLoop(motion.NewAlgorithm(loopConfig()), loopEnvelope(), driver, nil)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		g := (rng.Float64() - 0.5) * 16 // +/- 8g, far beyond anything real
		loop.HandleFrame(surgeFrame(g, float64(i)/30))
	}

	if len(driver.positions) == 0 {
		t.Fatal("no commands reached the driver")
	}
	for i, p := range driver.positions {
		if p < 50 || p > 850 {
			t.Fatalf("command %d = %fmm escaped the 50-850mm envelope", i, p)
		}
	}
}

func TestLoopSpeedLimitBetweenCycles(t *testing.T) {
	driver := newMockDriver()
	loop := NewLoop(motion.NewAlgorithm(loopConfig()), loopEnvelope(), driver, nil)

	for i := 0; i < 120; i++ {
		g := 0.0
		if i >= 10 {
			g = -6.0 // step input
		}
		loop.HandleFrame(surgeFrame(g, float64(i)/30))
	}

	maxStep := 500.0/30.0 + 1e-9
	for i := 1; i < len(driver.positions); i++ {
		if step := math.Abs(driver.positions[i] - driver.positions[i-1]); step > maxStep {
			t.Fatalf("cycle %d stepped %.3fmm, limit %.3fmm", i, step, maxStep)
		}
	}
}

func TestLoopResetsWhenDriverLeavesReady(t *testing.T) {
	driver := newMockDriver()
	algorithm := motion.NewAlgorithm(loopConfig())
	loop := NewLoop(algorithm, loopEnvelope(), driver, nil)

	// Drive away from center.
	for i := 0; i < 60; i++ {
		loop.HandleFrame(surgeFrame(-2.0, float64(i)/30))
	}
	if algorithm.CurrentPosition() == 450 {
		t.Fatal("algorithm never left center")
	}

	// Link drops: frames are skipped and the filter restarts from center.
	driver.state = actuator.StateFaulted
	loop.HandleFrame(surgeFrame(-2.0, 2.0))
	if got := algorithm.CurrentPosition(); got != 450 {
		t.Errorf("position after link loss %f, want center 450", got)
	}
	if got := loop.Stats().SkippedNotReady; got != 1 {
		t.Errorf("skipped count %d, want 1", got)
	}

	// Link returns: the first command starts from center again.
	driver.state = actuator.StateReady
	before := len(driver.positions)
	loop.HandleFrame(surgeFrame(0, 2.1))
	if len(driver.positions) != before+1 {
		t.Fatal("no command after link recovery")
	}
	if got := driver.positions[len(driver.positions)-1]; got != 450 {
		t.Errorf("first command after recovery %f, want 450", got)
	}
}

func TestLoopCommandFailureIsNonFatal(t *testing.T) {
	driver := newMockDriver()
	sink := &collectingSink{}
	loop := NewLoop(motion.NewAlgorithm(loopConfig()), loopEnvelope(), driver, sink)

	loop.HandleFrame(surgeFrame(0, 0))
	driver.failNext = true
	loop.HandleFrame(surgeFrame(-1.0, 0.033))
	loop.HandleFrame(surgeFrame(-1.0, 0.066))

	stats := loop.Stats()
	if stats.FramesProcessed != 3 {
		t.Errorf("frames processed %d, want 3", stats.FramesProcessed)
	}
	if stats.CommandsFailed != 1 {
		t.Errorf("commands failed %d, want 1", stats.CommandsFailed)
	}
	if sink.sent[1] {
		t.Error("failed command recorded as sent")
	}
	if !sink.sent[0] || !sink.sent[2] {
		t.Error("successful commands recorded as not sent")
	}
}

func TestLoopEStopCommandsHome(t *testing.T) {
	driver := newMockDriver()
	envelope := loopEnvelope()
	loop := NewLoop(motion.NewAlgorithm(loopConfig()), envelope, driver, nil)

	for i := 0; i < 30; i++ {
		loop.HandleFrame(surgeFrame(-2.0, float64(i)/30))
	}
	envelope.TriggerEStop("test")

	for i := 0; i < 5; i++ {
		loop.HandleFrame(surgeFrame(-2.0, 1.0+float64(i)/30))
	}
	last := driver.positions[len(driver.positions)-1]
	if last != 450 {
		t.Errorf("commanded %fmm during e-stop, want home 450", last)
	}
}

func TestLoopRecordsSamples(t *testing.T) {
	driver := newMockDriver()
	sink := &collectingSink{}
	loop := NewLoop(motion.NewAlgorithm(loopConfig()), loopEnvelope(), driver, sink)

	loop.HandleFrame(surgeFrame(-1.5, 12.5))
	if len(sink.times) != 1 || sink.times[0] != 12.5 {
		t.Fatalf("recorded times %v, want [12.5]", sink.times)
	}
	if sink.targets[0] == 0 {
		t.Error("recorded target missing")
	}
}
