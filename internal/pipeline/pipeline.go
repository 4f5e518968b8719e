// Package pipeline runs the control cycle: each decoded telemetry frame is
// turned into a G-force input, filtered into a displacement, bounded by the
// safety envelope, and written to the actuator driver. All of it happens
// synchronously on the telemetry listener's dispatch goroutine, so none of
// the per-cycle state needs locking; only the stats snapshot is guarded for
// the HTTP status endpoint.
package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/simrig-data/motion.rig/internal/actuator"
	"github.com/simrig-data/motion.rig/internal/monitoring"
	"github.com/simrig-data/motion.rig/internal/motion"
	"github.com/simrig-data/motion.rig/internal/safety"
	"github.com/simrig-data/motion.rig/internal/telemetry"
)

// SampleSink receives one record per control cycle, for session recording.
// Implementations must not block; the control loop calls them inline.
type SampleSink interface {
	RecordSample(sessionTime, gForce, targetMM, clampedMM float64, sent bool)
}

// Stats summarizes loop activity. Latency figures cover the full cycle
// from frame receipt to driver return.
type Stats struct {
	FramesProcessed uint64        `json:"frames_processed"`
	CommandsFailed  uint64        `json:"commands_failed"`
	SkippedNotReady uint64        `json:"skipped_not_ready"`
	LastTargetMM    float64       `json:"last_target_mm"`
	LastSentMM      float64       `json:"last_sent_mm"`
	MinLatency      time.Duration `json:"min_latency_ns"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	MaxLatency      time.Duration `json:"max_latency_ns"`
}

// Loop is the frame-to-actuator control cycle. It implements the telemetry
// listener's FrameHandler.
type Loop struct {
	algorithm *motion.Algorithm
	envelope  *safety.Envelope
	driver    actuator.Driver
	sink      SampleSink

	// dt is the nominal cycle period used for speed limiting.
	dt time.Duration

	lastSent  float64
	wasReady  bool
	everReady bool

	statsMu      sync.Mutex
	stats        Stats
	totalLatency time.Duration
}

// NewLoop wires a control loop. sink may be nil to disable recording.
func NewLoop(algorithm *motion.Algorithm, envelope *safety.Envelope, driver actuator.Driver, sink SampleSink) *Loop {
	sampleRate := algorithm.Config().SampleRateHz
	return &Loop{
		algorithm: algorithm,
		envelope:  envelope,
		driver:    driver,
		sink:      sink,
		dt:        time.Duration(float64(time.Second) / sampleRate),
		lastSent:  algorithm.Config().CenterMM,
	}
}

// HandleFrame runs one control cycle for a decoded motion frame.
func (l *Loop) HandleFrame(frame *telemetry.Frame) {
	start := time.Now()

	ready := l.driver.State() == actuator.StateReady
	if !ready {
		// Filter memory goes stale while the hardware is away; restart
		// from center when it comes back.
		if l.wasReady || !l.everReady {
			l.algorithm.Reset()
			l.lastSent = l.algorithm.Config().CenterMM
			l.wasReady = false
		}
		l.statsMu.Lock()
		l.stats.SkippedNotReady++
		l.statsMu.Unlock()
		return
	}
	l.wasReady = true
	l.everReady = true

	target := l.algorithm.CalculateFrame(frame)
	clamped := l.envelope.ClampPosition(target)
	limited := l.envelope.LimitSpeed(l.lastSent, clamped, l.dt)

	sent := true
	if err := l.driver.SendPosition(limited); err != nil {
		sent = false
		monitoring.Logf("pipeline: command failed: %v", err)
	} else {
		l.lastSent = limited
	}

	if l.sink != nil {
		l.sink.RecordSample(frame.SessionTime, frameInput(l.algorithm, frame), target, limited, sent)
	}

	elapsed := time.Since(start)
	l.statsMu.Lock()
	l.stats.FramesProcessed++
	if !sent {
		l.stats.CommandsFailed++
	}
	l.stats.LastTargetMM = target
	l.stats.LastSentMM = limited
	l.totalLatency += elapsed
	if l.stats.MinLatency == 0 || elapsed < l.stats.MinLatency {
		l.stats.MinLatency = elapsed
	}
	if elapsed > l.stats.MaxLatency {
		l.stats.MaxLatency = elapsed
	}
	l.stats.AvgLatency = l.totalLatency / time.Duration(l.stats.FramesProcessed)
	l.statsMu.Unlock()
}

func frameInput(a *motion.Algorithm, frame *telemetry.Frame) float64 {
	g := motion.InputForDimension(a.Config().Dimension, frame)
	if math.IsNaN(g) {
		return 0
	}
	return g
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}
