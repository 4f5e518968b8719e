// Package motion turns per-sample G-force telemetry into a bounded,
// smoothly changing actuator position using a classical washout shape: a
// high-pass onset cue that conveys the kick of an acceleration change plus
// a low-pass sustained cue that carries the steady-state feel, so the
// actuator never needs unbounded travel to represent sustained G.
package motion

import (
	"math"

	"github.com/simrig-data/motion.rig/internal/telemetry"
	"github.com/simrig-data/motion.rig/internal/units"
)

// Config holds the validated parameters of one algorithm instance. Values
// are plain data; validation happens at config load, not here.
type Config struct {
	// Dimension selects which telemetry channel drives the axis
	// (surge/sway/heave/pitch/roll).
	Dimension string

	// Gain converts the combined filter output to millimetres: mm per g
	// (or mm per radian for the angle dimensions).
	//
	// Sign convention: positive longitudinal G (acceleration) maps to
	// displacement above center; braking moves below center. Configure a
	// negative gain to invert the feel; there is no hidden sign flip.
	Gain float64

	// OnsetGain scales the high-pass (transient) cue.
	OnsetGain float64

	// SustainedGain scales the low-pass (steady-state) cue.
	SustainedGain float64

	// Deadband is the input magnitude below which a sample is treated as
	// exactly zero before filtering. This rejects sensor jitter rather
	// than smoothing it.
	Deadband float64

	// WashoutFreqHz is the high-pass cutoff.
	WashoutFreqHz float64

	// SustainedFreqHz is the low-pass cutoff.
	SustainedFreqHz float64

	// SlewRateMMs caps the output rate of change, in mm/s.
	SlewRateMMs float64

	// SampleRateHz is the control loop rate the slew cap is divided by.
	SampleRateHz float64

	// Actuator geometry.
	StrokeMM    float64
	CenterMM    float64
	SoftLimitMM float64
}

// MinPositionMM is the lowest commandable position after the soft margin.
func (c Config) MinPositionMM() float64 { return c.SoftLimitMM }

// MaxPositionMM is the highest commandable position after the soft margin.
func (c Config) MaxPositionMM() float64 { return c.StrokeMM - c.SoftLimitMM }

// Algorithm is the washout transform. It is pure apart from its filter
// memory: identical (config, input sequence, call order) reproduces the
// exact same numeric output stream.
type Algorithm struct {
	cfg Config

	highPass *HighPassFilter
	lowPass  *LowPassFilter
	slew     *SlewRateLimiter

	lastOutput float64
	samples    uint64
}

// NewAlgorithm creates an Algorithm with freshly zeroed filter state.
// The slew limiter starts from the center position so the first command
// cannot jump.
func NewAlgorithm(cfg Config) *Algorithm {
	return &Algorithm{
		cfg:        cfg,
		highPass:   NewHighPassFilter(cfg.WashoutFreqHz, cfg.SampleRateHz),
		lowPass:    NewLowPassFilter(cfg.SustainedFreqHz, cfg.SampleRateHz),
		slew:       NewSlewRateLimiter(cfg.SlewRateMMs / cfg.SampleRateHz),
		lastOutput: cfg.CenterMM,
	}
}

// Calculate maps one G-force sample to an absolute target position in
// millimetres. Pipeline order: deadband, onset (high-pass), sustained
// (low-pass), combine and scale, slew limit against the previous output.
func (a *Algorithm) Calculate(g float64) float64 {
	if math.Abs(g) < a.cfg.Deadband {
		g = 0
	}

	onset := a.highPass.Process(g) * a.cfg.OnsetGain
	sustained := a.lowPass.Process(g) * a.cfg.SustainedGain

	target := a.cfg.CenterMM + (onset+sustained)*a.cfg.Gain

	out := a.slew.Limit(a.lastOutput, target)
	a.lastOutput = out
	a.samples++
	return out
}

// CalculateFrame extracts the configured dimension from a telemetry frame
// and runs it through Calculate.
func (a *Algorithm) CalculateFrame(frame *telemetry.Frame) float64 {
	return a.Calculate(InputForDimension(a.cfg.Dimension, frame))
}

// InputForDimension selects the input channel for a dimension. The heave
// channel subtracts the 1.0 g gravity baseline the sim reports at rest.
func InputForDimension(dimension string, frame *telemetry.Frame) float64 {
	switch dimension {
	case units.Surge:
		return frame.GForceLongitudinal
	case units.Sway:
		return frame.GForceLateral
	case units.Heave:
		return frame.GForceVertical - 1.0
	case units.Pitch:
		return frame.Pitch
	case units.Roll:
		return frame.Roll
	default:
		return frame.GForceLongitudinal
	}
}

// Reset zeros all filter memory and restarts the slew limiter from center.
// Call whenever the actuator link leaves Ready so stale filter state cannot
// command a jump on reconnect.
func (a *Algorithm) Reset() {
	a.highPass.Reset()
	a.lowPass.Reset()
	a.lastOutput = a.cfg.CenterMM
}

// Config returns the algorithm's configuration.
func (a *Algorithm) Config() Config { return a.cfg }

// CurrentPosition returns the last emitted output.
func (a *Algorithm) CurrentPosition() float64 { return a.lastOutput }

// Samples returns the number of processed samples.
func (a *Algorithm) Samples() uint64 { return a.samples }
