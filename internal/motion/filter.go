package motion

import "math"

// HighPassFilter is a second-order Butterworth high-pass section in the
// standard RBJ biquad form. It produces the onset cue: transient G-force
// changes pass through and sustained input washes out toward zero without
// overshoot ringing (critically damped, Q = 1/sqrt(2)).
//
// Coefficient derivation, so a reimplementation is numerically equivalent:
//
//	omega = 2*pi*cutoff/sampleRate
//	alpha = sin(omega) / (2*Q),  Q = 0.707
//	a0    = 1 + alpha
//	b0    =  ((1+cos(omega))/2) / a0
//	b1    = -((1+cos(omega)))   / a0
//	b2    =  ((1+cos(omega))/2) / a0
//	a1    = (-2*cos(omega))     / a0
//	a2    = (1-alpha)           / a0
//
// with the difference equation
//
//	y[n] = b0*x[n] + b1*x[n-1] + b2*x[n-2] - a1*y[n-1] - a2*y[n-2]
type HighPassFilter struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// butterworthQ is the quality factor of a 2nd-order Butterworth section.
const butterworthQ = 0.707

// NewHighPassFilter creates a high-pass section with the given cutoff.
func NewHighPassFilter(cutoffHz, sampleRate float64) *HighPassFilter {
	omega := 2 * math.Pi * cutoffHz / sampleRate
	alpha := math.Sin(omega) / (2 * butterworthQ)
	cosOmega := math.Cos(omega)

	a0 := 1 + alpha
	return &HighPassFilter{
		b0: ((1 + cosOmega) / 2) / a0,
		b1: -(1 + cosOmega) / a0,
		b2: ((1 + cosOmega) / 2) / a0,
		a1: (-2 * cosOmega) / a0,
		a2: (1 - alpha) / a0,
	}
}

// Process advances the filter by one sample.
func (f *HighPassFilter) Process(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// Reset zeros the filter memory.
func (f *HighPassFilter) Reset() {
	f.x1, f.x2 = 0, 0
	f.y1, f.y2 = 0, 0
}

// LowPassFilter is a first-order RC low-pass. It carries the sustained cue
// that the high-pass section washes out.
type LowPassFilter struct {
	alpha float64
	y     float64
}

// NewLowPassFilter creates a low-pass section with the given cutoff.
// alpha = dt / (RC + dt) with RC = 1/(2*pi*cutoff).
func NewLowPassFilter(cutoffHz, sampleRate float64) *LowPassFilter {
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / sampleRate
	return &LowPassFilter{alpha: dt / (rc + dt)}
}

// Process advances the filter by one sample.
func (f *LowPassFilter) Process(x float64) float64 {
	f.y += f.alpha * (x - f.y)
	return f.y
}

// Reset zeros the filter memory.
func (f *LowPassFilter) Reset() {
	f.y = 0
}

// SlewRateLimiter caps the change of a signal per update step so the
// commanded position can never outrun what the actuator can physically
// execute, independent of any hardware-side limiting.
type SlewRateLimiter struct {
	maxDelta float64
}

// NewSlewRateLimiter creates a limiter allowing maxDelta change per step.
func NewSlewRateLimiter(maxDelta float64) *SlewRateLimiter {
	return &SlewRateLimiter{maxDelta: maxDelta}
}

// Limit returns target moved from prev by at most maxDelta.
func (l *SlewRateLimiter) Limit(prev, target float64) float64 {
	delta := target - prev
	if math.Abs(delta) > l.maxDelta {
		delta = math.Copysign(l.maxDelta, delta)
	}
	return prev + delta
}
