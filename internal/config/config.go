// Package config loads and validates the rig configuration. The schema
// uses pointer fields so a partial JSON file only overrides what it names;
// every reader goes through a Get* accessor that supplies the default for
// unset fields. Validation happens once at load, never mid-loop.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/simrig-data/motion.rig/internal/units"
)

// Config is the root configuration for the motion rig.
type Config struct {
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Motion    MotionConfig    `json:"motion,omitempty"`
	Actuator  ActuatorConfig  `json:"actuator,omitempty"`
	SixDOF    SixDOFConfig    `json:"sixdof,omitempty"`
	Safety    SafetyConfig    `json:"safety,omitempty"`
	Recording RecordingConfig `json:"recording,omitempty"`
}

// TelemetryConfig configures the UDP telemetry listener.
type TelemetryConfig struct {
	Port        *int    `json:"port,omitempty"`
	BufferBytes *int    `json:"buffer_bytes,omitempty"`
	LogInterval *string `json:"log_interval,omitempty"` // duration string like "1m"
}

// MotionConfig configures the washout motion algorithm.
type MotionConfig struct {
	Dimension       *string  `json:"dimension,omitempty"`
	Gain            *float64 `json:"gain,omitempty"` // mm per G (or per radian)
	OnsetGain       *float64 `json:"onset_gain,omitempty"`
	SustainedGain   *float64 `json:"sustained_gain,omitempty"`
	Deadband        *float64 `json:"deadband,omitempty"`
	WashoutFreqHz   *float64 `json:"washout_freq_hz,omitempty"`
	SustainedFreqHz *float64 `json:"sustained_freq_hz,omitempty"`
	SlewRateMMs     *float64 `json:"slew_rate_mms,omitempty"`
	SampleRateHz    *float64 `json:"sample_rate_hz,omitempty"`
	StrokeMM        *float64 `json:"stroke_mm,omitempty"`
	CenterMM        *float64 `json:"center_mm,omitempty"`
	SoftLimitMM     *float64 `json:"soft_limit_mm,omitempty"`
}

// ActuatorConfig configures the serial actuator link.
type ActuatorConfig struct {
	// Driver selects the hardware backend: "lecp", "sixdof", or "none"
	// for dry runs.
	Driver *string `json:"driver,omitempty"`

	Port            *string `json:"port,omitempty"`
	BaudRate        *int    `json:"baud_rate,omitempty"`
	DataBits        *int    `json:"data_bits,omitempty"`
	StopBits        *int    `json:"stop_bits,omitempty"`
	Parity          *string `json:"parity,omitempty"`
	UnitID          *int    `json:"unit_id,omitempty"`
	ResponseTimeout *string `json:"response_timeout,omitempty"`

	// Motion profile written once at init.
	Speed        *int `json:"speed,omitempty"`        // mm/s
	Acceleration *int `json:"acceleration,omitempty"` // mm/s^2
	Deceleration *int `json:"deceleration,omitempty"`

	// Fast-path command gating.
	CommandRateHz       *float64 `json:"command_rate_hz,omitempty"`
	PositionThresholdMM *float64 `json:"position_threshold_mm,omitempty"`
}

// SixDOFConfig configures the six-axis platform link.
type SixDOFConfig struct {
	Address *string `json:"address,omitempty"`
	Axis    *string `json:"axis,omitempty"`

	SurgePosM *float64 `json:"surge_pos_m,omitempty"`
	SurgeNegM *float64 `json:"surge_neg_m,omitempty"`
	SwayM     *float64 `json:"sway_m,omitempty"`
	HeaveM    *float64 `json:"heave_m,omitempty"`
	RollRad   *float64 `json:"roll_rad,omitempty"`
	PitchRad  *float64 `json:"pitch_rad,omitempty"`
	YawRad    *float64 `json:"yaw_rad,omitempty"`
}

// SafetyConfig configures the safety envelope.
type SafetyConfig struct {
	MinPositionMM  *float64 `json:"min_position_mm,omitempty"`
	MaxPositionMM  *float64 `json:"max_position_mm,omitempty"`
	HomePositionMM *float64 `json:"home_position_mm,omitempty"`
	MaxSpeedMMs    *float64 `json:"max_speed_mms,omitempty"`
	EStopTimeout   *string  `json:"estop_timeout,omitempty"` // duration string like "5s"
}

// RecordingConfig configures session recording.
type RecordingConfig struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	DBPath      *string `json:"db_path,omitempty"`
	CapturePath *string `json:"capture_path,omitempty"`
}

// Helper functions to create pointers in tests and defaults files.
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }
func ptrBool(v bool) *bool          { return &v }

// Default returns a Config with every field unset, so the Get* accessors
// answer with defaults.
func Default() *Config {
	return &Config{}
}

// Load reads and validates a JSON config file. Fields omitted from the
// file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every set field. Unset fields are always valid because
// their defaults are.
func (c *Config) Validate() error {
	if err := c.Telemetry.validate(); err != nil {
		return err
	}
	if err := c.Motion.validate(); err != nil {
		return err
	}
	if err := c.Actuator.validate(); err != nil {
		return err
	}
	if err := c.Safety.validate(); err != nil {
		return err
	}
	return nil
}

func (t *TelemetryConfig) validate() error {
	if t.Port != nil && (*t.Port < 1 || *t.Port > 65535) {
		return fmt.Errorf("telemetry port %d out of range", *t.Port)
	}
	if t.BufferBytes != nil && *t.BufferBytes < 0 {
		return fmt.Errorf("telemetry buffer_bytes must be non-negative, got %d", *t.BufferBytes)
	}
	if t.LogInterval != nil && *t.LogInterval != "" {
		if _, err := time.ParseDuration(*t.LogInterval); err != nil {
			return fmt.Errorf("invalid telemetry log_interval %q: %w", *t.LogInterval, err)
		}
	}
	return nil
}

func (m *MotionConfig) validate() error {
	if m.Dimension != nil && !units.IsValidDimension(*m.Dimension) {
		return fmt.Errorf("motion dimension %q: must be one of %s", *m.Dimension, units.ValidDimensionsString())
	}
	if m.Deadband != nil && *m.Deadband < 0 {
		return fmt.Errorf("motion deadband must be non-negative, got %f", *m.Deadband)
	}
	if m.WashoutFreqHz != nil && *m.WashoutFreqHz <= 0 {
		return fmt.Errorf("motion washout_freq_hz must be positive, got %f", *m.WashoutFreqHz)
	}
	if m.SustainedFreqHz != nil && *m.SustainedFreqHz <= 0 {
		return fmt.Errorf("motion sustained_freq_hz must be positive, got %f", *m.SustainedFreqHz)
	}
	if m.SlewRateMMs != nil && *m.SlewRateMMs <= 0 {
		return fmt.Errorf("motion slew_rate_mms must be positive, got %f", *m.SlewRateMMs)
	}
	if m.SampleRateHz != nil && *m.SampleRateHz <= 0 {
		return fmt.Errorf("motion sample_rate_hz must be positive, got %f", *m.SampleRateHz)
	}
	stroke := m.GetStrokeMM()
	center := m.GetCenterMM()
	soft := m.GetSoftLimitMM()
	if stroke <= 0 {
		return fmt.Errorf("motion stroke_mm must be positive, got %f", stroke)
	}
	if center < 0 || center > stroke {
		return fmt.Errorf("motion center_mm %f outside stroke 0-%f", center, stroke)
	}
	if soft < 0 || 2*soft >= stroke {
		return fmt.Errorf("motion soft_limit_mm %f leaves no usable stroke", soft)
	}
	return nil
}

func (a *ActuatorConfig) validate() error {
	if a.Driver != nil {
		switch *a.Driver {
		case "lecp", "sixdof", "none":
		default:
			return fmt.Errorf("actuator driver %q: must be lecp, sixdof, or none", *a.Driver)
		}
	}
	if a.UnitID != nil && (*a.UnitID < 1 || *a.UnitID > 247) {
		return fmt.Errorf("actuator unit_id %d out of Modbus range 1-247", *a.UnitID)
	}
	if a.ResponseTimeout != nil && *a.ResponseTimeout != "" {
		if _, err := time.ParseDuration(*a.ResponseTimeout); err != nil {
			return fmt.Errorf("invalid actuator response_timeout %q: %w", *a.ResponseTimeout, err)
		}
	}
	if a.CommandRateHz != nil && *a.CommandRateHz <= 0 {
		return fmt.Errorf("actuator command_rate_hz must be positive, got %f", *a.CommandRateHz)
	}
	if a.PositionThresholdMM != nil && *a.PositionThresholdMM < 0 {
		return fmt.Errorf("actuator position_threshold_mm must be non-negative, got %f", *a.PositionThresholdMM)
	}
	return nil
}

func (s *SafetyConfig) validate() error {
	min := s.GetMinPositionMM()
	max := s.GetMaxPositionMM()
	home := s.GetHomePositionMM()
	if min >= max {
		return fmt.Errorf("safety min_position_mm %f not below max_position_mm %f", min, max)
	}
	if home < min || home > max {
		return fmt.Errorf("safety home_position_mm %f outside %f-%f", home, min, max)
	}
	if s.MaxSpeedMMs != nil && *s.MaxSpeedMMs <= 0 {
		return fmt.Errorf("safety max_speed_mms must be positive, got %f", *s.MaxSpeedMMs)
	}
	if s.EStopTimeout != nil && *s.EStopTimeout != "" {
		if _, err := time.ParseDuration(*s.EStopTimeout); err != nil {
			return fmt.Errorf("invalid safety estop_timeout %q: %w", *s.EStopTimeout, err)
		}
	}
	return nil
}

// GetPort returns the telemetry UDP port or the F1 default.
func (t *TelemetryConfig) GetPort() int {
	if t.Port == nil {
		return 20777
	}
	return *t.Port
}

// GetBufferBytes returns the UDP receive buffer size or the default.
func (t *TelemetryConfig) GetBufferBytes() int {
	if t.BufferBytes == nil {
		return 1 << 20
	}
	return *t.BufferBytes
}

// GetLogInterval parses and returns the stats logging interval.
func (t *TelemetryConfig) GetLogInterval() time.Duration {
	if t.LogInterval == nil || *t.LogInterval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(*t.LogInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetDimension returns the selected motion dimension or the default.
func (m *MotionConfig) GetDimension() string {
	if m.Dimension == nil {
		return units.Surge
	}
	return *m.Dimension
}

// GetGain returns the displacement gain in mm per G or the default.
func (m *MotionConfig) GetGain() float64 {
	if m.Gain == nil {
		return 100.0
	}
	return *m.Gain
}

// GetOnsetGain returns the onset cue gain or the default.
func (m *MotionConfig) GetOnsetGain() float64 {
	if m.OnsetGain == nil {
		return 1.0
	}
	return *m.OnsetGain
}

// GetSustainedGain returns the sustained cue gain or the default.
func (m *MotionConfig) GetSustainedGain() float64 {
	if m.SustainedGain == nil {
		return 1.0
	}
	return *m.SustainedGain
}

// GetDeadband returns the input deadband in G or the default.
func (m *MotionConfig) GetDeadband() float64 {
	if m.Deadband == nil {
		return 0.05
	}
	return *m.Deadband
}

// GetWashoutFreqHz returns the onset high-pass cutoff or the default.
func (m *MotionConfig) GetWashoutFreqHz() float64 {
	if m.WashoutFreqHz == nil {
		return 1.0
	}
	return *m.WashoutFreqHz
}

// GetSustainedFreqHz returns the sustained low-pass cutoff or the default.
func (m *MotionConfig) GetSustainedFreqHz() float64 {
	if m.SustainedFreqHz == nil {
		return 0.5
	}
	return *m.SustainedFreqHz
}

// GetSlewRateMMs returns the output slew rate limit or the default.
func (m *MotionConfig) GetSlewRateMMs() float64 {
	if m.SlewRateMMs == nil {
		return 500.0
	}
	return *m.SlewRateMMs
}

// GetSampleRateHz returns the algorithm update rate or the default.
func (m *MotionConfig) GetSampleRateHz() float64 {
	if m.SampleRateHz == nil {
		return 30.0
	}
	return *m.SampleRateHz
}

// GetStrokeMM returns the total actuator stroke or the default.
func (m *MotionConfig) GetStrokeMM() float64 {
	if m.StrokeMM == nil {
		return 900.0
	}
	return *m.StrokeMM
}

// GetCenterMM returns the center position or the default.
func (m *MotionConfig) GetCenterMM() float64 {
	if m.CenterMM == nil {
		return 450.0
	}
	return *m.CenterMM
}

// GetSoftLimitMM returns the margin kept from each stroke end.
func (m *MotionConfig) GetSoftLimitMM() float64 {
	if m.SoftLimitMM == nil {
		return 50.0
	}
	return *m.SoftLimitMM
}

// GetDriver returns the selected actuator backend or the default.
func (a *ActuatorConfig) GetDriver() string {
	if a.Driver == nil {
		return "lecp"
	}
	return *a.Driver
}

// GetPort returns the serial device path or the default.
func (a *ActuatorConfig) GetPort() string {
	if a.Port == nil {
		return "/dev/ttyUSB0"
	}
	return *a.Port
}

// GetBaudRate returns the baud rate; the LECP protocol fixes it at 38400.
func (a *ActuatorConfig) GetBaudRate() int {
	if a.BaudRate == nil {
		return 38400
	}
	return *a.BaudRate
}

// GetDataBits returns the serial data bits or the default.
func (a *ActuatorConfig) GetDataBits() int {
	if a.DataBits == nil {
		return 8
	}
	return *a.DataBits
}

// GetStopBits returns the serial stop bits or the default.
func (a *ActuatorConfig) GetStopBits() int {
	if a.StopBits == nil {
		return 1
	}
	return *a.StopBits
}

// GetParity returns the serial parity or the default.
func (a *ActuatorConfig) GetParity() string {
	if a.Parity == nil {
		return "N"
	}
	return *a.Parity
}

// GetUnitID returns the Modbus unit id or the default.
func (a *ActuatorConfig) GetUnitID() int {
	if a.UnitID == nil {
		return 1
	}
	return *a.UnitID
}

// GetResponseTimeout parses and returns the Modbus response timeout.
func (a *ActuatorConfig) GetResponseTimeout() time.Duration {
	if a.ResponseTimeout == nil || *a.ResponseTimeout == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*a.ResponseTimeout)
	if err != nil {
		return time.Second
	}
	return d
}

// GetSpeed returns the move speed in mm/s or the default.
func (a *ActuatorConfig) GetSpeed() int {
	if a.Speed == nil {
		return 500
	}
	return *a.Speed
}

// GetAcceleration returns the move acceleration or the default.
func (a *ActuatorConfig) GetAcceleration() int {
	if a.Acceleration == nil {
		return 3000
	}
	return *a.Acceleration
}

// GetDeceleration returns the move deceleration, defaulting to the
// acceleration.
func (a *ActuatorConfig) GetDeceleration() int {
	if a.Deceleration == nil {
		return a.GetAcceleration()
	}
	return *a.Deceleration
}

// GetCommandRateHz returns the maximum hardware command rate.
func (a *ActuatorConfig) GetCommandRateHz() float64 {
	if a.CommandRateHz == nil {
		return 30.0
	}
	return *a.CommandRateHz
}

// GetMinCommandInterval converts the command rate to an interval.
func (a *ActuatorConfig) GetMinCommandInterval() time.Duration {
	return time.Duration(float64(time.Second) / a.GetCommandRateHz())
}

// GetPositionThresholdMM returns the minimum commanded travel.
func (a *ActuatorConfig) GetPositionThresholdMM() float64 {
	if a.PositionThresholdMM == nil {
		return 0.5
	}
	return *a.PositionThresholdMM
}

// GetAddress returns the platform host:port or the default.
func (s *SixDOFConfig) GetAddress() string {
	if s.Address == nil {
		return "192.168.1.100:991"
	}
	return *s.Address
}

// GetAxis returns the platform axis driven by the scalar displacement.
func (s *SixDOFConfig) GetAxis() string {
	if s.Axis == nil {
		return units.Surge
	}
	return *s.Axis
}

// GetSurgePosM returns the forward surge limit in metres.
func (s *SixDOFConfig) GetSurgePosM() float64 {
	if s.SurgePosM == nil {
		return 0.259
	}
	return *s.SurgePosM
}

// GetSurgeNegM returns the rearward surge limit in metres.
func (s *SixDOFConfig) GetSurgeNegM() float64 {
	if s.SurgeNegM == nil {
		return 0.241
	}
	return *s.SurgeNegM
}

// GetSwayM returns the sway limit in metres.
func (s *SixDOFConfig) GetSwayM() float64 {
	if s.SwayM == nil {
		return 0.259
	}
	return *s.SwayM
}

// GetHeaveM returns the heave limit in metres.
func (s *SixDOFConfig) GetHeaveM() float64 {
	if s.HeaveM == nil {
		return 0.178
	}
	return *s.HeaveM
}

// GetRollRad returns the roll limit in radians.
func (s *SixDOFConfig) GetRollRad() float64 {
	if s.RollRad == nil {
		return 0.3665
	}
	return *s.RollRad
}

// GetPitchRad returns the pitch limit in radians.
func (s *SixDOFConfig) GetPitchRad() float64 {
	if s.PitchRad == nil {
		return 0.3840
	}
	return *s.PitchRad
}

// GetYawRad returns the yaw limit in radians.
func (s *SixDOFConfig) GetYawRad() float64 {
	if s.YawRad == nil {
		return 0.3840
	}
	return *s.YawRad
}

// GetMinPositionMM returns the lower position bound or the default.
func (s *SafetyConfig) GetMinPositionMM() float64 {
	if s.MinPositionMM == nil {
		return 50.0
	}
	return *s.MinPositionMM
}

// GetMaxPositionMM returns the upper position bound or the default.
func (s *SafetyConfig) GetMaxPositionMM() float64 {
	if s.MaxPositionMM == nil {
		return 850.0
	}
	return *s.MaxPositionMM
}

// GetHomePositionMM returns the home position or the default.
func (s *SafetyConfig) GetHomePositionMM() float64 {
	if s.HomePositionMM == nil {
		return 450.0
	}
	return *s.HomePositionMM
}

// GetMaxSpeedMMs returns the speed limit or the default.
func (s *SafetyConfig) GetMaxSpeedMMs() float64 {
	if s.MaxSpeedMMs == nil {
		return 500.0
	}
	return *s.MaxSpeedMMs
}

// GetEStopTimeout parses and returns the emergency stop hold time.
func (s *SafetyConfig) GetEStopTimeout() time.Duration {
	if s.EStopTimeout == nil || *s.EStopTimeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(*s.EStopTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetEnabled reports whether session recording is on.
func (r *RecordingConfig) GetEnabled() bool {
	if r.Enabled == nil {
		return false
	}
	return *r.Enabled
}

// GetDBPath returns the sqlite database path or the default.
func (r *RecordingConfig) GetDBPath() string {
	if r.DBPath == nil {
		return "motion.db"
	}
	return *r.DBPath
}

// GetCapturePath returns the raw packet capture path; empty disables
// capture.
func (r *RecordingConfig) GetCapturePath() string {
	if r.CapturePath == nil {
		return ""
	}
	return *r.CapturePath
}
