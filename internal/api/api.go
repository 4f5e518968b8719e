// Package api exposes the operator surface over HTTP: rig status, the
// emergency stop, and the effective configuration. Handlers are plain
// net/http with JSON bodies; nothing here is on the control loop's path.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/simrig-data/motion.rig/internal/actuator"
	"github.com/simrig-data/motion.rig/internal/config"
	"github.com/simrig-data/motion.rig/internal/monitoring"
	"github.com/simrig-data/motion.rig/internal/pipeline"
	"github.com/simrig-data/motion.rig/internal/safety"
)

// Server holds the handlers' dependencies.
type Server struct {
	cfg      *config.Config
	envelope *safety.Envelope
	loop     *pipeline.Loop
	driver   actuator.Driver
}

// NewServer wires the operator endpoints.
func NewServer(cfg *config.Config, envelope *safety.Envelope, loop *pipeline.Loop, driver actuator.Driver) *Server {
	return &Server{cfg: cfg, envelope: envelope, loop: loop, driver: driver}
}

// Routes registers the API endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/estop", s.handleEStop)
	mux.HandleFunc("/api/estop/reset", s.handleEStopReset)
	mux.HandleFunc("/api/config", s.handleConfig)
}

type statusResponse struct {
	DriverState  actuator.LinkState `json:"driver_state"`
	DriverStats  actuator.Stats     `json:"driver_stats"`
	SafetyState  safety.State       `json:"safety_state"`
	WarningCount uint64             `json:"warning_count"`
	EStopActive  bool               `json:"estop_active"`
	Pipeline     pipeline.Stats     `json:"pipeline"`
	Time         time.Time          `json:"time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		DriverState:  s.driver.State(),
		DriverStats:  s.driver.Stats(),
		SafetyState:  s.envelope.State(),
		WarningCount: s.envelope.WarningCount(),
		EStopActive:  s.envelope.EStopActive(),
		Pipeline:     s.loop.Stats(),
		Time:         time.Now().UTC(),
	})
}

type estopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req estopRequest
	if r.Body != nil {
		// A missing or malformed body still triggers the stop; the
		// reason is informational only.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	s.envelope.TriggerEStop(req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"estop_active": true,
		"reason":       req.Reason,
	})
}

func (s *Server) handleEStopReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.envelope.ResetEStop() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"estop_active": true,
			"error":        "emergency stop timeout has not elapsed",
		})
		return
	}

	monitoring.Logf("api: emergency stop reset")
	writeJSON(w, http.StatusOK, map[string]any{"estop_active": false})
}

// effectiveConfig is the fully resolved configuration: every field answers
// with its default when unset, so the operator sees what the rig actually
// runs with.
type effectiveConfig struct {
	Telemetry struct {
		Port        int    `json:"port"`
		BufferBytes int    `json:"buffer_bytes"`
		LogInterval string `json:"log_interval"`
	} `json:"telemetry"`
	Motion struct {
		Dimension       string  `json:"dimension"`
		Gain            float64 `json:"gain"`
		OnsetGain       float64 `json:"onset_gain"`
		SustainedGain   float64 `json:"sustained_gain"`
		Deadband        float64 `json:"deadband"`
		WashoutFreqHz   float64 `json:"washout_freq_hz"`
		SustainedFreqHz float64 `json:"sustained_freq_hz"`
		SlewRateMMs     float64 `json:"slew_rate_mms"`
		SampleRateHz    float64 `json:"sample_rate_hz"`
		StrokeMM        float64 `json:"stroke_mm"`
		CenterMM        float64 `json:"center_mm"`
		SoftLimitMM     float64 `json:"soft_limit_mm"`
	} `json:"motion"`
	Actuator struct {
		Driver              string  `json:"driver"`
		Port                string  `json:"port"`
		BaudRate            int     `json:"baud_rate"`
		UnitID              int     `json:"unit_id"`
		Speed               int     `json:"speed"`
		Acceleration        int     `json:"acceleration"`
		Deceleration        int     `json:"deceleration"`
		CommandRateHz       float64 `json:"command_rate_hz"`
		PositionThresholdMM float64 `json:"position_threshold_mm"`
	} `json:"actuator"`
	Safety struct {
		MinPositionMM  float64 `json:"min_position_mm"`
		MaxPositionMM  float64 `json:"max_position_mm"`
		HomePositionMM float64 `json:"home_position_mm"`
		MaxSpeedMMs    float64 `json:"max_speed_mms"`
		EStopTimeout   string  `json:"estop_timeout"`
	} `json:"safety"`
	Recording struct {
		Enabled     bool   `json:"enabled"`
		DBPath      string `json:"db_path"`
		CapturePath string `json:"capture_path"`
	} `json:"recording"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out effectiveConfig
	out.Telemetry.Port = s.cfg.Telemetry.GetPort()
	out.Telemetry.BufferBytes = s.cfg.Telemetry.GetBufferBytes()
	out.Telemetry.LogInterval = s.cfg.Telemetry.GetLogInterval().String()

	out.Motion.Dimension = s.cfg.Motion.GetDimension()
	out.Motion.Gain = s.cfg.Motion.GetGain()
	out.Motion.OnsetGain = s.cfg.Motion.GetOnsetGain()
	out.Motion.SustainedGain = s.cfg.Motion.GetSustainedGain()
	out.Motion.Deadband = s.cfg.Motion.GetDeadband()
	out.Motion.WashoutFreqHz = s.cfg.Motion.GetWashoutFreqHz()
	out.Motion.SustainedFreqHz = s.cfg.Motion.GetSustainedFreqHz()
	out.Motion.SlewRateMMs = s.cfg.Motion.GetSlewRateMMs()
	out.Motion.SampleRateHz = s.cfg.Motion.GetSampleRateHz()
	out.Motion.StrokeMM = s.cfg.Motion.GetStrokeMM()
	out.Motion.CenterMM = s.cfg.Motion.GetCenterMM()
	out.Motion.SoftLimitMM = s.cfg.Motion.GetSoftLimitMM()

	out.Actuator.Driver = s.cfg.Actuator.GetDriver()
	out.Actuator.Port = s.cfg.Actuator.GetPort()
	out.Actuator.BaudRate = s.cfg.Actuator.GetBaudRate()
	out.Actuator.UnitID = s.cfg.Actuator.GetUnitID()
	out.Actuator.Speed = s.cfg.Actuator.GetSpeed()
	out.Actuator.Acceleration = s.cfg.Actuator.GetAcceleration()
	out.Actuator.Deceleration = s.cfg.Actuator.GetDeceleration()
	out.Actuator.CommandRateHz = s.cfg.Actuator.GetCommandRateHz()
	out.Actuator.PositionThresholdMM = s.cfg.Actuator.GetPositionThresholdMM()

	out.Safety.MinPositionMM = s.cfg.Safety.GetMinPositionMM()
	out.Safety.MaxPositionMM = s.cfg.Safety.GetMaxPositionMM()
	out.Safety.HomePositionMM = s.cfg.Safety.GetHomePositionMM()
	out.Safety.MaxSpeedMMs = s.cfg.Safety.GetMaxSpeedMMs()
	out.Safety.EStopTimeout = s.cfg.Safety.GetEStopTimeout().String()

	out.Recording.Enabled = s.cfg.Recording.GetEnabled()
	out.Recording.DBPath = s.cfg.Recording.GetDBPath()
	out.Recording.CapturePath = s.cfg.Recording.GetCapturePath()

	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}
