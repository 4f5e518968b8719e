package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/simrig-data/motion.rig/internal/actuator"
	"github.com/simrig-data/motion.rig/internal/config"
	"github.com/simrig-data/motion.rig/internal/motion"
	"github.com/simrig-data/motion.rig/internal/pipeline"
	"github.com/simrig-data/motion.rig/internal/safety"
	"github.com/simrig-data/motion.rig/internal/testutil"
	"github.com/simrig-data/motion.rig/internal/units"
)

type stubDriver struct {
	state actuator.LinkState
	stats actuator.Stats
}

func (d *stubDriver) Connect() error                  { return nil }
func (d *stubDriver) Initialize(homeFirst bool) error { return nil }
func (d *stubDriver) SendPosition(mm float64) error   { return nil }
func (d *stubDriver) Shutdown() error                 { return nil }
func (d *stubDriver) Close() error                    { return nil }
func (d *stubDriver) State() actuator.LinkState       { return d.state }
func (d *stubDriver) Stats() actuator.Stats           { return d.stats }

func newTestServer(t *testing.T, estopTimeout time.Duration) (*Server, *safety.Envelope, *http.ServeMux) {
	t.Helper()

	cfg := config.Default()
	envelope := safety.NewEnvelope(safety.Config{
		MinPositionMM:  50,
		MaxPositionMM:  850,
		HomePositionMM: 450,
		MaxSpeedMMs:    500,
		EStopTimeout:   estopTimeout,
	})
	algorithm := motion.NewAlgorithm(motion.Config{
		Dimension:       units.Surge,
		Gain:            100,
		OnsetGain:       1,
		SustainedGain:   1,
		WashoutFreqHz:   1,
		SustainedFreqHz: 0.5,
		SlewRateMMs:     500,
		SampleRateHz:    30,
		CenterMM:        450,
	})
	driver := &stubDriver{
		state: actuator.StateReady,
		stats: actuator.Stats{CommandsSent: 7, LastPositionMM: 451.5},
	}
	loop := pipeline.NewLoop(algorithm, envelope, driver, nil)

	srv := NewServer(cfg, envelope, loop, driver)
	mux := http.NewServeMux()
	srv.Routes(mux)
	return srv, envelope, mux
}

func TestStatusEndpoint(t *testing.T) {
	_, _, mux := newTestServer(t, 5*time.Second)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/status"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.DriverState != actuator.StateReady {
		t.Errorf("driver state = %q, want %q", got.DriverState, actuator.StateReady)
	}
	if got.DriverStats.CommandsSent != 7 {
		t.Errorf("commands sent = %d, want 7", got.DriverStats.CommandsSent)
	}
	if got.SafetyState != safety.StateNormal {
		t.Errorf("safety state = %q, want %q", got.SafetyState, safety.StateNormal)
	}
	if got.EStopActive {
		t.Error("estop reported active on a fresh envelope")
	}
}

func TestStatusRejectsPost(t *testing.T) {
	_, _, mux := newTestServer(t, 5*time.Second)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodPost, "/api/status"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestEStopEndpointTriggersEnvelope(t *testing.T) {
	_, envelope, mux := newTestServer(t, 5*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/api/estop", strings.NewReader(`{"reason":"marshal called it"}`))
	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	if !envelope.EStopActive() {
		t.Fatal("envelope not latched after POST /api/estop")
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["reason"] != "marshal called it" {
		t.Errorf("reason = %v, want the posted reason", body["reason"])
	}
}

func TestEStopEndpointDefaultsReason(t *testing.T) {
	_, envelope, mux := newTestServer(t, 5*time.Second)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodPost, "/api/estop"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if !envelope.EStopActive() {
		t.Fatal("envelope not latched")
	}
}

func TestEStopResetBeforeTimeoutConflicts(t *testing.T) {
	_, envelope, mux := newTestServer(t, time.Hour)
	envelope.TriggerEStop("test")

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodPost, "/api/estop/reset"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
	if !envelope.EStopActive() {
		t.Fatal("conflict response must leave the latch set")
	}
}

func TestEStopResetAfterTimeout(t *testing.T) {
	_, envelope, mux := newTestServer(t, time.Millisecond)
	envelope.TriggerEStop("test")
	time.Sleep(5 * time.Millisecond)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodPost, "/api/estop/reset"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if envelope.EStopActive() {
		t.Fatal("latch still set after successful reset")
	}
}

func TestEStopRejectsGet(t *testing.T) {
	_, envelope, mux := newTestServer(t, 5*time.Second)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/estop"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
	if envelope.EStopActive() {
		t.Fatal("GET must not trigger the stop")
	}
}

func TestConfigEndpointResolvesDefaults(t *testing.T) {
	_, _, mux := newTestServer(t, 5*time.Second)

	rec := testutil.NewTestRecorder()
	mux.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/config"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got effectiveConfig
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if got.Telemetry.Port != 20777 {
		t.Errorf("telemetry port = %d, want 20777", got.Telemetry.Port)
	}
	if got.Motion.Dimension != units.Surge {
		t.Errorf("dimension = %q, want %q", got.Motion.Dimension, units.Surge)
	}
	if got.Actuator.Driver != "lecp" {
		t.Errorf("driver = %q, want lecp", got.Actuator.Driver)
	}
	if got.Safety.MaxPositionMM != 850 {
		t.Errorf("max position = %v, want 850", got.Safety.MaxPositionMM)
	}
}
