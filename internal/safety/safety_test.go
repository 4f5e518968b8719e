package safety

import (
	"sync"
	"testing"
	"time"

	"github.com/simrig-data/motion.rig/internal/monitoring"
)

func testConfig() Config {
	return Config{
		MinPositionMM:  50,
		MaxPositionMM:  850,
		HomePositionMM: 450,
		MaxSpeedMMs:    500,
		EStopTimeout:   5 * time.Second,
	}
}

func TestClampPosition(t *testing.T) {
	env := NewEnvelope(testConfig())

	cases := []struct {
		name string
		in   float64
		want float64
		warn bool
	}{
		{"in range", 400, 400, false},
		{"at min", 50, 50, false},
		{"at max", 850, 850, false},
		{"below min", 10, 50, true},
		{"above max", 1000, 850, true},
		{"negative", -250, 50, true},
	}

	warnings := uint64(0)
	for _, c := range cases {
		got := env.ClampPosition(c.in)
		if got != c.want {
			t.Errorf("%s: ClampPosition(%v) = %v, want %v", c.name, c.in, got, c.want)
		}
		if c.warn {
			warnings++
		}
		if env.WarningCount() != warnings {
			t.Errorf("%s: warning count %d, want %d", c.name, env.WarningCount(), warnings)
		}
	}
}

func TestClampPositionPassThroughExact(t *testing.T) {
	env := NewEnvelope(testConfig())

	// In-range values must come back bit-identical.
	for _, v := range []float64{50.0, 449.99999999999, 450.00000000001, 850.0, 123.456789012345} {
		if got := env.ClampPosition(v); got != v {
			t.Errorf("ClampPosition(%v) = %v, altered an in-range value", v, got)
		}
	}
	if env.WarningCount() != 0 {
		t.Errorf("warning count %d after in-range values, want 0", env.WarningCount())
	}
}

func TestLimitSpeed(t *testing.T) {
	env := NewEnvelope(testConfig())
	dt := 33 * time.Millisecond // ~30Hz tick

	// 100mm in 33ms is ~3030mm/s, over the 500mm/s limit.
	got := env.LimitSpeed(400, 500, dt)
	wantMax := 400 + 500*dt.Seconds()
	if got != wantMax {
		t.Errorf("LimitSpeed up = %v, want %v", got, wantMax)
	}

	// Same magnitude downward keeps the sign.
	got = env.LimitSpeed(500, 400, dt)
	wantMin := 500 - 500*dt.Seconds()
	if got != wantMin {
		t.Errorf("LimitSpeed down = %v, want %v", got, wantMin)
	}

	// A slow move passes through untouched.
	if got := env.LimitSpeed(450, 451, dt); got != 451 {
		t.Errorf("LimitSpeed slow = %v, want 451", got)
	}

	// Zero dt cannot compute a speed; the target passes through.
	if got := env.LimitSpeed(450, 800, 0); got != 800 {
		t.Errorf("LimitSpeed zero dt = %v, want 800", got)
	}

	if env.WarningCount() != 2 {
		t.Errorf("warning count %d, want 2", env.WarningCount())
	}
}

func TestEStopLatch(t *testing.T) {
	env := NewEnvelope(testConfig())
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	env.nowFunc = func() time.Time { return now }

	fired := 0
	env.RegisterCallback(func() { fired++ })
	env.RegisterCallback(func() { panic("callback failure") })
	env.RegisterCallback(func() { fired++ })

	env.TriggerEStop("test trigger")

	if !env.EStopActive() {
		t.Fatal("e-stop not active after trigger")
	}
	if fired != 2 {
		t.Errorf("callbacks fired %d times, want 2 (panicking one must not stop the rest)", fired)
	}
	if env.State() != StateEmergencyStopped {
		t.Errorf("state %q, want %q", env.State(), StateEmergencyStopped)
	}

	// While latched, every position path returns home.
	if got := env.ClampPosition(700); got != 450 {
		t.Errorf("ClampPosition while stopped = %v, want home 450", got)
	}
	if got := env.LimitSpeed(450, 700, 33*time.Millisecond); got != 450 {
		t.Errorf("LimitSpeed while stopped = %v, want home 450", got)
	}

	// Reset before the timeout fails and leaves the latch engaged.
	now = now.Add(3 * time.Second)
	if env.ResetEStop() {
		t.Error("ResetEStop succeeded before timeout")
	}
	if !env.EStopActive() {
		t.Error("latch cleared by failed reset")
	}

	// After the timeout the reset succeeds.
	now = now.Add(3 * time.Second)
	if !env.ResetEStop() {
		t.Error("ResetEStop failed after timeout")
	}
	if env.EStopActive() {
		t.Error("latch still engaged after successful reset")
	}
	if got := env.ClampPosition(700); got != 700 {
		t.Errorf("ClampPosition after reset = %v, want 700", got)
	}
}

func TestResetWithoutTrigger(t *testing.T) {
	env := NewEnvelope(testConfig())
	if !env.ResetEStop() {
		t.Error("ResetEStop with no active e-stop should succeed")
	}
}

func TestStateDerivation(t *testing.T) {
	env := NewEnvelope(testConfig())

	if env.State() != StateNormal {
		t.Errorf("initial state %q, want %q", env.State(), StateNormal)
	}

	env.ClampPosition(2000)
	if env.State() != StateWarning {
		t.Errorf("state after clamp %q, want %q", env.State(), StateWarning)
	}

	env.TriggerEStop("state test")
	if env.State() != StateEmergencyStopped {
		t.Errorf("state after trigger %q, want %q", env.State(), StateEmergencyStopped)
	}

	// The e-stop outranks warnings; clearing it falls back to warning.
	env.nowFunc = func() time.Time { return time.Now().Add(time.Minute) }
	if !env.ResetEStop() {
		t.Fatal("reset failed")
	}
	if env.State() != StateWarning {
		t.Errorf("state after reset %q, want %q", env.State(), StateWarning)
	}
}

// The control loop clamps at cycle rate while the HTTP surface triggers,
// resets, and reads the envelope from its own goroutines. Run all of those
// paths at once; the race detector flags any unguarded field access.
func TestConcurrentClampAndEStop(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()
	monitoring.SetLogger(nil) // repeated triggers would flood the test log

	env := NewEnvelope(testConfig())

	var wg sync.WaitGroup
	start := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 1000; i++ {
			env.ClampPosition(float64(i))
			env.LimitSpeed(400, 450, 10*time.Millisecond)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 100; i++ {
			env.TriggerEStop("concurrency test")
			env.ResetEStop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 1000; i++ {
			env.State()
			env.WarningCount()
			env.EStopActive()
		}
	}()

	close(start)
	wg.Wait()
}

func TestClampWhileLatchedLogsNothing(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	var lines int
	monitoring.SetLogger(func(format string, v ...interface{}) { lines++ })

	env := NewEnvelope(testConfig())
	env.TriggerEStop("latch test")
	after := lines // the trigger itself logs once

	for i := 0; i < 100; i++ {
		if got := env.ClampPosition(600); got != env.HomePosition() {
			t.Fatalf("ClampPosition while latched = %v, want home %v", got, env.HomePosition())
		}
	}
	if lines != after {
		t.Errorf("%d log lines from clamping while latched, want 0", lines-after)
	}
}
