package actuator

import (
	"testing"
	"time"
)

func TestCommandThrottleBothGates(t *testing.T) {
	th := newCommandThrottle(33*time.Millisecond, 0.5)
	now := time.Now()
	th.nowFunc = func() time.Time { return now }

	if !th.accept(450) {
		t.Fatal("first command must always be accepted")
	}

	// Big move, too soon.
	now = now.Add(10 * time.Millisecond)
	if th.accept(500) {
		t.Error("accepted a command inside the minimum interval")
	}

	// Enough time, tiny move.
	now = now.Add(40 * time.Millisecond)
	if th.accept(450.2) {
		t.Error("accepted a command below the position threshold")
	}

	// Both pass. The reference point is still the last ACCEPTED command,
	// so the delta is measured from 450, not 450.2.
	if !th.accept(450.6) {
		t.Error("rejected a command that passed both gates")
	}

	// Rejections must not advance the interval clock either.
	now = now.Add(10 * time.Millisecond)
	if th.accept(600) {
		t.Error("rejection advanced the accepted-command clock")
	}
	now = now.Add(30 * time.Millisecond)
	if !th.accept(600) {
		t.Error("rejected after a full interval since the last accepted command")
	}
}

func TestCommandThrottleReset(t *testing.T) {
	th := newCommandThrottle(time.Hour, 1000)
	if !th.accept(450) {
		t.Fatal("first command rejected")
	}
	if th.accept(450.1) {
		t.Fatal("second command accepted within an hour")
	}
	th.reset()
	if !th.accept(450.1) {
		t.Error("command after reset rejected")
	}
}

func TestNoopDriverLifecycle(t *testing.T) {
	d := NewNoopDriver()
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Initialize(true); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if d.State() != StateReady {
		t.Fatalf("state %s, want %s", d.State(), StateReady)
	}
	for i := 0; i < 5; i++ {
		if err := d.SendPosition(450 + float64(i)); err != nil {
			t.Fatalf("SendPosition: %v", err)
		}
	}
	if s := d.Stats(); s.CommandsSent != 5 || s.LastPositionMM != 454 {
		t.Errorf("stats %+v, want 5 commands ending at 454", s)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if d.State() != StateDisconnected {
		t.Errorf("state %s, want %s", d.State(), StateDisconnected)
	}
}
