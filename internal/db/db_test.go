package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenRunsMigrations(t *testing.T) {
	database := openTestDB(t)

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if dirty {
		t.Error("schema dirty after fresh migration")
	}
	if version != 2 {
		t.Errorf("schema version %d, want 2", version)
	}
}

func TestSessionLifecycle(t *testing.T) {
	database := openTestDB(t)

	s, err := database.CreateSession("surge", `{"gain":100}`)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID == "" {
		t.Fatal("session id empty")
	}

	got, err := database.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Dimension != "surge" || got.ConfigJSON != `{"gain":100}` {
		t.Errorf("session %+v, want surge with config snapshot", got)
	}
	if got.EndedAt != nil {
		t.Error("fresh session already ended")
	}

	if err := database.EndSession(s.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, err = database.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession after end: %v", err)
	}
	if got.EndedAt == nil {
		t.Error("ended session has no end time")
	}

	if err := database.EndSession("no-such-session"); err == nil {
		t.Error("EndSession succeeded for unknown id")
	}
}

func TestMotionSampleRoundTrip(t *testing.T) {
	database := openTestDB(t)
	s, err := database.CreateSession("surge", "{}")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	in := []MotionSample{
		{SessionTime: 1.0, GForce: -2.0, TargetMM: 250.5, ClampedMM: 250.5, Sent: true},
		{SessionTime: 1.033, GForce: -2.0, TargetMM: 249.0, ClampedMM: 249.0, Sent: false},
		{SessionTime: 1.066, GForce: 0.0, TargetMM: 40.0, ClampedMM: 50.0, Sent: true},
	}
	if err := database.InsertMotionSamples(s.ID, in); err != nil {
		t.Fatalf("InsertMotionSamples: %v", err)
	}

	out, err := database.MotionSamples(s.ID)
	if err != nil {
		t.Fatalf("MotionSamples: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %+v, want %+v", i, out[i], in[i])
		}
	}

	// Empty batch is a no-op, not an error.
	if err := database.InsertMotionSamples(s.ID, nil); err != nil {
		t.Errorf("InsertMotionSamples(nil): %v", err)
	}
}

func TestSafetyEvents(t *testing.T) {
	database := openTestDB(t)
	s, err := database.CreateSession("heave", "{}")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := database.RecordSafetyEvent(s.ID, "clamp", "commanded 920.0mm"); err != nil {
		t.Fatalf("RecordSafetyEvent: %v", err)
	}
	if err := database.RecordSafetyEvent(s.ID, "estop", "operator"); err != nil {
		t.Fatalf("RecordSafetyEvent: %v", err)
	}

	events, err := database.SafetyEvents(s.ID)
	if err != nil {
		t.Fatalf("SafetyEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "clamp" || events[1].Kind != "estop" {
		t.Errorf("event kinds %q, %q; want clamp then estop", events[0].Kind, events[1].Kind)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("event missing created_at")
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	database := openTestDB(t)
	for _, dim := range []string{"surge", "sway", "heave"} {
		if _, err := database.CreateSession(dim, "{}"); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	sessions, err := database.Sessions(2)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d sessions, want 2", len(sessions))
	}
}

func TestMigrateDownThenUp(t *testing.T) {
	database := openTestDB(t)

	if err := database.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	version, _, err := database.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 1 {
		t.Errorf("version after down %d, want 1", version)
	}

	if err := database.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	version, _, err = database.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 2 {
		t.Errorf("version after up %d, want 2", version)
	}
}
