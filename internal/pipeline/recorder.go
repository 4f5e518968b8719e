package pipeline

import (
	"sync"

	"github.com/simrig-data/motion.rig/internal/db"
	"github.com/simrig-data/motion.rig/internal/monitoring"
)

// SessionRecorder batches control-loop samples into the session store.
// Inserts happen every flushEvery samples so the loop never waits on a
// per-cycle transaction. A failed flush is logged and dropped; recording
// must never stall the actuator.
type SessionRecorder struct {
	database  *db.DB
	sessionID string

	mu         sync.Mutex
	buf        []db.MotionSample
	flushEvery int
	dropped    uint64
}

// NewSessionRecorder creates a recorder for one session. flushEvery <= 0
// defaults to 64.
func NewSessionRecorder(database *db.DB, sessionID string, flushEvery int) *SessionRecorder {
	if flushEvery <= 0 {
		flushEvery = 64
	}
	return &SessionRecorder{
		database:   database,
		sessionID:  sessionID,
		flushEvery: flushEvery,
		buf:        make([]db.MotionSample, 0, flushEvery),
	}
}

// RecordSample implements SampleSink.
func (r *SessionRecorder) RecordSample(sessionTime, gForce, targetMM, clampedMM float64, sent bool) {
	r.mu.Lock()
	r.buf = append(r.buf, db.MotionSample{
		SessionTime: sessionTime,
		GForce:      gForce,
		TargetMM:    targetMM,
		ClampedMM:   clampedMM,
		Sent:        sent,
	})
	var batch []db.MotionSample
	if len(r.buf) >= r.flushEvery {
		batch = r.buf
		r.buf = make([]db.MotionSample, 0, r.flushEvery)
	}
	r.mu.Unlock()

	if batch != nil {
		r.flush(batch)
	}
}

func (r *SessionRecorder) flush(batch []db.MotionSample) {
	if err := r.database.InsertMotionSamples(r.sessionID, batch); err != nil {
		r.mu.Lock()
		r.dropped += uint64(len(batch))
		r.mu.Unlock()
		monitoring.Logf("recorder: dropped %d samples: %v", len(batch), err)
	}
}

// Close flushes any buffered samples.
func (r *SessionRecorder) Close() {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) > 0 {
		r.flush(batch)
	}
}
