// Package playback implements the supplemented transcript-recording
// feature: an optional, timestamped log of a session's output frames,
// independent of the scrollback ring buffer, that lets an operator replay
// a session after the fact via GET /api/sessions/{id}/recording.
//
// Grounded on the evolved swe-swe-server build's playback.PlaybackFrame
// (a timestamp plus terminal content), generalized from a single embedded
// field into a bounded in-memory recorder with one instance per session.
package playback

import (
	"sync"
	"time"
)

// MaxFrames bounds memory use per recording; once reached, the oldest
// frames are discarded to make room for new ones.
const MaxFrames = 10000

// Frame is one recorded chunk of output at a point in the recording's
// timeline.
type Frame struct {
	Timestamp float64 `json:"timestamp"` // seconds since recording start
	Data      []byte  `json:"-"`
	Content   string  `json:"content"` // raw bytes, ANSI codes preserved
}

// Recorder captures a bounded, timestamped transcript for one session.
// Safe for concurrent use: Append is called from the output fan-out path,
// Frames from an HTTP handler goroutine.
type Recorder struct {
	mu      sync.Mutex
	start   time.Time
	frames  []Frame
	dropped int
}

// NewRecorder starts a recording clock at the current time.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now()}
}

// Append records one output chunk, stamped with its offset from the
// recording's start.
func (r *Recorder) Append(data []byte) {
	frame := Frame{
		Timestamp: time.Since(r.start).Seconds(),
		Data:      append([]byte(nil), data...),
		Content:   string(data),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) >= MaxFrames {
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:len(r.frames)-1]
		r.dropped++
	}
	r.frames = append(r.frames, frame)
}

// Frames returns a snapshot of the recorded transcript in order.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Dropped reports how many of the oldest frames were discarded to respect
// MaxFrames.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Registry tracks one Recorder per session id, all guarded by defaults-off
// semantics at the call site (Session.RecordingEnabled).
type Registry struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{recorders: make(map[string]*Recorder)}
}

// Start begins a new recording for sessionID, replacing any prior one.
func (reg *Registry) Start(sessionID string) *Recorder {
	rec := NewRecorder()
	reg.mu.Lock()
	reg.recorders[sessionID] = rec
	reg.mu.Unlock()
	return rec
}

// Stop discards the recording for sessionID, if any.
func (reg *Registry) Stop(sessionID string) {
	reg.mu.Lock()
	delete(reg.recorders, sessionID)
	reg.mu.Unlock()
}

// Get returns the active Recorder for sessionID, if recording is enabled
// for it.
func (reg *Registry) Get(sessionID string) (*Recorder, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.recorders[sessionID]
	return rec, ok
}

// Append is a convenience that appends to sessionID's recorder if one is
// active, and is a no-op otherwise; called from the output fan-out path
// where most sessions are not being recorded.
func (reg *Registry) Append(sessionID string, data []byte) {
	reg.mu.RLock()
	rec, ok := reg.recorders[sessionID]
	reg.mu.RUnlock()
	if ok {
		rec.Append(data)
	}
}
