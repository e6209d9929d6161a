// Package muxbroadcast implements the Mux Broadcaster (spec.md §4.H,
// Component H): fans out session output to every live viewer's MuxClient
// and emits a SessionState mux frame to all clients whenever the session
// list changes. internal/server's WireStateChanges attaches it to the
// Session Manager's state listeners.
package muxbroadcast

import (
	"sync"

	"github.com/ttymux/ttymux/internal/muxclient"
	"github.com/ttymux/ttymux/internal/muxproto"
)

// viewer is the subset of *muxclient.Client the Broadcaster depends on.
type viewer interface {
	ID() string
	Deliver(sessionID string, cols, rows uint16, data []byte)
}

// Broadcaster fans out session output and state-change events to every
// registered viewer. It must not block the Session Manager's output drain
// (spec.md §4.H): each viewer's queue is bounded and drop-oldest, so a slow
// viewer never backs up this fan-out.
type Broadcaster struct {
	mu      sync.RWMutex
	viewers map[string]viewer
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{viewers: make(map[string]viewer)}
}

// Register adds a viewer to the fan-out set.
func (b *Broadcaster) Register(v viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewers[v.ID()] = v
}

// Unregister removes a viewer, typically on WebSocket close.
func (b *Broadcaster) Unregister(viewerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.viewers, viewerID)
}

// OnOutput is the Session Manager's OutputFunc: fan out one session's
// output chunk to every live viewer in arrival order (spec.md §5 "Per-
// session output ordering").
func (b *Broadcaster) OnOutput(sessionID string, cols, rows uint16, data []byte) {
	for _, v := range b.snapshot() {
		v.Deliver(sessionID, cols, rows, data)
	}
}

// snapshot copies the viewer set cheaply so fan-out tolerates concurrent
// registration/removal (spec.md §5 "tolerate viewer removal concurrent
// with fan-out").
func (b *Broadcaster) snapshot() []viewer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]viewer, 0, len(b.viewers))
	for _, v := range b.viewers {
		out = append(out, v)
	}
	return out
}

// sessionStateSink is the subset of viewer needed to push a raw encoded
// frame directly, used only for SessionState notifications which bypass
// the per-session output scheduler (they are control frames, not output).
type sessionStateSink interface {
	viewer
	SendRaw(msg []byte)
}

// BroadcastSessionState emits a SessionState frame (type 0x04) to every
// viewer whose Client additionally implements SendRaw. Viewers that don't
// (e.g. in tests using the plain viewer interface) are skipped.
func (b *Broadcaster) BroadcastSessionState(sessionID string, created bool) {
	payload := muxproto.EncodeSessionState(created)
	frame := muxproto.Encode(muxproto.Frame{Type: muxproto.TypeSessionState, SessionID: sessionID, Payload: payload})
	for _, v := range b.snapshot() {
		if sink, ok := v.(sessionStateSink); ok {
			sink.SendRaw(frame)
		}
	}
}

// resyncSink is the subset of viewer that can be flagged for a forced
// resync. Viewers that don't implement it (e.g. test doubles) are skipped.
type resyncSink interface {
	viewer
	ForceResync()
}

// ForceResync flags every connected viewer for a full resync on its next
// send-loop wake. Called when sessionID's Host IPC Client reconnects and
// fetches a fresh snapshot that may not match what viewers have already
// seen (spec.md §4.D); the resync itself is client-wide rather than scoped
// to one session, matching the existing drop-oldest needsResync mechanism.
func (b *Broadcaster) ForceResync(sessionID string) {
	for _, v := range b.snapshot() {
		if sink, ok := v.(resyncSink); ok {
			sink.ForceResync()
		}
	}
}

var _ viewer = (*muxclient.Client)(nil)
var _ resyncSink = (*muxclient.Client)(nil)
