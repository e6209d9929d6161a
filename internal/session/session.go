// Package session implements the Session Manager (spec.md §4.E, Component
// E): the registry of sessions, spawning PTY hosts as subprocesses,
// routing input/resize/buffer calls through each session's Host IPC
// Client, and fanning out per-session output in arrival order to the
// Mux Broadcaster. Grounded on the teacher's Session/sessionsMu registry
// shape in swe-swe-server/main.go, generalized from one process's
// in-memory PTY to a spawned-subprocess-plus-IPC-client model.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ttymux/ttymux/internal/hostclient"
	"github.com/ttymux/ttymux/internal/idgen"
	"github.com/ttymux/ttymux/internal/ipcproto"
	"github.com/ttymux/ttymux/internal/ttymuxerr"
)

// HandshakeTimeout bounds CreateSession's spawn+GetInfo round trip
// (spec.md §4.E "Fails with Unavailable if ... IPC handshake times out (5s)").
const HandshakeTimeout = 5 * time.Second

// OutputFunc is how the Mux Broadcaster receives ordered per-session output.
type OutputFunc func(sessionID string, cols, rows uint16, data []byte)

// StateListener is notified whenever a session is created, changes, or is
// destroyed. Panics/errors from one listener MUST NOT affect others
// (spec.md §4.E, §8 "State listener isolation").
type StateListener func(sessionID string, event Event)

// Event enumerates the kinds of state-change notification.
type Event int

const (
	EventCreated Event = iota
	EventChanged
	EventDestroyed
)

// CreateOptions configures a new session.
type CreateOptions struct {
	Cols, Rows         uint16
	ShellKind          string
	WorkingDir         string
	Name               string
	CreatedBy          string // viewer id of the creator; kept on the Record, not part of SessionInfo
	ScrollbackCapacity int    // bytes; 0 means let the host apply its own default
	RecordingEnabled   bool   // start a playback.Recorder for this session's output
}

// Record is the Session Manager's view of one live session (spec.md §3
// Session, plus SPEC_FULL.md's RecordingEnabled/createdBy/host-process
// bookkeeping additions).
type Record struct {
	mu sync.RWMutex

	ID                 string
	ShellKind          string
	WorkingDir         string
	Cols, Rows         uint16
	Name               string
	PID                int
	CreatedAt          time.Time
	Running            bool
	ExitCode           *int
	LastActiveViewerID string
	CreatedBy          string
	RecordingEnabled   bool

	hostCmd   *exec.Cmd
	ipcClient *hostclient.Client
	health    hostclient.Health
}

// Info returns a stable snapshot safe to hand to JSON encoders or the wire.
func (r *Record) Info() ipcproto.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ipcproto.SessionInfo{
		ID: r.ID, PID: r.PID, CreatedAt: r.CreatedAt.Unix(),
		IsRunning: r.Running, ExitCode: r.ExitCode,
		CurrentWorkingDirectory: r.WorkingDir, Cols: r.Cols, Rows: r.Rows,
		ShellType: r.ShellKind, Name: r.Name, LastActiveViewerID: r.LastActiveViewerID,
		RecordingEnabled: r.RecordingEnabled,
	}
}

// Manager is the Session Manager: a concurrent registry of sessions and
// state listeners, per spec.md §4.E.
type Manager struct {
	hostBinary string
	defaultEnv []string

	mu       sync.RWMutex
	sessions map[string]*Record

	listenersMu    sync.RWMutex
	listeners      map[int]StateListener
	nextListenerID int

	onOutput OutputFunc
	onResync func(sessionID string)

	maxSessions int

	outputCh chan outputItem
}

type outputItem struct {
	sessionID  string
	cols, rows uint16
	data       []byte
}

// NewManager constructs a Manager. hostBinary is the path to the
// ttymux-host executable to spawn per session (spec.md §4.C).
func NewManager(hostBinary string, onOutput OutputFunc) *Manager {
	m := &Manager{
		hostBinary: hostBinary,
		defaultEnv: os.Environ(),
		sessions:   make(map[string]*Record),
		listeners:  make(map[int]StateListener),
		onOutput:   onOutput,
		outputCh:   make(chan outputItem, 4096),
	}
	go m.drainOutput()
	return m
}

// drainOutput is the Session Manager's single-reader MPSC channel consumer
// (spec.md §4.E "Rationale: per-session ordering MUST be preserved").
func (m *Manager) drainOutput() {
	for item := range m.outputCh {
		if m.onOutput != nil {
			m.onOutput(item.sessionID, item.cols, item.rows, item.data)
		}
	}
}

// CreateSession spawns a PTY host subprocess, establishes its IPC client,
// and registers the session.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*Record, error) {
	m.mu.RLock()
	atCapacity := m.maxSessions > 0 && len(m.sessions) >= m.maxSessions
	m.mu.RUnlock()
	if atCapacity {
		return nil, ttymuxerr.Wrap(ttymuxerr.Rejected, fmt.Errorf("session limit reached (%d)", m.maxSessions))
	}

	if opts.Cols == 0 || opts.Rows == 0 {
		opts.Cols, opts.Rows = 80, 24
	}
	id := idgen.SessionID()

	args := []string{
		"--session-id", id,
		"--shell", opts.ShellKind,
		"--cwd", opts.WorkingDir,
		"--cols", strconv.Itoa(int(opts.Cols)),
		"--rows", strconv.Itoa(int(opts.Rows)),
	}
	if opts.ScrollbackCapacity > 0 {
		args = append(args, "--scrollback-capacity", strconv.Itoa(opts.ScrollbackCapacity))
	}
	cmd := exec.Command(m.hostBinary, args...)
	cmd.Env = m.defaultEnv
	if err := cmd.Start(); err != nil {
		return nil, ttymuxerr.Wrap(ttymuxerr.Fatal, fmt.Errorf("spawn pty host: %w", err))
	}
	go cmd.Wait() // reap; host process lifetime is independent of this call

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	rec := &Record{
		ID: id, ShellKind: opts.ShellKind, WorkingDir: opts.WorkingDir,
		Cols: opts.Cols, Rows: opts.Rows, Name: opts.Name,
		CreatedAt: time.Now(), Running: true, CreatedBy: opts.CreatedBy,
		RecordingEnabled: opts.RecordingEnabled,
		hostCmd:          cmd, health: hostclient.Healthy,
	}

	client, info, err := hostclient.Dial(hctx, id, hostclient.Callbacks{
		OnOutput: func(sid string, data []byte) {
			m.outputCh <- outputItem{sessionID: sid, cols: rec.snapshotCols(), rows: rec.snapshotRows(), data: data}
		},
		OnStateChanged: func(sid string) {
			// The GetInfo reply arrives on the read loop that invoked this
			// callback, so the refresh runs on its own goroutine and with
			// its own deadline rather than hctx, which ends with this call.
			go func() {
				rctx, rcancel := context.WithTimeout(context.Background(), HandshakeTimeout)
				defer rcancel()
				m.refreshAndNotify(rctx, rec)
			}()
		},
		OnHealthChange: func(sid string, h hostclient.Health) {
			rec.mu.Lock()
			rec.health = h
			rec.mu.Unlock()
		},
		OnResync: func(sid string, snapshot []byte) {
			if m.onResync != nil {
				m.onResync(sid)
			}
		},
		OnUnrecoverable: func(sid string) {
			// spec.md:32/:263: repeated IPC reconnect failure within the
			// bounded window escalates to the Session Manager closing the
			// session.
			go m.CloseSession(context.Background(), sid)
		},
	})
	if err != nil {
		cmd.Process.Kill()
		return nil, ttymuxerr.Wrap(ttymuxerr.Fatal, fmt.Errorf("ipc handshake: %w", err))
	}

	rec.PID = info.PID
	rec.ipcClient = client

	m.mu.Lock()
	m.sessions[id] = rec
	m.mu.Unlock()

	m.notify(id, EventCreated)
	return rec, nil
}

func (r *Record) snapshotCols() uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Cols
}

func (r *Record) snapshotRows() uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Rows
}

func (m *Manager) refreshAndNotify(ctx context.Context, rec *Record) {
	info, err := rec.ipcClient.GetInfo(ctx)
	if err != nil {
		return
	}
	rec.mu.Lock()
	rec.Cols, rec.Rows = info.Cols, info.Rows
	rec.Name = info.Name
	rec.Running = info.IsRunning
	rec.ExitCode = info.ExitCode
	rec.mu.Unlock()
	m.notify(rec.ID, EventChanged)
}

// GetSession is a pure lookup.
func (m *Manager) GetSession(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	return r, ok
}

// ListSessions returns a snapshot of all live sessions.
func (m *Manager) ListSessions() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r)
	}
	return out
}

// ListSessionInfos returns the wire-shaped SessionInfo for every live
// session, for internal/statebroadcast's /ws/state endpoint.
func (m *Manager) ListSessionInfos() []ipcproto.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ipcproto.SessionInfo, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r.Info())
	}
	return out
}

// KnownSessionIDs returns the ids of all live sessions, for the resync
// sequence in internal/muxclient (spec.md §4.G.2 step 2 "for each session
// currently known").
func (m *Manager) KnownSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession sends Close IPC, removes the record, and notifies
// listeners. Idempotent (spec.md §8 "Idempotent Close").
func (m *Manager) CloseSession(ctx context.Context, id string) {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if rec.ipcClient != nil {
		_ = rec.ipcClient.CloseSession(ctx)
		rec.ipcClient.Close()
	}
	m.notify(id, EventDestroyed)
}

// Resize implements the "active viewer wins" rule (spec.md §4.E, §8).
// viewerID == "" means a REST/API caller, which is accepted unconditionally.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows uint16, viewerID string) bool {
	rec, ok := m.GetSession(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	if viewerID != "" && rec.LastActiveViewerID != "" && viewerID != rec.LastActiveViewerID {
		rec.mu.Unlock()
		return false
	}
	rec.mu.Unlock()

	if err := rec.ipcClient.Resize(ctx, cols, rows); err != nil {
		return false
	}
	rec.mu.Lock()
	rec.Cols, rec.Rows = cols, rows
	rec.mu.Unlock()
	m.notify(id, EventChanged)
	return true
}

// SendInput records the sending viewer as last-active and forwards to IPC.
func (m *Manager) SendInput(id string, data []byte, viewerID string) error {
	rec, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	if viewerID != "" {
		rec.mu.Lock()
		rec.LastActiveViewerID = viewerID
		rec.mu.Unlock()
	}
	return rec.ipcClient.SendInput(data)
}

// GetBuffer returns the latest scrollback snapshot from the host, along
// with the session's current cols/rows (spec.md:113, spec.md:216 "cols and
// rows are 0-permitted only on session-state").
func (m *Manager) GetBuffer(ctx context.Context, id string) (data []byte, cols, rows uint16, ok bool) {
	rec, ok := m.GetSession(id)
	if !ok {
		return nil, 0, 0, false
	}
	data, err := rec.ipcClient.GetBuffer(ctx)
	if err != nil {
		return nil, 0, 0, false
	}
	return data, rec.snapshotCols(), rec.snapshotRows(), true
}

// SetName updates a session's display name.
func (m *Manager) SetName(ctx context.Context, id string, name string) bool {
	rec, ok := m.GetSession(id)
	if !ok {
		return false
	}
	if err := rec.ipcClient.SetName(ctx, name); err != nil {
		return false
	}
	rec.mu.Lock()
	rec.Name = name
	rec.mu.Unlock()
	m.notify(id, EventChanged)
	return true
}

// SetResyncListener installs the callback invoked whenever a session's Host
// IPC Client completes a reconnect and fetches a fresh snapshot (spec.md
// §4.D). Wired by internal/server to the Mux Broadcaster's ForceResync, so
// downstream viewers don't silently keep a stale view across an IPC drop.
func (m *Manager) SetResyncListener(f func(sessionID string)) {
	m.onResync = f
}

// SetMaxSessions caps the number of concurrently live sessions this Manager
// will create; 0 (the default) means unbounded.
func (m *Manager) SetMaxSessions(n int) {
	m.maxSessions = n
}

// AddStateListener registers a callback and returns its id for later removal.
func (m *Manager) AddStateListener(l StateListener) int {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = l
	return id
}

// RemoveStateListener unregisters a listener by id.
func (m *Manager) RemoveStateListener(id int) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, id)
}

// notify calls every listener, isolating panics so one bad listener can't
// prevent others from being called (spec.md §8 "State listener isolation").
func (m *Manager) notify(sessionID string, ev Event) {
	m.listenersMu.RLock()
	snapshot := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		snapshot = append(snapshot, l)
	}
	m.listenersMu.RUnlock()

	for _, l := range snapshot {
		m.callListener(l, sessionID, ev)
	}
}

func (m *Manager) callListener(l StateListener, sessionID string, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("[SESSION] state listener panic: %v\n", r)
		}
	}()
	l(sessionID, ev)
}
