// Package statebroadcast implements the State Broadcaster (spec.md §4.I,
// Component I): a second WebSocket endpoint, JSON protocol, that pushes the
// full session list on connect and on any state change. Grounded on the
// teacher's BroadcastStatus (swe-swe-server/main.go) generalized from one
// session's client set to the whole server's viewer set, and on its
// per-connection writeMu discipline for gorilla/websocket's single-writer
// requirement.
package statebroadcast

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttymux/ttymux/internal/ipcproto"
)

// DebounceInterval collapses bursts of state changes into one outgoing
// message, per spec.md §4.I "small debounce (e.g. 25 ms)".
const DebounceInterval = 25 * time.Millisecond

// SessionLister supplies the full session list on demand.
type SessionLister interface {
	ListSessionInfos() []ipcproto.SessionInfo
}

// payload is the wire shape described in spec.md §6.2.
type payload struct {
	Sessions struct {
		Sessions []ipcproto.SessionInfo `json:"sessions"`
	} `json:"sessions"`
}

type connEntry struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
}

// Broadcaster manages all /ws/state connections.
type Broadcaster struct {
	lister SessionLister

	mu    sync.RWMutex
	conns map[*connEntry]bool

	debounceMu      sync.Mutex
	debouncePending bool
	debounceTimer   *time.Timer
}

// New constructs a Broadcaster that reads the current session list from lister.
func New(lister SessionLister) *Broadcaster {
	return &Broadcaster{lister: lister, conns: make(map[*connEntry]bool)}
}

// HandleConn registers a new /ws/state connection and sends the full
// session list immediately (spec.md §4.I "On connect, sends the full
// session list"). Blocks until the connection closes.
func (b *Broadcaster) HandleConn(conn *websocket.Conn) {
	entry := &connEntry{conn: conn}
	b.mu.Lock()
	b.conns[entry] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, entry)
		b.mu.Unlock()
		conn.Close()
	}()

	if err := b.sendTo(entry); err != nil {
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) sendTo(entry *connEntry) error {
	var p payload
	p.Sessions.Sessions = b.lister.ListSessionInfos()
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	entry.sendMu.Lock()
	defer entry.sendMu.Unlock()
	entry.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return entry.conn.WriteMessage(websocket.TextMessage, data)
}

// NotifyChanged schedules a debounced broadcast of the full session list
// to every connected client (spec.md §4.I).
func (b *Broadcaster) NotifyChanged() {
	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()
	if b.debouncePending {
		return
	}
	b.debouncePending = true
	b.debounceTimer = time.AfterFunc(DebounceInterval, b.flush)
}

func (b *Broadcaster) flush() {
	b.debounceMu.Lock()
	b.debouncePending = false
	b.debounceMu.Unlock()

	b.mu.RLock()
	entries := make([]*connEntry, 0, len(b.conns))
	for e := range b.conns {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	for _, e := range entries {
		if err := b.sendTo(e); err != nil {
			log.Printf("[STATE] send failed, dropping connection: %v", err)
			e.conn.Close() // HandleConn's read then fails and unregisters it
		}
	}
}
