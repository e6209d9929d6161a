// Package server wires the Session Manager, Mux Client/Broadcaster, and
// State Broadcaster into an HTTP(S) server: the /ws/mux and /ws/state
// WebSocket endpoints, and a REST control surface for callers without a
// WebSocket. Grounded on azalio-cc-web's internal/http route/method-switch
// shape, and on swe-swe-server's websocket.Upgrader/http.HandleFunc wiring
// in its main().
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttymux/ttymux/internal/idgen"
	"github.com/ttymux/ttymux/internal/muxbroadcast"
	"github.com/ttymux/ttymux/internal/muxclient"
	"github.com/ttymux/ttymux/internal/playback"
	"github.com/ttymux/ttymux/internal/session"
	"github.com/ttymux/ttymux/internal/statebroadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Defaults fills in CreateOptions fields a REST caller left unset, and
// tunes per-viewer queue/batching limits for every Mux Client this Server
// creates.
type Defaults struct {
	ShellKind             string
	ScrollbackCapacity    int
	ViewerQueueCapacity   int
	BackgroundFlushAtByte int
	RecordingsEnabled     bool
}

// Server bundles the whole running core and exposes it as an http.Handler.
type Server struct {
	sessions  *session.Manager
	mux       *muxbroadcast.Broadcaster
	state     *statebroadcast.Broadcaster
	recorders *playback.Registry

	defaultsMu sync.RWMutex
	defaults   Defaults

	// requireAuth is the single seam for wiring an auth middleware; a
	// no-op by default (auth is an external collaborator, not implemented
	// here).
	requireAuth func(http.Handler) http.Handler

	routes *http.ServeMux
}

// New constructs a Server. recorders may be nil if transcript recording is
// disabled entirely.
func New(sessions *session.Manager, mux *muxbroadcast.Broadcaster, state *statebroadcast.Broadcaster, recorders *playback.Registry, defaults Defaults) *Server {
	s := &Server{
		sessions:    sessions,
		mux:         mux,
		state:       state,
		recorders:   recorders,
		defaults:    defaults,
		requireAuth: func(h http.Handler) http.Handler { return h },
	}
	s.routes = http.NewServeMux()
	s.registerRoutes()
	return s
}

// SetAuth installs a middleware applied to every route this Server serves.
func (s *Server) SetAuth(mw func(http.Handler) http.Handler) {
	s.requireAuth = mw
}

// SetDefaults swaps in a new set of request defaults and per-viewer limits,
// used by cmd/ttymux-server's config hot-reload so a YAML edit can retune
// queue depth/flush thresholds without a restart.
func (s *Server) SetDefaults(defaults Defaults) {
	s.defaultsMu.Lock()
	s.defaults = defaults
	s.defaultsMu.Unlock()
}

func (s *Server) currentDefaults() Defaults {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requireAuth(s.routes).ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.routes.HandleFunc("/ws/mux", s.handleMuxWS)
	s.routes.HandleFunc("/ws/state", s.handleStateWS)
	s.routes.HandleFunc("/api/sessions", s.handleSessions)
	s.routes.HandleFunc("/api/sessions/", s.handleSessionAction)
}

func (s *Server) handleMuxWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] /ws/mux upgrade failed: %v", err)
		return
	}

	viewerID := r.URL.Query().Get("viewerId")
	if viewerID == "" {
		viewerID = idgen.ViewerID()
	}

	defaults := s.currentDefaults()
	client := muxclient.NewWithLimits(viewerID, conn, s.sessions, defaults.ViewerQueueCapacity, defaults.BackgroundFlushAtByte)
	s.mux.Register(client)
	defer s.mux.Unregister(viewerID)

	client.Run(r.Context())
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] /ws/state upgrade failed: %v", err)
		return
	}
	s.state.HandleConn(conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// handleSessions handles GET/POST /api/sessions (spec.md §6.6).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessions.ListSessionInfos())

	case http.MethodPost:
		var req struct {
			Cols       uint16 `json:"cols"`
			Rows       uint16 `json:"rows"`
			ShellKind  string `json:"shellKind"`
			WorkingDir string `json:"workingDir"`
			Name       string `json:"name"`
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
			return
		}

		defaults := s.currentDefaults()
		if req.ShellKind == "" {
			req.ShellKind = defaults.ShellKind
		}

		ctx, cancel := context.WithTimeout(r.Context(), session.HandshakeTimeout+time.Second)
		defer cancel()

		rec, err := s.sessions.CreateSession(ctx, session.CreateOptions{
			Cols: req.Cols, Rows: req.Rows,
			ShellKind: req.ShellKind, WorkingDir: req.WorkingDir, Name: req.Name,
			ScrollbackCapacity: defaults.ScrollbackCapacity,
			RecordingEnabled:   s.recorders != nil && defaults.RecordingsEnabled,
		})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "unavailable"})
			return
		}
		writeJSON(w, http.StatusCreated, rec.Info())

	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	}
}

// handleSessionAction handles /api/sessions/{id}/... routes (spec.md §6.6).
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing session id"})
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		s.sessions.CloseSession(r.Context(), id)
		w.WriteHeader(http.StatusNoContent)

	case action == "" && r.Method == http.MethodGet:
		rec, ok := s.sessions.GetSession(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec.Info())

	case action == "resize" && r.Method == http.MethodPost:
		s.handleResize(w, r, id)

	case action == "name" && r.Method == http.MethodPost:
		s.handleSetName(w, r, id)

	case action == "recording" && r.Method == http.MethodGet:
		s.handleRecording(w, id)

	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	}
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return
	}
	if _, ok := s.sessions.GetSession(id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	// viewerId is intentionally empty: a REST caller is not subject to the
	// "active viewer wins" rule (spec.md §4.E, §8).
	if !s.sessions.Resize(r.Context(), id, req.Cols, req.Rows, "") {
		writeJSON(w, http.StatusConflict, errorBody{Error: "resize rejected"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
		return
	}
	if !s.sessions.SetName(r.Context(), id, req.Name) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecording(w http.ResponseWriter, id string) {
	if s.recorders == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "recording not enabled"})
		return
	}
	rec, ok := s.recorders.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no recording for session"})
		return
	}
	writeJSON(w, http.StatusOK, rec.Frames())
}

// WireStateChanges connects the Session Manager's listener mechanism to
// both broadcasters, so every create/resize/rename/close is reflected to
// /ws/state viewers, and creates and closes also go out as a SessionState
// mux frame (spec.md §4.H, §4.I).
func WireStateChanges(sessions *session.Manager, mux *muxbroadcast.Broadcaster, state *statebroadcast.Broadcaster) {
	sessions.AddStateListener(func(sessionID string, ev session.Event) {
		state.NotifyChanged()
		// EventChanged (resize/rename/info-refresh) has no SessionState
		// payload of its own: a mux-level SessionState frame only means
		// created or destroyed (muxproto.EncodeSessionState's single byte).
		// /ws/state already carries the richer info for in-place changes.
		if ev == session.EventCreated || ev == session.EventDestroyed {
			mux.BroadcastSessionState(sessionID, ev == session.EventCreated)
		}
	})
	sessions.SetResyncListener(mux.ForceResync)
}
