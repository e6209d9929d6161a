package statebroadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttymux/ttymux/internal/ipcproto"
)

type fakeLister struct {
	infos []ipcproto.SessionInfo
}

func (f *fakeLister) ListSessionInfos() []ipcproto.SessionInfo {
	return f.infos
}

func newServer(t *testing.T, lister SessionLister) (*httptest.Server, *Broadcaster) {
	t.Helper()
	b := New(lister)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.HandleConn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, b
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectSendsFullSessionList(t *testing.T) {
	lister := &fakeLister{infos: []ipcproto.SessionInfo{{ID: "sess0001", Cols: 80, Rows: 24}}}
	srv, _ := newServer(t, lister)
	conn := dial(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var p payload
	if err := json.Unmarshal(msg, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Sessions.Sessions) != 1 || p.Sessions.Sessions[0].ID != "sess0001" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestNotifyChangedPushesUpdatedList(t *testing.T) {
	lister := &fakeLister{infos: []ipcproto.SessionInfo{{ID: "sess0001"}}}
	srv, b := newServer(t, lister)
	conn := dial(t, srv)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // drain initial send

	lister.infos = append(lister.infos, ipcproto.SessionInfo{ID: "sess0002"})
	b.NotifyChanged()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var p payload
	if err := json.Unmarshal(msg, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Sessions.Sessions) != 2 {
		t.Fatalf("expected 2 sessions after change, got %d", len(p.Sessions.Sessions))
	}
}

func TestNotifyChangedDebouncesBursts(t *testing.T) {
	lister := &fakeLister{}
	_, b := newServer(t, lister)

	for i := 0; i < 10; i++ {
		b.NotifyChanged()
	}
	b.debounceMu.Lock()
	pending := b.debouncePending
	b.debounceMu.Unlock()
	if !pending {
		t.Fatal("expected a debounce timer to be pending after a burst")
	}
}
