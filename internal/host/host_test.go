package host

import (
	"context"
	"net"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/ttymux/ttymux/internal/ipcproto"
	"github.com/ttymux/ttymux/internal/ptyproc"
)

// TestMain intercepts the `--pty-exec <slave-path> -- <argv...>` re-exec
// that internal/ptyproc performs against os.Executable() (spec.md §4.J).
// In production that binary is cmd/ttymux-host, which checks os.Args[1]
// before its own flag parsing; under `go test`, os.Executable() is this
// test binary, so it needs the same interception before testing's flag
// parsing runs, mirroring cmd/ttymux-host/main.go's handling.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "--pty-exec" {
		os.Exit(runPTYExecFromArgs(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func runPTYExecFromArgs(args []string) int {
	if len(args) == 0 {
		return ptyproc.ExitInvalidArgs
	}
	slavePath := args[0]
	rest := args[1:]

	sep := 0
	for sep < len(rest) && rest[sep] != "--" {
		sep++
	}
	if sep >= len(rest) {
		return ptyproc.ExitInvalidArgs
	}
	argv := rest[sep+1:]

	return ptyproc.RunPTYExecHelper(slavePath, argv)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("PTY spawning is not implemented on windows")
	}
}

// startTestHost spawns a real Host (PTY + IPC listener) against a scratch
// XDG_RUNTIME_DIR and returns it already serving, plus a cancel func.
func startTestHost(t *testing.T, sessionID string) (*Host, context.CancelFunc) {
	t.Helper()
	requireUnix(t)

	dir := t.TempDir()
	old, had := os.LookupEnv("XDG_RUNTIME_DIR")
	os.Setenv("XDG_RUNTIME_DIR", dir)
	t.Cleanup(func() {
		if had {
			os.Setenv("XDG_RUNTIME_DIR", old)
		} else {
			os.Unsetenv("XDG_RUNTIME_DIR")
		}
	})

	h, err := New(Config{
		SessionID: sessionID,
		Command:   []string{"cat"},
		Env:       os.Environ(),
		Cols:      80,
		Rows:      24,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	// Run binds the listener synchronously before spawning the accept
	// loop goroutines, but dialing can still race the os.Remove+Listen
	// pair; retry briefly instead of sleeping a fixed amount.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(EndpointPath(sessionID)); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return h, cancel
}

func dialHost(t *testing.T, sessionID string) net.Conn {
	t.Helper()
	var lastErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", EndpointPath(sessionID))
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial host: %v", lastErr)
	return nil
}

// frameReader buffers partial reads across calls so consecutive frames in
// the same TCP segment aren't dropped between readFrame calls.
type frameReader struct {
	conn    net.Conn
	pending []byte
}

func (r *frameReader) next(t *testing.T) ipcproto.Frame {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		f, consumed, err := ipcproto.Decode(r.pending)
		if err == nil {
			r.pending = r.pending[consumed:]
			return f
		}
		r.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, rerr := r.conn.Read(buf)
		if n > 0 {
			r.pending = append(r.pending, buf[:n]...)
		}
		if rerr != nil {
			t.Fatalf("read frame: %v", rerr)
		}
	}
}

// TestDispatchResizeAcksAndEmitsStateChange exercises dispatch's TypeResize
// branch end to end: it acks the requester and also emits a StateChange so
// a cached Info response is known stale (spec.md §4.C activity (c)).
func TestDispatchResizeAcksAndEmitsStateChange(t *testing.T) {
	h, cancel := startTestHost(t, "resize-sess")
	defer cancel()

	conn := dialHost(t, "resize-sess")
	defer conn.Close()

	conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypeResize, Payload: ipcproto.EncodeResize(100, 40)}))

	fr := &frameReader{conn: conn}
	first := fr.next(t)
	second := fr.next(t)

	var gotAck, gotStateChange bool
	for _, f := range []ipcproto.Frame{first, second} {
		switch f.Type {
		case ipcproto.TypeResizeAck:
			gotAck = true
		case ipcproto.TypeStateChange:
			gotStateChange = true
		}
	}
	if !gotAck {
		t.Fatalf("expected a ResizeAck frame, got %+v and %+v", first, second)
	}
	if !gotStateChange {
		t.Fatalf("expected a StateChange frame after resize, got %+v and %+v", first, second)
	}

	h.mu.Lock()
	cols, rows := h.cfg.Cols, h.cfg.Rows
	h.mu.Unlock()
	if cols != 100 || rows != 40 {
		t.Fatalf("expected cfg to reflect the new size, got cols=%d rows=%d", cols, rows)
	}
}

// TestDispatchSetNameAcksAndEmitsStateChange mirrors the resize case for
// TypeSetName.
func TestDispatchSetNameAcksAndEmitsStateChange(t *testing.T) {
	h, cancel := startTestHost(t, "setname-sess")
	defer cancel()

	conn := dialHost(t, "setname-sess")
	defer conn.Close()

	conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypeSetName, Payload: ipcproto.EncodeSetName("my-session")}))

	fr := &frameReader{conn: conn}
	first := fr.next(t)
	second := fr.next(t)

	var gotAck, gotStateChange bool
	for _, f := range []ipcproto.Frame{first, second} {
		switch f.Type {
		case ipcproto.TypeSetNameAck:
			gotAck = true
		case ipcproto.TypeStateChange:
			gotStateChange = true
		}
	}
	if !gotAck {
		t.Fatalf("expected a SetNameAck frame, got %+v and %+v", first, second)
	}
	if !gotStateChange {
		t.Fatalf("expected a StateChange frame after rename, got %+v and %+v", first, second)
	}

	h.mu.Lock()
	name := h.name
	h.mu.Unlock()
	if name != "my-session" {
		t.Fatalf("expected name %q, got %q", "my-session", name)
	}
}

// TestDispatchCloseTerminatesProcess exercises TypeClose: the process
// should exit and Run should observe it via proc.Done().
func TestDispatchCloseTerminatesProcess(t *testing.T) {
	h, cancel := startTestHost(t, "close-sess")
	defer cancel()

	conn := dialHost(t, "close-sess")
	defer conn.Close()

	conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypeClose}))

	fr := &frameReader{conn: conn}
	f := fr.next(t)
	if f.Type != ipcproto.TypeCloseAck {
		t.Fatalf("expected CloseAck, got %+v", f)
	}

	select {
	case <-h.proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("expected process to exit after Close")
	}
}

// TestServeClientsReplacesPreviousConnection confirms only one IPC client
// is served at a time: dialing a second connection closes the first, per
// spec.md §4.C.2.
func TestServeClientsReplacesPreviousConnection(t *testing.T) {
	startTestHost(t, "replace-sess")

	first := dialHost(t, "replace-sess")
	defer first.Close()

	// Give serveClients a moment to register the first connection as
	// current before the second dial replaces it.
	time.Sleep(50 * time.Millisecond)

	second := dialHost(t, "replace-sess")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err := first.Read(buf)
	if err == nil {
		t.Fatal("expected the first connection to be closed once a second one connects")
	}

	// The second connection should still be fully functional.
	second.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypePing}))
	fr := &frameReader{conn: second}
	f := fr.next(t)
	if f.Type != ipcproto.TypePong {
		t.Fatalf("expected Pong on the surviving connection, got %+v", f)
	}
}

// TestDispatchInfoRequestReturnsCurrentConfig exercises TypeInfoRequest.
func TestDispatchInfoRequestReturnsCurrentConfig(t *testing.T) {
	startTestHost(t, "info-sess")

	conn := dialHost(t, "info-sess")
	defer conn.Close()

	conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypeInfoRequest}))
	fr := &frameReader{conn: conn}
	f := fr.next(t)
	if f.Type != ipcproto.TypeInfo {
		t.Fatalf("expected Info frame, got %+v", f)
	}
	info, err := ipcproto.DecodeInfo(f.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != "info-sess" || info.Cols != 80 || info.Rows != 24 || !info.IsRunning {
		t.Fatalf("unexpected info payload: %+v", info)
	}
}
