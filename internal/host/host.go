// Package host implements the standalone PTY Host process (spec.md §4.C,
// Component C): it owns one ptyproc.Process, one ring.Buffer of scrollback,
// and an IPC server endpoint that the web server's hostclient connects to.
// Grounded on chriswa-spaceterm/pty-daemon/daemon.go's accept-loop shape,
// adapted from JSON-lines to the framed binary ipcproto wire format.
package host

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ttymux/ttymux/internal/ipcproto"
	"github.com/ttymux/ttymux/internal/ptyproc"
	"github.com/ttymux/ttymux/internal/ring"
)

// ReconnectGrace is the window after which idleClientMonitor logs that no
// IPC client has reconnected yet (spec.md §4.C "bounded grace period
// (e.g. 10s)"). The PTY and its scrollback buffering continue regardless.
const ReconnectGrace = 10 * time.Second

// DefaultScrollbackCapacity is the ring buffer size used when a session
// doesn't specify one, per spec.md §3 "default ≥ 128 KiB".
const DefaultScrollbackCapacity = 128 * 1024

// Config describes how to start a Host.
type Config struct {
	SessionID          string
	Shell              string
	Command            []string
	Cwd                string
	Cols, Rows         uint16
	Env                []string
	ScrollbackCapacity int
}

// Host is a single PTY host process's in-memory state.
type Host struct {
	cfg        Config
	proc       *ptyproc.Process
	buf        *ring.Buffer
	mu         sync.Mutex
	conn       net.Conn
	writeMu    sync.Mutex
	name       string
	createdAt  time.Time
	lastClient time.Time
}

// New spawns the PTY process and prepares (but does not yet bind) a Host.
func New(cfg Config) (*Host, error) {
	if cfg.ScrollbackCapacity <= 0 {
		cfg.ScrollbackCapacity = DefaultScrollbackCapacity
	}
	buf, err := ring.New(cfg.ScrollbackCapacity)
	if err != nil {
		return nil, err
	}
	proc, err := ptyproc.Spawn(ptyproc.Spec{
		Command: cfg.Command,
		Env:     cfg.Env,
		Cols:    cfg.Cols,
		Rows:    cfg.Rows,
	})
	if err != nil {
		return nil, err
	}
	return &Host{
		cfg:       cfg,
		proc:      proc,
		buf:       buf,
		createdAt: time.Now(),
	}, nil
}

// Run binds the IPC endpoint and blocks running the three concurrent
// activities described in spec.md §4.C. Once the shell has exited and its
// output has been read, Run stops accepting clients and returns 0 after the
// connected client (if any) disconnects. Cancelling ctx also stops
// accepting clients; Run then still waits for the client to disconnect and
// for the shell to exit. Returns 10 if the IPC endpoint cannot be bound.
func (h *Host) Run(ctx context.Context) int {
	if err := EnsureSocketDir(); err != nil {
		log.Printf("[HOST] socket dir: %v", err)
		return 10
	}
	path := EndpointPath(h.cfg.SessionID)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("[HOST] listen %s: %v", path, err)
		return 10
	}
	defer os.Remove(path)
	if err := os.Chmod(path, 0o600); err != nil {
		log.Printf("[HOST] chmod %s: %v", path, err)
	}
	log.Printf("[HOST] session %s listening on %s (pid=%d)", h.cfg.SessionID, path, h.proc.PID())

	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	connCh := make(chan net.Conn)
	go h.acceptLoop(acceptCtx, ln, connCh)
	ptyDone := make(chan struct{})
	go func() {
		h.readPTYLoop(acceptCtx)
		close(ptyDone)
	}()
	go h.idleClientMonitor(acceptCtx)
	go func() {
		select {
		case <-ptyDone:
			<-h.proc.Done()
			cancelAccept()
		case <-acceptCtx.Done():
		}
	}()

	h.serveClients(acceptCtx, connCh)

	<-h.proc.Done()
	log.Printf("[HOST] session %s process exited code=%d", h.cfg.SessionID, h.proc.ExitCode())
	return 0
}

// idleClientMonitor logs once per disconnect when no IPC client has
// reconnected within ReconnectGrace (spec.md §4.C "survives IPC disconnects
// for a bounded grace period ... during which it buffers output to
// scrollback only"). The PTY keeps running and buffering regardless; this
// only makes the grace window observable in the host's own logs instead of
// leaving the constant unused.
func (h *Host) idleClientMonitor(ctx context.Context) {
	ticker := time.NewTicker(ReconnectGrace)
	defer ticker.Stop()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			noClient := h.conn == nil && !h.lastClient.IsZero()
			idleFor := time.Since(h.lastClient)
			h.mu.Unlock()

			if !noClient {
				warned = false
				continue
			}
			if idleFor >= ReconnectGrace && !warned {
				log.Printf("[HOST] session %s: no client for %s, past grace period; still buffering to scrollback", h.cfg.SessionID, idleFor.Round(time.Second))
				warned = true
			}
		}
	}
}

func (h *Host) acceptLoop(ctx context.Context, ln net.Listener, out chan<- net.Conn) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			close(out)
			return
		}
	}
}

// serveClients accepts exactly one client at a time (spec.md §4.C.2). A
// new connection replaces any previous one; the previous handler loop
// notices its conn no longer matches and exits.
func (h *Host) serveClients(ctx context.Context, connCh <-chan net.Conn) {
	var wg sync.WaitGroup
	for {
		select {
		case conn, ok := <-connCh:
			if !ok {
				wg.Wait()
				return
			}
			h.mu.Lock()
			if h.conn != nil {
				h.conn.Close()
			}
			h.conn = conn
			h.lastClient = time.Now()
			h.mu.Unlock()

			wg.Add(1)
			go func(c net.Conn) {
				defer wg.Done()
				h.handleClient(ctx, c)
			}(conn)
		case <-ctx.Done():
			wg.Wait()
			return
		}
	}
}

// readPTYLoop implements activity (a): read PTY output, append to
// scrollback, push Output IPC frames to the current client.
func (h *Host) readPTYLoop(ctx context.Context) {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.proc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			h.buf.Write(chunk)
			h.pushOutput(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[HOST] pty read: %v", err)
			}
			h.EmitStateChange()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (h *Host) pushOutput(data []byte) {
	h.writeFrame(ipcproto.Frame{Type: ipcproto.TypeOutput, Payload: data})
}

func (h *Host) writeFrame(f ipcproto.Frame) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := conn.Write(ipcproto.Encode(f))
	return err
}

// handleClient implements activity (b): read IPC frames from the client
// and apply them, replying in request order (spec.md §6.3 "host MUST
// reply to requests in the order received").
func (h *Host) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	var pending []byte
	readBuf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := conn.Read(readBuf)
		if n > 0 {
			pending = append(pending, readBuf[:n]...)
			for {
				f, consumed, derr := ipcproto.Decode(pending)
				if derr != nil {
					break
				}
				pending = pending[consumed:]
				h.dispatch(conn, f)
			}
		}
		if err != nil {
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
				h.lastClient = time.Now()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Host) dispatch(conn net.Conn, f ipcproto.Frame) {
	switch f.Type {
	case ipcproto.TypeInfoRequest:
		h.replyInfo(conn)
	case ipcproto.TypeInput:
		if _, err := h.proc.Write(f.Payload); err != nil {
			h.sendError(conn, err.Error())
		}
	case ipcproto.TypeResize:
		p, err := ipcproto.DecodeResize(f.Payload)
		if err != nil {
			h.sendError(conn, err.Error())
			return
		}
		if err := h.proc.Resize(p.Cols, p.Rows); err != nil {
			h.sendError(conn, err.Error())
			return
		}
		h.mu.Lock()
		h.cfg.Cols, h.cfg.Rows = p.Cols, p.Rows
		h.mu.Unlock()
		h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeResizeAck})
		h.EmitStateChange()
	case ipcproto.TypeGetBuffer:
		h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeBuffer, Payload: h.buf.Snapshot()})
	case ipcproto.TypeSetName:
		h.mu.Lock()
		h.name = ipcproto.DecodeSetName(f.Payload)
		h.mu.Unlock()
		h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeSetNameAck})
		h.EmitStateChange()
	case ipcproto.TypeClose:
		h.proc.Terminate()
		h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeCloseAck})
	case ipcproto.TypePing:
		h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypePong})
	default:
		log.Printf("[HOST] unknown ipc type %v, ignoring", f.Type)
	}
}

func (h *Host) replyInfo(conn net.Conn) {
	h.mu.Lock()
	info := ipcproto.SessionInfo{
		ID:                      h.cfg.SessionID,
		PID:                     h.proc.PID(),
		CreatedAt:               h.createdAt.Unix(),
		IsRunning:               h.proc.Running(),
		CurrentWorkingDirectory: h.cfg.Cwd,
		Cols:                    h.cfg.Cols,
		Rows:                    h.cfg.Rows,
		ShellType:               h.cfg.Shell,
		Name:                    h.name,
	}
	if !h.proc.Running() {
		code := h.proc.ExitCode()
		info.ExitCode = &code
	}
	h.mu.Unlock()

	payload, err := ipcproto.EncodeInfo(info)
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}
	h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeInfo, Payload: payload})
}

func (h *Host) sendError(conn net.Conn, msg string) {
	h.writeTo(conn, ipcproto.Frame{Type: ipcproto.TypeError, Payload: ipcproto.EncodeError(msg)})
}

func (h *Host) writeTo(conn net.Conn, f ipcproto.Frame) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := conn.Write(ipcproto.Encode(f)); err != nil {
		log.Printf("[HOST] write: %v", err)
	}
}

// EmitStateChange implements activity (c): notify the current client that
// its cached Info is stale. Called from readPTYLoop's exit path and after
// dispatch applies a Resize or SetName.
func (h *Host) EmitStateChange() {
	h.writeFrame(ipcproto.Frame{Type: ipcproto.TypeStateChange})
}
