// Package hostclient implements the web server's Host IPC Client (spec.md
// §4.D, Component D): one per live session, connects to the PTY host's
// Unix socket, performs the GetInfo handshake, and runs a read loop that
// dispatches event frames to listeners while serializing request/response
// calls behind a single outbound lock. Exponential backoff reconnect is
// grounded on bureau-daemon/retry.go's attempt-count/backoff shape.
package hostclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ttymux/ttymux/internal/host"
	"github.com/ttymux/ttymux/internal/ipcproto"
)

// Health is the IPC link health kept in the Session Manager's host-process
// bookkeeping (SPEC_FULL.md §3).
type Health int

const (
	Healthy Health = iota
	Unhealthy
	Reconnecting
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	pingInterval     = 5 * time.Second
	pongTimeout      = 3 * time.Second
	backoffInitial   = 100 * time.Millisecond
	backoffCap       = 30 * time.Second
	handshakeTimeout = 5 * time.Second
	// reconnectDeadline bounds how long onDisconnect keeps retrying before
	// giving up (spec.md:32 "terminated ... when the host IPC link drops
	// and cannot recover within a bounded window").
	reconnectDeadline = 2 * time.Minute
)

var (
	// ErrClosed is returned by request/response calls after Close.
	ErrClosed = errors.New("hostclient: closed")
	// ErrHandshakeTimeout is returned when GetInfo doesn't complete in time.
	ErrHandshakeTimeout = errors.New("hostclient: handshake timed out")
)

// Callbacks are invoked for unsolicited event frames. Implementations MUST
// return quickly; slow work should be dispatched to its own goroutine.
type Callbacks struct {
	OnOutput       func(sessionID string, data []byte)
	OnStateChanged func(sessionID string)
	OnHealthChange func(sessionID string, h Health)
	// OnResync is invoked after a successful reconnect's GetInfo+GetBuffer
	// sequence, carrying the fresh scrollback snapshot (spec.md §4.D
	// "replay the snapshot to downstream consumers via a resync signal").
	OnResync func(sessionID string, snapshot []byte)
	// OnUnrecoverable is invoked once reconnection has failed continuously
	// for reconnectDeadline, i.e. the link "cannot recover within a bounded
	// window" (spec.md:32). The reconnect loop stops after calling it.
	OnUnrecoverable func(sessionID string)
}

// Client is one Host IPC Client instance, bound to a single session id.
type Client struct {
	sessionID string
	cb        Callbacks

	mu              sync.Mutex
	conn            net.Conn
	closed          bool
	health          Health
	pendingResponse chan ipcproto.Frame
	sendMu          sync.Mutex

	missedPongs int
	lastPong    time.Time
}

// Dial connects to the session's IPC endpoint and performs the initial
// GetInfo handshake (spec.md §4.D "On construct ... perform GetInfoAsync").
// A freshly spawned host may not have bound its socket yet, so the dial is
// retried every backoffInitial until it succeeds or ctx is done.
func Dial(ctx context.Context, sessionID string, cb Callbacks) (*Client, ipcproto.SessionInfo, error) {
	c := &Client{sessionID: sessionID, cb: cb, health: Healthy}
	for {
		err := c.connect(ctx)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ipcproto.SessionInfo{}, err
		case <-time.After(backoffInitial):
		}
	}
	go c.readLoop()
	go c.heartbeatLoop()

	info, err := c.GetInfo(ctx)
	if err != nil {
		c.Close()
		return nil, ipcproto.SessionInfo{}, err
	}
	return c, info, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", host.EndpointPath(c.sessionID))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) request(ctx context.Context, f ipcproto.Frame, wantReply Type) (ipcproto.Frame, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipcproto.Frame{}, ErrClosed
	}
	conn := c.conn
	ch := make(chan ipcproto.Frame, 1)
	c.pendingResponse = ch
	c.mu.Unlock()

	if _, err := conn.Write(ipcproto.Encode(f)); err != nil {
		return ipcproto.Frame{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return ipcproto.Frame{}, ctx.Err()
	case <-time.After(handshakeTimeout):
		return ipcproto.Frame{}, ErrHandshakeTimeout
	}
}

// Type is an alias kept local to this file to avoid importing ipcproto.Type
// twice under two names in call sites below.
type Type = ipcproto.Type

// GetInfo performs the InfoRequest/Info request-response pair.
func (c *Client) GetInfo(ctx context.Context) (ipcproto.SessionInfo, error) {
	reply, err := c.request(ctx, ipcproto.Frame{Type: ipcproto.TypeInfoRequest}, ipcproto.TypeInfo)
	if err != nil {
		return ipcproto.SessionInfo{}, err
	}
	if reply.Type == ipcproto.TypeError {
		return ipcproto.SessionInfo{}, fmt.Errorf("hostclient: %s", ipcproto.DecodeError(reply.Payload))
	}
	return ipcproto.DecodeInfo(reply.Payload)
}

// Resize sends a Resize request and waits for ResizeAck.
func (c *Client) Resize(ctx context.Context, cols, rows uint16) error {
	reply, err := c.request(ctx, ipcproto.Frame{Type: ipcproto.TypeResize, Payload: ipcproto.EncodeResize(cols, rows)}, ipcproto.TypeResizeAck)
	if err != nil {
		return err
	}
	if reply.Type == ipcproto.TypeError {
		return fmt.Errorf("hostclient: %s", ipcproto.DecodeError(reply.Payload))
	}
	return nil
}

// GetBuffer requests the current scrollback snapshot.
func (c *Client) GetBuffer(ctx context.Context) ([]byte, error) {
	reply, err := c.request(ctx, ipcproto.Frame{Type: ipcproto.TypeGetBuffer}, ipcproto.TypeBuffer)
	if err != nil {
		return nil, err
	}
	if reply.Type == ipcproto.TypeError {
		return nil, fmt.Errorf("hostclient: %s", ipcproto.DecodeError(reply.Payload))
	}
	return reply.Payload, nil
}

// SetName sends a SetName request and waits for SetNameAck.
func (c *Client) SetName(ctx context.Context, name string) error {
	reply, err := c.request(ctx, ipcproto.Frame{Type: ipcproto.TypeSetName, Payload: ipcproto.EncodeSetName(name)}, ipcproto.TypeSetNameAck)
	if err != nil {
		return err
	}
	if reply.Type == ipcproto.TypeError {
		return fmt.Errorf("hostclient: %s", ipcproto.DecodeError(reply.Payload))
	}
	return nil
}

// SendInput writes input bytes; it is fire-and-forget (no response type).
func (c *Client) SendInput(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	_, err := conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypeInput, Payload: data}))
	return err
}

// CloseSession sends Close and waits for CloseAck.
func (c *Client) CloseSession(ctx context.Context) error {
	_, err := c.request(ctx, ipcproto.Frame{Type: ipcproto.TypeClose}, ipcproto.TypeCloseAck)
	return err
}

func (c *Client) readLoop() {
	var pending []byte
	buf := make([]byte, 64*1024)
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				f, consumed, derr := ipcproto.Decode(pending)
				if derr != nil {
					break
				}
				pending = pending[consumed:]
				c.handleFrame(f)
			}
		}
		if err != nil {
			c.onDisconnect()
			return
		}
	}
}

func (c *Client) handleFrame(f ipcproto.Frame) {
	switch f.Type {
	case ipcproto.TypeOutput:
		if c.cb.OnOutput != nil {
			c.cb.OnOutput(c.sessionID, f.Payload)
		}
	case ipcproto.TypeStateChange:
		if c.cb.OnStateChanged != nil {
			c.cb.OnStateChanged(c.sessionID)
		}
	case ipcproto.TypePong:
		c.mu.Lock()
		c.missedPongs = 0
		c.lastPong = time.Now()
		c.mu.Unlock()
	default:
		// Everything else (Info, ResizeAck, Buffer, SetNameAck, CloseAck,
		// Error) is a response to an in-flight request.
		c.mu.Lock()
		ch := c.pendingResponse
		c.pendingResponse = nil
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()

		if _, err := conn.Write(ipcproto.Encode(ipcproto.Frame{Type: ipcproto.TypePing})); err != nil {
			c.onDisconnect()
			return
		}

		time.Sleep(pongTimeout)
		c.mu.Lock()
		since := time.Since(c.lastPong)
		c.mu.Unlock()
		if since > pongTimeout {
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed == 2 {
				c.setHealth(Unhealthy)
			} else if missed > 2 {
				c.onDisconnect()
				return
			}
		}
	}
}

// giveUp marks the link permanently unhealthy and notifies the Session
// Manager that this session must be closed; called once reconnectLoop
// exceeds reconnectDeadline.
func (c *Client) giveUp() {
	c.setHealth(Unhealthy)
	if c.cb.OnUnrecoverable != nil {
		c.cb.OnUnrecoverable(c.sessionID)
	}
}

func (c *Client) setHealth(h Health) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
	if c.cb.OnHealthChange != nil {
		c.cb.OnHealthChange(c.sessionID, h)
	}
}

// onDisconnect begins the exponential-backoff reconnect loop. It runs in
// its own goroutine so readLoop/heartbeatLoop can exit cleanly.
func (c *Client) onDisconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setHealth(Reconnecting)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	backoff := backoffInitial
	deadline := time.Now().Add(reconnectDeadline)
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if time.Now().After(deadline) {
			log.Printf("[IPC] session %s failed to reconnect within %s, giving up", c.sessionID, reconnectDeadline)
			c.giveUp()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			log.Printf("[IPC] session %s reconnect failed: %v (retry in %s)", c.sessionID, err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		c.mu.Lock()
		c.missedPongs = 0
		c.lastPong = time.Now()
		c.mu.Unlock()
		go c.readLoop()

		ctx2, cancel2 := context.WithTimeout(context.Background(), handshakeTimeout)
		_, err = c.GetInfo(ctx2)
		cancel2()
		if err != nil {
			log.Printf("[IPC] session %s GetInfo after reconnect failed: %v", c.sessionID, err)
			time.Sleep(backoff)
			continue
		}

		ctx3, cancel3 := context.WithTimeout(context.Background(), handshakeTimeout)
		snapshot, err := c.GetBuffer(ctx3)
		cancel3()
		if err == nil && c.cb.OnResync != nil {
			c.cb.OnResync(c.sessionID, snapshot)
		}

		c.setHealth(Healthy)
		log.Printf("[IPC] session %s reconnected", c.sessionID)
		return
	}
}
