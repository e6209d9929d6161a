// Package muxclient implements the Mux Client (spec.md §4.G, Component G):
// the central concurrency object of the core, one per live viewer
// WebSocket. It runs a receive loop that turns incoming binary frames into
// Session Manager calls, and a send loop driven by a bounded, drop-oldest
// output queue fed by the active/background batching scheduler.
//
// Grounded on the teacher's per-connection writeMu/send-chunking discipline
// (swe-swe-server/main.go's sendChunked, Session.Broadcast) generalized from
// a single shared-PTY broadcast into a per-viewer scheduled pipeline.
package muxclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttymux/ttymux/internal/muxproto"
)

// QueueCapacity is the default bounded output queue size (spec.md §4.G
// "capacity Q, default 500").
const QueueCapacity = 500

// BackgroundFlushBytes is the accumulator size threshold for background
// sessions (spec.md §4.G.2 "exceeds 2 KiB").
const BackgroundFlushBytes = 2 * 1024

// BackgroundFlushInterval is the accumulator age threshold (spec.md §4.G.2
// "2 s has elapsed").
const BackgroundFlushInterval = 2 * time.Second

// SessionManager is the subset of internal/session.Manager that MuxClient
// needs; declared here so muxclient doesn't import session (avoiding a
// cycle, since session has no need to know about viewers).
type SessionManager interface {
	SendInput(sessionID string, data []byte, viewerID string) error
	Resize(ctx context.Context, sessionID string, cols, rows uint16, viewerID string) bool
	GetBuffer(ctx context.Context, sessionID string) (data []byte, cols, rows uint16, ok bool)
	KnownSessionIDs() []string
}

type accumulator struct {
	buf          bytes.Buffer
	firstPending time.Time
	cols, rows   uint16
}

// Client is one Mux Client: owns a WebSocket, a bounded output queue, and
// the active/background batching state described in spec.md §4.G.
type Client struct {
	id   string
	conn *websocket.Conn
	sm   SessionManager

	queueCapacity     int
	backgroundFlushAt int

	sendMu sync.Mutex

	mu           sync.Mutex
	activeHint   string
	needsResync  bool
	accumulators map[string]*accumulator

	queueMu sync.Mutex
	queue   [][]byte

	queueSignal chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}
}

// New constructs a Mux Client bound to an already-upgraded WebSocket, with
// the default queue capacity and background-flush threshold.
func New(viewerID string, conn *websocket.Conn, sm SessionManager) *Client {
	return NewWithLimits(viewerID, conn, sm, QueueCapacity, BackgroundFlushBytes)
}

// NewWithLimits constructs a Mux Client with an operator-tunable queue
// capacity and background-flush byte threshold (a zero value for either
// falls back to its package default).
func NewWithLimits(viewerID string, conn *websocket.Conn, sm SessionManager, queueCapacity, backgroundFlushAt int) *Client {
	if queueCapacity <= 0 {
		queueCapacity = QueueCapacity
	}
	if backgroundFlushAt <= 0 {
		backgroundFlushAt = BackgroundFlushBytes
	}
	return &Client{
		id:                viewerID,
		conn:              conn,
		sm:                sm,
		queueCapacity:     queueCapacity,
		backgroundFlushAt: backgroundFlushAt,
		accumulators:      make(map[string]*accumulator),
		queueSignal:       make(chan struct{}, 1),
		closed:            make(chan struct{}),
	}
}

// ID returns the viewer id.
func (c *Client) ID() string { return c.id }

// Run drives the receive loop, send loop, and connection init frame until
// ctx is cancelled or the WebSocket fails. It blocks until both loops exit.
func (c *Client) Run(ctx context.Context) {
	if err := c.writeDirect(muxproto.InitFrame()); err != nil {
		c.Close()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.sendLoop(runCtx) }()
	go func() { defer wg.Done(); c.receiveLoop(runCtx) }()
	wg.Wait()
}

// Close signals cancellation to both loops and closes the WebSocket.
// Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// receiveLoop implements spec.md §4.G.1.
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, err := muxproto.Decode(msg)
		if err != nil {
			log.Printf("[MUX] viewer %s: malformed frame ignored: %v", c.id, err)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *Client) dispatch(ctx context.Context, f muxproto.Frame) {
	switch f.Type {
	case muxproto.TypeInput:
		if err := c.sm.SendInput(f.SessionID, f.Payload, c.id); err != nil {
			log.Printf("[MUX] viewer %s: input to %s: %v", c.id, f.SessionID, err)
		}
	case muxproto.TypeResize:
		p, err := muxproto.DecodeResize(f.Payload)
		if err != nil {
			return
		}
		c.sm.Resize(ctx, f.SessionID, p.Cols, p.Rows, c.id)
	case muxproto.TypeBufferRequest:
		data, cols, rows, ok := c.sm.GetBuffer(ctx, f.SessionID)
		if !ok {
			return
		}
		c.enqueue(muxproto.Encode(muxproto.Frame{
			Type:      muxproto.TypeOutput,
			SessionID: f.SessionID,
			Payload:   muxproto.EncodeOutput(cols, rows, data),
		}))
	case muxproto.TypeActiveSessionHint:
		c.mu.Lock()
		c.activeHint = f.SessionID
		c.mu.Unlock()
	default:
		// Unknown types are ignored per spec.md §4.G.1.
	}
}

// ForceResync flags this client for a full resync on the send loop's next
// wake, used when a session's Host IPC Client reconnects and the fresh
// snapshot it fetched may not match what this viewer has already seen
// (spec.md §4.D "replay the snapshot to downstream consumers via a resync
// signal").
func (c *Client) ForceResync() {
	c.mu.Lock()
	c.needsResync = true
	c.mu.Unlock()
	select {
	case c.queueSignal <- struct{}{}:
	default:
	}
}

// SendRaw enqueues an already-encoded frame directly, bypassing the
// active/background output scheduler. Used by the Mux Broadcaster for
// control frames (SessionState) that aren't per-session PTY output.
func (c *Client) SendRaw(msg []byte) {
	c.enqueue(msg)
}

// Deliver feeds one output chunk from the Broadcaster into this client's
// scheduler (spec.md §4.G.2). cols/rows are the session's current size.
func (c *Client) Deliver(sessionID string, cols, rows uint16, data []byte) {
	c.mu.Lock()
	resyncing := c.needsResync
	isActive := sessionID == c.activeHint
	c.mu.Unlock()

	if resyncing {
		c.accumulate(sessionID, cols, rows, data)
		return
	}

	if isActive {
		c.enqueue(muxproto.Encode(muxproto.Frame{
			Type:      muxproto.TypeOutput,
			SessionID: sessionID,
			Payload:   muxproto.EncodeOutput(cols, rows, data),
		}))
		return
	}

	c.accumulateAndMaybeFlush(sessionID, cols, rows, data)
}

func (c *Client) accumulate(sessionID string, cols, rows uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc := c.accumulatorFor(sessionID)
	acc.cols, acc.rows = cols, rows
	acc.buf.Write(data)
}

func (c *Client) accumulatorFor(sessionID string) *accumulator {
	acc, ok := c.accumulators[sessionID]
	if !ok {
		acc = &accumulator{}
		c.accumulators[sessionID] = acc
	}
	if acc.buf.Len() == 0 {
		acc.firstPending = time.Now()
	}
	return acc
}

func (c *Client) accumulateAndMaybeFlush(sessionID string, cols, rows uint16, data []byte) {
	c.mu.Lock()
	acc := c.accumulatorFor(sessionID)
	acc.cols, acc.rows = cols, rows
	acc.buf.Write(data)
	due := acc.buf.Len() >= c.backgroundFlushAt || time.Since(acc.firstPending) >= BackgroundFlushInterval
	var flushed []byte
	if due {
		flushed = append([]byte(nil), acc.buf.Bytes()...)
		acc.buf.Reset()
	}
	c.mu.Unlock()

	if due && len(flushed) > 0 {
		c.flushCompressed(sessionID, cols, rows, flushed)
	}
}

// flushAgedAccumulators drains every background accumulator that has been
// pending for at least BackgroundFlushInterval, so a session that receives
// less than the byte threshold and then goes idle still gets its buffered
// output delivered (spec.md §4.G.2 "byte threshold OR 2s elapsed"). Skipped
// entirely while a resync is pending, since accumulate() (not
// accumulateAndMaybeFlush) is the path feeding accumulators in that state
// and performResync drains them itself.
func (c *Client) flushAgedAccumulators() {
	type due struct {
		sid        string
		cols, rows uint16
		data       []byte
	}
	c.mu.Lock()
	if c.needsResync {
		c.mu.Unlock()
		return
	}
	var flushes []due
	for sid, acc := range c.accumulators {
		if acc.buf.Len() > 0 && time.Since(acc.firstPending) >= BackgroundFlushInterval {
			flushes = append(flushes, due{sid, acc.cols, acc.rows, append([]byte(nil), acc.buf.Bytes()...)})
			acc.buf.Reset()
		}
	}
	c.mu.Unlock()

	for _, f := range flushes {
		c.flushCompressed(f.sid, f.cols, f.rows, f.data)
	}
}

func (c *Client) flushCompressed(sessionID string, cols, rows uint16, data []byte) {
	gz, err := gzipBytes(data)
	if err != nil {
		log.Printf("[MUX] viewer %s: gzip failed for %s: %v", c.id, sessionID, err)
		return
	}
	c.enqueue(muxproto.Encode(muxproto.Frame{
		Type:      muxproto.TypeCompressedOutput,
		SessionID: sessionID,
		Payload:   muxproto.EncodeCompressedOutput(cols, rows, uint32(len(data)), gz),
	}))
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// enqueue appends an encoded frame to the bounded drop-oldest queue. When
// a drop occurs, needsResync is set immediately (spec.md §9 Open Question,
// resolved in DESIGN.md).
func (c *Client) enqueue(encoded []byte) {
	c.queueMu.Lock()
	if len(c.queue) >= c.queueCapacity {
		c.queue = c.queue[1:]
		c.mu.Lock()
		c.needsResync = true
		c.mu.Unlock()
	}
	c.queue = append(c.queue, encoded)
	c.queueMu.Unlock()

	select {
	case c.queueSignal <- struct{}{}:
	default:
	}
}

// sendLoop dequeues frames in order and writes them to the WebSocket,
// performing a resync sequence whenever needsResync is set (spec.md §4.G.2).
func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-c.queueSignal:
		case <-time.After(250 * time.Millisecond):
			// Periodic wake lets background accumulators past their age
			// threshold flush even with no fresh bytes arriving.
			c.flushAgedAccumulators()
		}

		c.mu.Lock()
		resyncing := c.needsResync
		c.mu.Unlock()
		if resyncing {
			c.performResync(ctx)
			continue
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			if err := c.writeDirect(frame); err != nil {
				c.Close()
				return
			}
		}
	}
}

// performResync implements spec.md §4.G.2's numbered resync sequence.
func (c *Client) performResync(ctx context.Context) {
	c.queueMu.Lock()
	c.queue = nil
	c.queueMu.Unlock()

	sessionIDs := c.sm.KnownSessionIDs()
	for _, sid := range sessionIDs {
		if err := c.writeDirect(muxproto.Encode(muxproto.Frame{Type: muxproto.TypeResync, SessionID: sid})); err != nil {
			c.Close()
			return
		}

		data, cols, rows, ok := c.sm.GetBuffer(ctx, sid)
		if !ok {
			continue
		}
		if len(data) > c.backgroundFlushAt {
			gz, err := gzipBytes(data)
			if err == nil {
				c.writeDirect(muxproto.Encode(muxproto.Frame{
					Type:      muxproto.TypeCompressedOutput,
					SessionID: sid,
					Payload:   muxproto.EncodeCompressedOutput(cols, rows, uint32(len(data)), gz),
				}))
				continue
			}
		}
		c.writeDirect(muxproto.Encode(muxproto.Frame{
			Type:      muxproto.TypeOutput,
			SessionID: sid,
			Payload:   muxproto.EncodeOutput(cols, rows, data),
		}))
	}

	c.mu.Lock()
	var drained []struct {
		sid        string
		cols, rows uint16
		data       []byte
	}
	for sid, acc := range c.accumulators {
		if acc.buf.Len() > 0 {
			drained = append(drained, struct {
				sid        string
				cols, rows uint16
				data       []byte
			}{sid, acc.cols, acc.rows, append([]byte(nil), acc.buf.Bytes()...)})
			acc.buf.Reset()
		}
	}
	c.needsResync = false
	c.mu.Unlock()

	for _, d := range drained {
		c.writeDirect(muxproto.Encode(muxproto.Frame{
			Type:      muxproto.TypeOutput,
			SessionID: d.sid,
			Payload:   muxproto.EncodeOutput(d.cols, d.rows, d.data),
		}))
	}
}

func (c *Client) writeDirect(msg []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}
