// Package transport owns the raw WebSocket connection to the voicecode
// backend: dialing, whole-frame sends, the single receive loop, keepalive
// probes and connectivity notifications. It never interprets frame
// contents; decoding belongs to the protocol package and routing to the
// dispatcher, which is the transport's only writer.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/retry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the peer.
	maxMessageSize = 1 << 20
)

// State is the connection state of the transport.
type State int

const (
	// StateDisconnected indicates no live socket.
	StateDisconnected State = iota
	// StateConnecting indicates a dial in progress.
	StateConnecting
	// StateConnected indicates an open socket with a running receive loop.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// NotConnectedError reports a send attempted while the socket is not
// open. Sends are never buffered; the caller decides what to do.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("not connected (state %s)", e.State)
}

// ErrorClass reports the failure class: the caller can reconnect.
func (e *NotConnectedError) ErrorClass() retry.Class { return retry.ClassUserRecoverable }

// RecoveryAction names the single suggested action.
func (e *NotConnectedError) RecoveryAction() string { return "Reconnect" }

// BadURLError reports a malformed backend URL. Connecting with one fails
// into the disconnected state instead of crashing.
type BadURLError struct {
	URL string
	Err error
}

func (e *BadURLError) Error() string {
	return fmt.Sprintf("invalid backend url %q: %v", e.URL, e.Err)
}

func (e *BadURLError) Unwrap() error { return e.Err }

// ErrorClass reports the failure class: only the user can fix the URL.
func (e *BadURLError) ErrorClass() retry.Class { return retry.ClassUserRecoverable }

// RecoveryAction names the single suggested action.
func (e *BadURLError) RecoveryAction() string { return "Open Settings" }

// Handler receives raw frames and receive failures from the transport.
// Both callbacks run on the single receive goroutine, so invocations are
// never concurrent with each other.
type Handler interface {
	HandleFrame(data []byte)
	HandleReceiveFailure(err error)
}

// Transport manages one WebSocket connection. At most one connection is
// live at a time; Connect replaces nothing, it fails if already
// connected.
type Transport struct {
	log *logger.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	handler    Handler
	deliberate bool
	gen        int

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    []stateSub
	nextSub int
}

type stateSub struct {
	id int
	fn func(State)
}

// New creates a transport. The handler must be set before Connect.
func New(log *logger.Logger) *Transport {
	return &Transport{
		log:   log.WithPrefix("transport"),
		state: StateDisconnected,
	}
}

// SetHandler registers the frame/failure handler. The dispatcher sets
// this exactly once before the first Connect.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// normalizeURL validates the backend URL and maps http(s) schemes to
// their WebSocket equivalents.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	return u.String(), nil
}

// Connect dials the backend. A malformed URL returns a BadURLError and
// leaves the transport disconnected. Dial failures also land back in
// disconnected; the socket is only held in the connected state.
func (t *Transport) Connect(ctx context.Context, rawURL string) error {
	wsURL, err := normalizeURL(rawURL)
	if err != nil {
		t.log.Warn("rejecting malformed url: %v", err)
		return &BadURLError{URL: rawURL, Err: err}
	}

	t.mu.Lock()
	if t.state != StateDisconnected {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("connect while %s", state)
	}
	t.setStateLocked(StateConnecting)
	t.deliberate = false
	t.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.mu.Lock()
		t.setStateLocked(StateDisconnected)
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn.SetReadLimit(maxMessageSize)

	t.mu.Lock()
	t.conn = conn
	t.gen++
	gen := t.gen
	t.setStateLocked(StateConnected)
	t.mu.Unlock()

	go t.readLoop(conn, gen)

	t.log.Info("connected to %s", wsURL)
	return nil
}

// readLoop is the single continuously re-armed receive operation. It
// exits on the first read error; whether that error is surfaced depends
// on whether the disconnect was deliberate.
func (t *Transport) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stale := t.gen != gen
			deliberate := t.deliberate
			handler := t.handler
			if !stale {
				t.releaseLocked()
			}
			t.mu.Unlock()

			if stale || deliberate {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Error("receive failure: %v", err)
			}
			if handler != nil {
				handler.HandleReceiveFailure(err)
			}
			return
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler.HandleFrame(data)
		}
	}
}

// Send writes one whole text frame. It fails with NotConnectedError when
// the socket is not open; nothing is queued.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		state := t.state
		t.mu.Unlock()
		return &NotConnectedError{State: state}
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Ping sends a keepalive probe. Probe failures are logged but never tear
// the connection down; only a receive failure does that.
func (t *Transport) Ping() {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	t.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	t.writeMu.Unlock()
	if err != nil {
		t.log.Warn("keepalive probe failed: %v", err)
	}
}

// Disconnect is idempotent and reachable from any state. Every path
// through it releases the socket and lands in disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deliberate = true
	if t.conn != nil {
		// Best-effort close frame; the read loop exits on conn.Close.
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	t.releaseLocked()
}

// releaseLocked closes and drops the socket and transitions to
// disconnected. Callers hold t.mu.
func (t *Transport) releaseLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(StateDisconnected)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers a connectivity observer and returns its
// unsubscribe handle. Observers run in registration order and see each
// transition exactly once; repeated identical states are not re-emitted.
func (t *Transport) Subscribe(fn func(State)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	id := t.nextSub
	t.nextSub++
	t.subs = append(t.subs, stateSub{id: id, fn: fn})

	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// setStateLocked transitions state and notifies observers once per
// transition. Callers hold t.mu.
func (t *Transport) setStateLocked(state State) {
	if t.state == state {
		return
	}
	t.state = state

	t.subMu.Lock()
	subs := make([]stateSub, len(t.subs))
	copy(subs, t.subs)
	t.subMu.Unlock()

	for _, s := range subs {
		s.fn(state)
	}
}
