// Package dispatch is the protocol state machine of the client. The
// dispatcher exclusively owns the transport handle, routes every decoded
// inbound frame to exactly one state store mutation, replays session
// subscriptions after reconnects, correlates acknowledgments with pending
// requests, and drives the retry policy when the connection drops.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/protocol"
	"github.com/voicecode/voicecode/internal/retry"
	"github.com/voicecode/voicecode/internal/store"
	"github.com/voicecode/voicecode/internal/transport"
)

// State is the connection state of the dispatcher.
type State int

const (
	// StateDisconnected indicates no connection and no retry in flight.
	StateDisconnected State = iota
	// StateConnecting indicates a connect attempt in progress.
	StateConnecting
	// StateConnected indicates a live, subscribed connection.
	StateConnected
	// StateReconnecting indicates an automatic retry cycle after a
	// receive failure.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport is the connection surface the dispatcher drives. The real
// implementation lives in the transport package; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Disconnect()
	Send(data []byte) error
	Ping()
	SetHandler(transport.Handler)
}

// Options configures a Dispatcher.
type Options struct {
	URL            string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	Policy         retry.Policy
}

// DefaultOptions returns dispatcher defaults; the URL must still be set.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		PingInterval:   54 * time.Second,
		Policy:         retry.DefaultPolicy(),
	}
}

// resolver completes a pending request exactly once, with either the
// correlated inbound frame or an error.
type resolver func(in protocol.Inbound, err error)

// Dispatcher routes between the transport, the codec and the state
// store.
type Dispatcher struct {
	opts  Options
	log   *logger.Logger
	tr    Transport
	store *store.Store

	mu       sync.Mutex
	state    State
	pending  map[string]resolver
	stopPing chan struct{}

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc

	subMu     sync.Mutex
	nextSub   int
	stateSubs []stateSub
	errSubs   []errSub
}

type stateSub struct {
	id int
	fn func(State)
}

type errSub struct {
	id int
	fn func(error, retry.Advice)
}

// New creates a dispatcher owning the given transport and store.
func New(opts Options, tr Transport, st *store.Store, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		opts:    opts,
		log:     log.WithPrefix("dispatch"),
		tr:      tr,
		store:   st,
		pending: make(map[string]resolver),
	}
	tr.SetHandler(d)
	return d
}

// Store returns the session state store for read access.
func (d *Dispatcher) Store() *store.Store { return d.store }

// State returns the current connection state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnStateChanged registers a connection state observer; returns its
// unsubscribe handle. Observers run in registration order.
func (d *Dispatcher) OnStateChanged(fn func(State)) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.stateSubs = append(d.stateSubs, stateSub{id: id, fn: fn})
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.stateSubs {
			if s.id == id {
				d.stateSubs = append(d.stateSubs[:i], d.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// OnError registers an observer for surfaced failures (retry exhaustion,
// broadcast backend errors); returns its unsubscribe handle.
func (d *Dispatcher) OnError(fn func(error, retry.Advice)) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.errSubs = append(d.errSubs, errSub{id: id, fn: fn})
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.errSubs {
			if s.id == id {
				d.errSubs = append(d.errSubs[:i], d.errSubs[i+1:]...)
				return
			}
		}
	}
}

// setState transitions the connection state, notifying observers once
// per transition.
func (d *Dispatcher) setState(state State) {
	d.mu.Lock()
	if d.state == state {
		d.mu.Unlock()
		return
	}
	d.state = state
	d.mu.Unlock()

	d.subMu.Lock()
	subs := make([]stateSub, len(d.stateSubs))
	copy(subs, d.stateSubs)
	d.subMu.Unlock()
	for _, s := range subs {
		s.fn(state)
	}
}

func (d *Dispatcher) surfaceError(err error) {
	adv := retry.AdviceFor(err)
	d.log.Error("surfacing %s error: %v", adv.Class, err)

	d.subMu.Lock()
	subs := make([]errSub, len(d.errSubs))
	copy(subs, d.errSubs)
	d.subMu.Unlock()
	for _, s := range subs {
		s.fn(err, adv)
	}
}

// Connect opens the connection and replays subscriptions. It is the only
// way out of the disconnected state; automatic reconnection never runs
// after a deliberate Disconnect or after the retry budget is spent.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateDisconnected {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("connect while %s", state)
	}
	d.mu.Unlock()

	return d.connect(ctx, StateDisconnected)
}

// connect performs one connect attempt. failState is where a failed
// attempt lands: Disconnected for manual connects, Reconnecting inside
// the retry cycle.
func (d *Dispatcher) connect(ctx context.Context, failState State) error {
	d.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	if err := d.tr.Connect(dialCtx, d.opts.URL); err != nil {
		d.setState(failState)
		return err
	}

	d.setState(StateConnected)
	d.startPing()
	d.replaySubscriptions()
	return nil
}

// replaySubscriptions re-subscribes to every locally subscribed session.
// The backend does not persist subscription state across connections.
func (d *Dispatcher) replaySubscriptions() {
	for _, id := range d.store.SubscribedSessionIDs() {
		env, err := protocol.NewSubscribe(protocol.NewRequestID(), id)
		if err != nil {
			d.log.Error("build subscribe replay for %s: %v", id, err)
			continue
		}
		if err := d.send(env); err != nil {
			d.log.Warn("subscribe replay for %s failed: %v", id, err)
		}
	}
}

// Disconnect is a deliberate user/app action: it cancels any retry
// cycle, stops keepalives and closes the socket. No auto-reconnect
// follows.
func (d *Dispatcher) Disconnect() {
	d.reconnectMu.Lock()
	if d.reconnectCancel != nil {
		d.reconnectCancel()
		d.reconnectCancel = nil
	}
	d.reconnectMu.Unlock()

	d.stopPingLocked()
	d.tr.Disconnect()
	d.failAllPending(&transport.NotConnectedError{State: transport.StateDisconnected})
	d.setState(StateDisconnected)
}

func (d *Dispatcher) startPing() {
	d.mu.Lock()
	if d.stopPing != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.stopPing = stop
	d.mu.Unlock()

	if d.opts.PingInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(d.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env, err := protocol.NewPing(protocol.NewRequestID())
				if err != nil {
					continue
				}
				if err := d.send(env); err != nil {
					// Probe failures are informational only; a receive
					// failure is what tears the connection down.
					d.log.Warn("keepalive ping failed: %v", err)
				}
				d.tr.Ping()
			}
		}
	}()
}

func (d *Dispatcher) stopPingLocked() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopPing != nil {
		close(d.stopPing)
		d.stopPing = nil
	}
}

// send encodes and writes one outbound envelope.
func (d *Dispatcher) send(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return d.tr.Send(frame)
}

// HandleReceiveFailure implements transport.Handler. A receive failure
// moves the connection into the reconnect cycle; a deliberate disconnect
// never reaches here.
func (d *Dispatcher) HandleReceiveFailure(err error) {
	d.stopPingLocked()
	d.failAllPending(err)

	if retry.Classify(err) != retry.ClassTransient {
		d.setState(StateDisconnected)
		d.surfaceError(err)
		return
	}

	d.setState(StateReconnecting)

	ctx, cancel := context.WithCancel(context.Background())
	d.reconnectMu.Lock()
	if d.reconnectCancel != nil {
		d.reconnectCancel()
	}
	d.reconnectCancel = cancel
	d.reconnectMu.Unlock()

	go d.reconnectLoop(ctx, err)
}

// reconnectLoop retries the connection per the policy schedule. When the
// attempt budget is exhausted the original receive failure is surfaced
// and the state becomes terminal until a manual Connect.
func (d *Dispatcher) reconnectLoop(ctx context.Context, cause error) {
	for attempt := 1; ; attempt++ {
		delay := d.opts.Policy.Delay(attempt)
		d.log.Info("reconnect attempt %d/%d in %s", attempt, d.opts.Policy.MaxAttempts, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := d.connect(ctx, StateReconnecting); err == nil {
			d.log.Info("reconnected after %d attempt(s)", attempt)
			return
		} else if ctx.Err() != nil {
			return
		} else {
			d.log.Warn("reconnect attempt %d failed: %v", attempt, err)
		}

		// The receive failure itself counts as the first failure of the
		// cycle; when the budget is spent, the original error is what
		// gets surfaced.
		if !d.opts.Policy.ShouldRetry(attempt + 1) {
			d.setState(StateDisconnected)
			d.surfaceError(&ReconnectFailedError{Attempts: attempt, Cause: cause})
			return
		}
	}
}

// HandleFrame implements transport.Handler. It runs on the single
// receive goroutine, so every store mutation below is applied in strict
// receive order.
func (d *Dispatcher) HandleFrame(data []byte) {
	in, err := protocol.Decode(data)
	if err != nil {
		// Malformed frames are logged and dropped; the connection
		// stays up.
		d.log.Warn("dropping frame: %v", err)
		return
	}

	switch msg := in.(type) {
	case protocol.Connected:
		d.log.Info("backend ready (server version %q)", msg.ServerVersion)

	case protocol.ConversationMessage:
		d.store.AppendMessage(msg.SessionID, store.Message{
			ID:        msg.MessageID,
			Role:      msg.Role,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
			Status:    store.StatusConfirmed,
		})

	case protocol.SessionList:
		metas := make([]store.SessionMeta, 0, len(msg.Sessions))
		for _, s := range msg.Sessions {
			meta := store.SessionMeta{
				ID:               s.SessionID,
				Name:             s.Name,
				WorkingDirectory: s.WorkingDirectory,
				Locked:           s.Locked,
			}
			if s.LastModified != "" {
				if ts, err := protocol.ParseTimestamp(s.LastModified); err == nil {
					meta.LastModified = ts
				} else {
					d.log.Warn("session %s has unparseable last_modified %q", s.SessionID, s.LastModified)
				}
			}
			metas = append(metas, meta)
		}
		d.store.ReplaceSessions(metas)

	case protocol.SessionLock:
		if msg.Locked {
			d.store.ApplyLock(msg.SessionID)
		} else {
			d.store.ApplyUnlock(msg.SessionID)
		}

	case protocol.SessionDeleted:
		d.store.DeleteSession(msg.SessionID)

	case protocol.SessionName:
		d.store.SetSessionName(msg.SessionID, msg.Name)
		d.resolve(msg.RequestID, msg, nil)

	case protocol.CommandOutput:
		d.store.AppendCommandOutput(msg.CommandSessionID, msg.CommandID, msg.Output)
		if msg.Done {
			d.store.FinishCommand(msg.CommandSessionID, msg.CommandID, msg.ExitCode)
		}

	case protocol.CompactionDone:
		d.store.CompactSession(msg.SessionID, msg.Summary, msg.Kept, time.Now())
		d.resolve(msg.RequestID, msg, nil)

	case protocol.ResourceUploaded:
		d.store.PutResource(store.Resource{
			FileID:     msg.FileID,
			Filename:   msg.Filename,
			Path:       msg.Path,
			Size:       msg.Size,
			UploadedAt: time.Now(),
		})
		d.resolve(msg.RequestID, msg, nil)

	case protocol.ResourceDeleted:
		d.store.RemoveResource(msg.FileID)
		d.resolve(msg.RequestID, msg, nil)

	case protocol.Ack:
		if msg.SessionID != "" && msg.MessageID != "" {
			d.store.SetMessageStatus(msg.SessionID, msg.MessageID, store.StatusConfirmed)
		}
		d.resolve(msg.RequestID, msg, nil)

	case protocol.ServerError:
		err := &BackendError{Code: msg.Code, Message: msg.Message, Details: msg.Details}
		if msg.RequestID != "" {
			if !d.resolve(msg.RequestID, nil, err) {
				d.surfaceError(err)
			}
		} else {
			d.surfaceError(err)
		}

	case protocol.Pong:
		d.log.Debug("pong")

	case protocol.Unknown:
		// Forward compatibility: newer backends may push frame types
		// this client does not know yet.
		d.log.Debug("ignoring unknown frame type %q", msg.Type)
	}
}

// register installs a resolver for a correlation id.
func (d *Dispatcher) register(requestID string, r resolver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[requestID] = r
}

// resolve completes a pending request; returns false when no request
// with that id is pending.
func (d *Dispatcher) resolve(requestID string, in protocol.Inbound, err error) bool {
	if requestID == "" {
		return false
	}
	d.mu.Lock()
	r, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	r(in, err)
	return true
}

// failAllPending resolves every pending request with an error, e.g. when
// the connection drops.
func (d *Dispatcher) failAllPending(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]resolver)
	d.mu.Unlock()
	for _, r := range pending {
		r(nil, err)
	}
}

// request sends an envelope and blocks for its correlated response,
// bounded by ctx and the configured request timeout.
func (d *Dispatcher) request(ctx context.Context, env *protocol.Envelope) (protocol.Inbound, error) {
	ch := make(chan result, 1)
	d.register(env.RequestID, func(in protocol.Inbound, err error) {
		ch <- result{in: in, err: err}
	})

	if err := d.send(env); err != nil {
		d.resolve(env.RequestID, nil, err)
		return nil, err
	}

	timer := time.NewTimer(d.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.in, res.err
	case <-ctx.Done():
		d.unregister(env.RequestID)
		return nil, ctx.Err()
	case <-timer.C:
		d.unregister(env.RequestID)
		return nil, &RequestTimeoutError{RequestType: env.Type, Timeout: d.opts.RequestTimeout}
	}
}

type result struct {
	in  protocol.Inbound
	err error
}

func (d *Dispatcher) unregister(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, requestID)
}
