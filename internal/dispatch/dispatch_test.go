package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecode/voicecode/internal/logger"
	"github.com/voicecode/voicecode/internal/protocol"
	"github.com/voicecode/voicecode/internal/retry"
	"github.com/voicecode/voicecode/internal/store"
	"github.com/voicecode/voicecode/internal/transport"
)

// fakeTransport scripts connect results and records outbound frames.
type fakeTransport struct {
	mu          sync.Mutex
	handler     transport.Handler
	sent        [][]byte
	connectErrs []error
	connects    int
	connected   bool
}

func (f *fakeTransport) Connect(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return &transport.NotConnectedError{State: transport.StateDisconnected}
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Ping() {}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) deliver(t *testing.T, frame string) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	require.NotNil(t, h)
	h.HandleFrame([]byte(frame))
}

func (f *fakeTransport) failReceive(err error) {
	f.mu.Lock()
	f.connected = false
	h := f.handler
	f.mu.Unlock()
	h.HandleReceiveFailure(err)
}

func (f *fakeTransport) sentFrames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) sentOfType(msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range f.sentFrames() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newTestDispatcher(t *testing.T, ft *fakeTransport) *Dispatcher {
	t.Helper()
	opts := Options{
		URL:            "ws://backend.test",
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		PingInterval:   0,
		Policy:         retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}
	return New(opts, ft, store.New(), logger.Nop())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

const (
	sessionA = "11111111-aaaa-aaaa-aaaa-111111111111"
	sessionB = "22222222-bbbb-bbbb-bbbb-222222222222"
)

func TestLockedPromptThenUnlockScenario(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	require.NoError(t, d.Connect(context.Background()))
	assert.Equal(t, StateConnected, d.State())

	ft.deliver(t, fmt.Sprintf(`{"type":"session_list","data":{"sessions":[
		{"session_id":"%s","name":"api work","working_directory":"/src/api"},
		{"session_id":"%s","name":"ui work","working_directory":"/src/ui"}
	]}}`, sessionA, sessionB))
	assert.Len(t, d.Store().Sessions(), 2)

	require.NoError(t, d.SubscribeSession(sessionA))

	ft.deliver(t, fmt.Sprintf(`{"type":"session_locked","data":{"session_id":"%s"}}`, sessionA))

	before := len(ft.sentFrames())
	_, err := d.SendPrompt(sessionA, "do the thing")
	var lockErr *SessionLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, sessionA, lockErr.SessionID)
	assert.Len(t, ft.sentFrames(), before, "a rejected prompt must produce no outbound frame")

	ft.deliver(t, fmt.Sprintf(`{"type":"session_unlocked","data":{"session_id":"%s"}}`, sessionA))

	_, err = d.SendPrompt(sessionA, "do the thing")
	require.NoError(t, err)

	prompts := ft.sentOfType("prompt")
	require.Len(t, prompts, 1)
	data := prompts[0]["data"].(map[string]interface{})
	assert.Equal(t, sessionA, data["session_id"], "session id stays lowercase on the wire")
	assert.Contains(t, data, "message_id")
	assert.Equal(t, "do the thing", data["text"])
}

func TestLockedPromptRejectsUppercaseAlias(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.deliver(t, fmt.Sprintf(`{"type":"session_locked","data":{"session_id":"%s"}}`, sessionA))

	// Callers may hold the uppercase rendering; the guard still applies.
	_, err := d.SendPrompt("11111111-AAAA-AAAA-AAAA-111111111111", "x")
	var lockErr *SessionLockError
	require.ErrorAs(t, err, &lockErr)
}

func TestReceiveFailureResubscribesExactlyOnce(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)

	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.SubscribeSession(sessionA))
	require.NoError(t, d.SubscribeSession(sessionB))

	var states []State
	var mu sync.Mutex
	d.OnStateChanged(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	ft.failReceive(errors.New("connection reset by peer"))

	waitFor(t, func() bool {
		return d.State() == StateConnected && len(ft.sentOfType("subscribe")) == 4
	}, "never reconnected and resubscribed")

	mu.Lock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateReconnecting, states[0], "receive failure must enter Reconnecting")
	mu.Unlock()

	subs := ft.sentOfType("subscribe")
	counts := map[string]int{}
	for _, s := range subs {
		data := s["data"].(map[string]interface{})
		counts[data["session_id"].(string)]++
	}
	// One initial subscribe each plus exactly one replay each.
	assert.Equal(t, 2, counts[sessionA])
	assert.Equal(t, 2, counts[sessionB])
}

func TestRetryExhaustionSurfacesOriginalError(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.mu.Lock()
	ft.connectErrs = []error{
		errors.New("dial refused 1"),
		errors.New("dial refused 2"),
		errors.New("dial refused 3"),
	}
	ft.mu.Unlock()

	var surfaced error
	var mu sync.Mutex
	d.OnError(func(err error, adv retry.Advice) {
		mu.Lock()
		defer mu.Unlock()
		surfaced = err
	})

	cause := errors.New("read tcp: connection reset")
	ft.failReceive(cause)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return surfaced != nil
	}, "exhaustion never surfaced")

	assert.Equal(t, StateDisconnected, d.State(), "exhaustion is terminal until a manual connect")

	mu.Lock()
	var rf *ReconnectFailedError
	require.ErrorAs(t, surfaced, &rf)
	assert.ErrorIs(t, surfaced, cause, "the original receive failure is surfaced, not the last dial error")
	assert.Equal(t, 2, rf.Attempts, "with a budget of 3 the receive failure plus two retries spends it")
	mu.Unlock()

	// No further attempts after exhaustion.
	attempts := ft.connectCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, attempts, ft.connectCount())
}

func TestDeliberateDisconnectDoesNotReconnect(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	d.Disconnect()
	assert.Equal(t, StateDisconnected, d.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount(), "deliberate disconnect must not trigger auto-reconnect")
}

func TestAckResolvesByCorrelationIDNotOrder(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	msgA, err := d.SendPrompt(sessionA, "first")
	require.NoError(t, err)
	msgB, err := d.SendPrompt(sessionB, "second")
	require.NoError(t, err)

	prompts := ft.sentOfType("prompt")
	require.Len(t, prompts, 2)

	// Acknowledge in reverse order.
	for i := len(prompts) - 1; i >= 0; i-- {
		data := prompts[i]["data"].(map[string]interface{})
		ft.deliver(t, fmt.Sprintf(`{"type":"ack","request_id":"%s","data":{"session_id":"%s","message_id":"%s"}}`,
			prompts[i]["request_id"], data["session_id"], data["message_id"]))
	}

	a, _ := d.Store().GetSession(sessionA)
	require.Len(t, a.Messages, 1)
	assert.Equal(t, msgA, a.Messages[0].ID)
	assert.Equal(t, store.StatusConfirmed, a.Messages[0].Status)

	b, _ := d.Store().GetSession(sessionB)
	require.Len(t, b.Messages, 1)
	assert.Equal(t, msgB, b.Messages[0].ID)
	assert.Equal(t, store.StatusConfirmed, b.Messages[0].Status)
}

func TestPromptAckTimeoutMarksFailed(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	d.opts.RequestTimeout = 20 * time.Millisecond
	require.NoError(t, d.Connect(context.Background()))

	msgID, err := d.SendPrompt(sessionA, "lost in transit")
	require.NoError(t, err)

	waitFor(t, func() bool {
		sess, ok := d.Store().GetSession(sessionA)
		return ok && len(sess.Messages) == 1 && sess.Messages[0].Status == store.StatusFailed
	}, "unacked prompt never marked failed")

	sess, _ := d.Store().GetSession(sessionA)
	assert.Equal(t, msgID, sess.Messages[0].ID)
}

func TestSendPromptWhileTransportClosed(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	// Never connected: the send must fail immediately, not queue.
	_, err := d.SendPrompt(sessionA, "hello")
	var nc *transport.NotConnectedError
	require.ErrorAs(t, err, &nc)
}

func TestCompactionRequestResponse(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	for i := 0; i < 4; i++ {
		ft.deliver(t, fmt.Sprintf(`{"type":"message","data":{"session_id":"%s","message_id":"m%d","role":"user","text":"t%d"}}`, sessionA, i, i))
	}

	type outcome struct {
		done protocol.CompactionDone
		err  error
	}
	resCh := make(chan outcome, 1)
	go func() {
		done, err := d.RequestCompaction(context.Background(), sessionA)
		resCh <- outcome{done, err}
	}()

	waitFor(t, func() bool { return len(ft.sentOfType("compact")) == 1 }, "compact request never sent")
	reqID := ft.sentOfType("compact")[0]["request_id"].(string)

	ft.deliver(t, fmt.Sprintf(`{"type":"compaction_done","request_id":"%s","data":{"session_id":"%s","summary":"earlier work","kept":2}}`, reqID, sessionA))

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "earlier work", res.done.Summary)

	sess, _ := d.Store().GetSession(sessionA)
	require.Len(t, sess.Messages, 3)
	assert.Equal(t, "system", sess.Messages[0].Role)
}

func TestCompactionTimeoutIsTransient(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	d.opts.RequestTimeout = 15 * time.Millisecond
	require.NoError(t, d.Connect(context.Background()))

	_, err := d.RequestCompaction(context.Background(), sessionA)
	var te *RequestTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}

func TestMalformedFrameDroppedConnectionKept(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.deliver(t, `{broken json`)
	ft.deliver(t, `{"type":"message","data":{"session_id":"a","message_id":5}}`)

	assert.Equal(t, StateConnected, d.State(), "decode errors never tear the connection down")
}

func TestUnknownFrameIgnored(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.deliver(t, `{"type":"telemetry_v2","data":{"whatever":true}}`)
	assert.Equal(t, StateConnected, d.State())
	assert.Empty(t, d.Store().Sessions())
}

func TestBroadcastErrorSurfaced(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	var got error
	var adv retry.Advice
	d.OnError(func(err error, a retry.Advice) {
		got = err
		adv = a
	})

	ft.deliver(t, `{"type":"error","error":{"code":"PERMISSION_DENIED","message":"workspace is read-only"}}`)

	var be *BackendError
	require.ErrorAs(t, got, &be)
	assert.Equal(t, retry.ClassUserRecoverable, adv.Class)
	require.NotNil(t, adv.Action)
}

func TestInferredNameAppliedToStore(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	// Unsolicited session_name frames also update the store.
	ft.deliver(t, fmt.Sprintf(`{"type":"session_name","data":{"session_id":"%s","name":"refactor auth"}}`, sessionA))

	sess, ok := d.Store().GetSession(sessionA)
	require.True(t, ok, "unknown session ids materialize lazily")
	assert.Equal(t, "refactor auth", sess.Name)
}

func TestCancelPromptClearsLockOptimistically(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.deliver(t, fmt.Sprintf(`{"type":"session_locked","data":{"session_id":"%s"}}`, sessionA))
	require.NoError(t, d.CancelPrompt(sessionA))

	sess, _ := d.Store().GetSession(sessionA)
	assert.False(t, sess.Locked)
	assert.True(t, sess.CancelPending)
	require.Len(t, ft.sentOfType("cancel"), 1)
}

func TestCommandOutputAccumulates(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	cmdID, err := d.RunCommand("33333333-cccc-cccc-cccc-333333333333", "go test ./...", "/src")
	require.NoError(t, err)

	ft.deliver(t, fmt.Sprintf(`{"type":"command_output","data":{"command_session_id":"33333333-cccc-cccc-cccc-333333333333","command_id":"%s","output":"ok\n"}}`, cmdID))
	ft.deliver(t, fmt.Sprintf(`{"type":"command_output","data":{"command_session_id":"33333333-cccc-cccc-cccc-333333333333","command_id":"%s","output":"","done":true,"exit_code":0}}`, cmdID))

	cmd, ok := d.Store().GetCommand("33333333-cccc-cccc-cccc-333333333333")
	require.True(t, ok)
	assert.Equal(t, []string{"ok\n"}, cmd.Output)
	assert.False(t, cmd.Running)
}

func TestDeletedSessionFramesDropped(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft)
	require.NoError(t, d.Connect(context.Background()))

	ft.deliver(t, fmt.Sprintf(`{"type":"message","data":{"session_id":"%s","message_id":"m1","role":"user","text":"x"}}`, sessionA))
	ft.deliver(t, fmt.Sprintf(`{"type":"session_deleted","data":{"session_id":"%s"}}`, sessionA))
	ft.deliver(t, fmt.Sprintf(`{"type":"message","data":{"session_id":"%s","message_id":"m2","role":"assistant","text":"late"}}`, sessionA))

	_, ok := d.Store().GetSession(sessionA)
	assert.False(t, ok)
}
