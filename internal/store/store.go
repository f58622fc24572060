// Package store holds the client-side view of backend state: sessions and
// their message histories, lock and subscription flags, command
// executions and uploaded resources. The store is the single source of
// truth; only the dispatcher writes to it, strictly in receive order,
// while any number of observers read snapshots concurrently.
package store

import (
	"sync"
	"time"
)

// DeliveryStatus is the delivery state of an outbound message.
type DeliveryStatus int

const (
	// StatusPending means the message was sent but not yet acknowledged.
	StatusPending DeliveryStatus = iota
	// StatusConfirmed means the backend acknowledged the message.
	StatusConfirmed
	// StatusFailed means the send failed or the request timed out.
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry of a session's ordered history.
type Message struct {
	ID        string
	Role      string
	Text      string
	Timestamp time.Time
	Status    DeliveryStatus
}

// Session is a conversation context with the backend.
type Session struct {
	ID               string
	Name             string
	WorkingDirectory string
	LastModified     time.Time
	Locked           bool
	Subscribed       bool
	CancelPending    bool
	Messages         []Message
}

// CommandExecution tracks a streamed shell command, keyed by its
// command-session id. Its lifecycle is independent from chat sessions.
type CommandExecution struct {
	CommandSessionID string
	CommandID        string
	WorkingDirectory string
	Output           []string
	Running          bool
	ExitCode         int
}

// Resource is an uploaded file known to the backend.
type Resource struct {
	FileID     string
	Filename   string
	Path       string
	Size       int64
	UploadedAt time.Time
}

// Hooks for downstream consumers (UI, persistence mirror). Delivery is in
// registration order; consumers must not assume it is synchronous with
// the triggering wire event and must never block the caller for long.
type (
	// MessageHook fires when a message is appended or its delivery
	// status changes.
	MessageHook func(sessionID string, msg Message)
	// SessionListHook fires when the session list is replaced by an
	// authoritative snapshot.
	SessionListHook func(sessions []Session)
)

// Store is the session state store.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	commands  map[string]*CommandExecution
	resources map[string]*Resource
	// deleted holds tombstones: inbound frames for these ids must not
	// re-materialize a session.
	deleted map[string]bool

	hookMu    sync.Mutex
	nextHook  int
	msgHooks  []registeredHook[MessageHook]
	listHooks []registeredHook[SessionListHook]
}

type registeredHook[T any] struct {
	id int
	fn T
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		commands:  make(map[string]*CommandExecution),
		resources: make(map[string]*Resource),
		deleted:   make(map[string]bool),
	}
}

// OnMessage registers a message hook and returns its unsubscribe handle.
func (s *Store) OnMessage(fn MessageHook) func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.msgHooks = append(s.msgHooks, registeredHook[MessageHook]{id: id, fn: fn})
	return func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		for i, h := range s.msgHooks {
			if h.id == id {
				s.msgHooks = append(s.msgHooks[:i], s.msgHooks[i+1:]...)
				return
			}
		}
	}
}

// OnSessionListReplaced registers a session list hook and returns its
// unsubscribe handle.
func (s *Store) OnSessionListReplaced(fn SessionListHook) func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	id := s.nextHook
	s.nextHook++
	s.listHooks = append(s.listHooks, registeredHook[SessionListHook]{id: id, fn: fn})
	return func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		for i, h := range s.listHooks {
			if h.id == id {
				s.listHooks = append(s.listHooks[:i], s.listHooks[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notifyMessage(sessionID string, msg Message) {
	s.hookMu.Lock()
	hooks := make([]registeredHook[MessageHook], len(s.msgHooks))
	copy(hooks, s.msgHooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h.fn(sessionID, msg)
	}
}

func (s *Store) notifyListReplaced(sessions []Session) {
	s.hookMu.Lock()
	hooks := make([]registeredHook[SessionListHook], len(s.listHooks))
	copy(hooks, s.listHooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h.fn(sessions)
	}
}

// materializeLocked returns the session for id, creating it lazily when
// it does not exist yet. Tombstoned ids return nil: frames scoped to
// deleted sessions are dropped instead of resurrecting them.
func (s *Store) materializeLocked(sessionID string) *Session {
	if s.deleted[sessionID] {
		return nil
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID}
		s.sessions[sessionID] = sess
	}
	return sess
}

// ApplyLock marks a session as processing. Locking an already-locked
// session is a no-op: duplicate lock notices arrive after reconnects.
// A lock notice also resolves any pending cancellation, so a session is
// never simultaneously locked and cancel-pending.
func (s *Store) ApplyLock(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		return
	}
	sess.Locked = true
	sess.CancelPending = false
}

// ApplyUnlock clears a session's processing flag; idempotent like
// ApplyLock. An unlock also resolves a pending cancellation.
func (s *Store) ApplyUnlock(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		return
	}
	sess.Locked = false
	sess.CancelPending = false
}

// IsLocked reports the lock flag for a session.
func (s *Store) IsLocked(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return ok && sess.Locked
}

// MarkCancelPending records an outbound prompt cancellation. The local
// lock flag is cleared optimistically; the backend's next lock or unlock
// notice remains authoritative either way.
func (s *Store) MarkCancelPending(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		return
	}
	sess.Locked = false
	sess.CancelPending = true
}

// AppendMessage appends to a session's history. Messages are
// deduplicated by id: a resend after reconnect updates the existing
// entry's status instead of appending a second copy.
func (s *Store) AppendMessage(sessionID string, msg Message) {
	s.mu.Lock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == msg.ID {
			sess.Messages[i].Status = msg.Status
			updated := sess.Messages[i]
			s.mu.Unlock()
			s.notifyMessage(sessionID, updated)
			return
		}
	}
	sess.Messages = append(sess.Messages, msg)
	sess.LastModified = msg.Timestamp
	s.mu.Unlock()

	s.notifyMessage(sessionID, msg)
}

// SetMessageStatus updates the delivery status of a message by id.
func (s *Store) SetMessageStatus(sessionID, messageID string, status DeliveryStatus) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Status = status
			updated := sess.Messages[i]
			s.mu.Unlock()
			s.notifyMessage(sessionID, updated)
			return
		}
	}
	s.mu.Unlock()
}

// SessionMeta is the metadata of a session in an authoritative list
// snapshot.
type SessionMeta struct {
	ID               string
	Name             string
	WorkingDirectory string
	LastModified     time.Time
	Locked           bool
}

// ReplaceSessions replaces the session view with an authoritative list
// from the backend (last-write-wins, no heuristic merging). Message
// histories of sessions still present are kept; sessions absent from the
// snapshot are dropped. Tombstones for ids reintroduced by the backend
// are cleared: the snapshot is authoritative in both directions.
func (s *Store) ReplaceSessions(metas []SessionMeta) {
	s.mu.Lock()

	next := make(map[string]*Session, len(metas))
	for _, m := range metas {
		delete(s.deleted, m.ID)
		sess := &Session{
			ID:               m.ID,
			Name:             m.Name,
			WorkingDirectory: m.WorkingDirectory,
			LastModified:     m.LastModified,
			Locked:           m.Locked,
		}
		if prev, ok := s.sessions[m.ID]; ok {
			sess.Messages = prev.Messages
			sess.Subscribed = prev.Subscribed
			sess.CancelPending = prev.CancelPending && !m.Locked
		}
		next[m.ID] = sess
	}
	s.sessions = next

	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyListReplaced(snapshot)
}

// DeleteSession drops a session and tombstones its id so late frames do
// not re-materialize it.
func (s *Store) DeleteSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.deleted[sessionID] = true
}

// SetSubscribed flags whether the client receives pushed updates for a
// session.
func (s *Store) SetSubscribed(sessionID string, subscribed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		return
	}
	sess.Subscribed = subscribed
}

// SubscribedSessionIDs returns the ids of all subscribed sessions; the
// dispatcher replays these after a reconnect.
func (s *Store) SubscribedSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.Subscribed {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetSessionName updates a session's display name.
func (s *Store) SetSessionName(sessionID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.materializeLocked(sessionID)
	if sess == nil {
		return
	}
	sess.Name = name
}

// CompactSession replaces the oldest messages of a session with a single
// summary entry, keeping the trailing `kept` messages verbatim.
func (s *Store) CompactSession(sessionID, summary string, kept int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if kept < 0 || kept > len(sess.Messages) {
		kept = len(sess.Messages)
	}
	tail := sess.Messages[len(sess.Messages)-kept:]
	head := Message{
		ID:        "summary-" + sessionID,
		Role:      "system",
		Text:      summary,
		Timestamp: at,
		Status:    StatusConfirmed,
	}
	sess.Messages = append([]Message{head}, tail...)
}

// GetSession returns a deep copy of a session's current state.
func (s *Store) GetSession(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return copySession(sess), true
}

// Sessions returns a deep-copied snapshot of all sessions.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Session {
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	return out
}

func copySession(sess *Session) Session {
	cp := *sess
	cp.Messages = make([]Message, len(sess.Messages))
	copy(cp.Messages, sess.Messages)
	return cp
}

// AppendCommandOutput appends a streamed output chunk for a command
// execution, materializing the record on first sight.
func (s *Store) AppendCommandOutput(commandSessionID, commandID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandSessionID]
	if !ok || cmd.CommandID != commandID {
		cmd = &CommandExecution{
			CommandSessionID: commandSessionID,
			CommandID:        commandID,
			Running:          true,
		}
		s.commands[commandSessionID] = cmd
	}
	if output != "" {
		cmd.Output = append(cmd.Output, output)
	}
}

// FinishCommand marks a command execution as terminated.
func (s *Store) FinishCommand(commandSessionID, commandID string, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandSessionID]
	if !ok || cmd.CommandID != commandID {
		return
	}
	cmd.Running = false
	cmd.ExitCode = exitCode
}

// StartCommand records a command execution the client just requested.
func (s *Store) StartCommand(commandSessionID, commandID, workingDirectory string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[commandSessionID] = &CommandExecution{
		CommandSessionID: commandSessionID,
		CommandID:        commandID,
		WorkingDirectory: workingDirectory,
		Running:          true,
	}
}

// GetCommand returns a copy of a command execution.
func (s *Store) GetCommand(commandSessionID string) (CommandExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[commandSessionID]
	if !ok {
		return CommandExecution{}, false
	}
	cp := *cmd
	cp.Output = make([]string, len(cmd.Output))
	copy(cp.Output, cmd.Output)
	return cp, true
}

// PutResource records an uploaded resource (last-write-wins by file id).
func (s *Store) PutResource(res Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := res
	s.resources[res.FileID] = &r
}

// RemoveResource drops a resource after a delete acknowledgment or local
// eviction.
func (s *Store) RemoveResource(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, fileID)
}

// ReplaceResources replaces the resource view with an authoritative list.
func (s *Store) ReplaceResources(list []Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = make(map[string]*Resource, len(list))
	for _, res := range list {
		r := res
		s.resources[res.FileID] = &r
	}
}

// Resources returns a snapshot of all known resources.
func (s *Store) Resources() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, *r)
	}
	return out
}
