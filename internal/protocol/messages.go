package protocol

import (
	"encoding/json"
	"time"
)

// Inbound frame types pushed or returned by the backend.
const (
	TypeConnected        = "connected"
	TypeMessage          = "message"
	TypeSessionList      = "session_list"
	TypeSessionLocked    = "session_locked"
	TypeSessionUnlocked  = "session_unlocked"
	TypeSessionDeleted   = "session_deleted"
	TypeSessionName      = "session_name"
	TypeCommandOutput    = "command_output"
	TypeCompactionDone   = "compaction_done"
	TypeResourceUploaded = "resource_uploaded"
	TypeResourceDeleted  = "resource_deleted"
	TypeAck              = "ack"
	TypeError            = "error"
	TypePong             = "pong"
)

// Outbound frame types sent by the client.
const (
	TypePrompt              = "prompt"
	TypeCancel              = "cancel"
	TypeSubscribe           = "subscribe"
	TypeUnsubscribe         = "unsubscribe"
	TypePing                = "ping"
	TypeSetWorkingDirectory = "set_working_directory"
	TypeCompact             = "compact"
	TypeInferName           = "infer_name"
	TypeRunCommand          = "run_command"
	TypeStopCommand         = "stop_command"
	TypeUploadResource      = "upload_resource"
	TypeDeleteResource      = "delete_resource"
	TypeListSessions        = "list_sessions"
)

// Envelope is the outer shape of every wire frame.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo carries backend error details inside an envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Inbound is implemented by every decoded inbound frame variant.
type Inbound interface {
	inbound()
}

// Connected is the welcome frame sent by the backend after the socket
// opens.
type Connected struct {
	ServerVersion string `json:"server_version,omitempty"`
}

// ConversationMessage is a chat message pushed for a subscribed session.
type ConversationMessage struct {
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"-"`

	// RawTimestamp keeps the wire string for diagnostics.
	RawTimestamp string `json:"timestamp,omitempty"`
}

// SessionSummary is one entry of a session list snapshot.
type SessionSummary struct {
	SessionID        string `json:"session_id"`
	Name             string `json:"name,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	LastModified     string `json:"last_modified,omitempty"`
	Locked           bool   `json:"locked,omitempty"`
}

// SessionList is an authoritative snapshot of all backend sessions.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionLock reports a session entering or leaving the processing state.
type SessionLock struct {
	SessionID string `json:"session_id"`
	Locked    bool   `json:"-"`
}

// SessionDeleted reports that a session no longer exists on the backend.
type SessionDeleted struct {
	SessionID string `json:"session_id"`
}

// SessionName is the response to an infer_name request.
type SessionName struct {
	RequestID string `json:"-"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

// CommandOutput is a streamed chunk of command execution output.
type CommandOutput struct {
	CommandSessionID string `json:"command_session_id"`
	CommandID        string `json:"command_id"`
	Output           string `json:"output"`
	Done             bool   `json:"done,omitempty"`
	ExitCode         int    `json:"exit_code,omitempty"`
}

// CompactionDone is the response to a compact request.
type CompactionDone struct {
	RequestID string `json:"-"`
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	// Kept is the number of trailing messages preserved verbatim.
	Kept int `json:"kept,omitempty"`
}

// ResourceUploaded acknowledges a resource upload.
type ResourceUploaded struct {
	RequestID string `json:"-"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// ResourceDeleted acknowledges a resource deletion.
type ResourceDeleted struct {
	RequestID string `json:"-"`
	FileID    string `json:"file_id"`
}

// Ack acknowledges an outbound request, matched by request id.
type Ack struct {
	RequestID string `json:"-"`
	SessionID string `json:"session_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ServerError is an error frame from the backend. When RequestID is set it
// resolves a pending request; otherwise it is a broadcast error.
type ServerError struct {
	RequestID string
	Code      string
	Message   string
	Details   string
}

// Pong answers a client ping.
type Pong struct {
	RequestID string `json:"-"`
}

// Unknown wraps a frame type this client does not recognize. The
// dispatcher decides whether to log or ignore it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Connected) inbound()           {}
func (ConversationMessage) inbound() {}
func (SessionList) inbound()         {}
func (SessionLock) inbound()         {}
func (SessionDeleted) inbound()      {}
func (SessionName) inbound()         {}
func (CommandOutput) inbound()       {}
func (CompactionDone) inbound()      {}
func (ResourceUploaded) inbound()    {}
func (ResourceDeleted) inbound()     {}
func (Ack) inbound()                 {}
func (ServerError) inbound()         {}
func (Pong) inbound()                {}
func (Unknown) inbound()             {}
