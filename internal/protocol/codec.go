package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecodeError reports a frame that could not be decoded. RawType carries
// the "type" value of the offending payload (or "<invalid json>") for
// diagnostics; the connection itself is never torn down over one.
type DecodeError struct {
	RawType string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s frame: %v", e.RawType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// timestampFallback accepts ISO-8601 without fractional seconds or zone,
// which older backend builds emit.
const timestampFallback = "2006-01-02T15:04:05"

// ParseTimestamp parses a wire timestamp: ISO-8601 with fractional
// seconds first, then the fallback form without them.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(timestampFallback, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTimestamp renders a timestamp the way the backend expects:
// ISO-8601 UTC with fractional seconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NormalizeID lowercases a UUID-shaped identifier. The backend treats ids
// case-sensitively and only ever stores the lowercase form.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NewRequestID generates a correlation id for an outbound request.
func NewRequestID() string {
	return uuid.New().String()
}

// NewMessageID generates a client-side message id.
func NewMessageID() string {
	return uuid.New().String()
}

// Decode maps a raw inbound frame to exactly one typed variant. Unknown
// frame types are returned as Unknown, not as an error.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{RawType: "<invalid json>", Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{RawType: "<missing type>", Err: fmt.Errorf("frame has no type field")}
	}

	switch env.Type {
	case TypeConnected:
		var v Connected
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		return v, nil

	case TypeMessage:
		var v ConversationMessage
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.SessionID = NormalizeID(v.SessionID)
		v.MessageID = NormalizeID(v.MessageID)
		if v.RawTimestamp != "" {
			ts, err := ParseTimestamp(v.RawTimestamp)
			if err != nil {
				return nil, &DecodeError{RawType: env.Type, Err: err}
			}
			v.Timestamp = ts
		}
		return v, nil

	case TypeSessionList:
		var v SessionList
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		for i := range v.Sessions {
			v.Sessions[i].SessionID = NormalizeID(v.Sessions[i].SessionID)
		}
		return v, nil

	case TypeSessionLocked, TypeSessionUnlocked:
		var v SessionLock
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.SessionID = NormalizeID(v.SessionID)
		v.Locked = env.Type == TypeSessionLocked
		return v, nil

	case TypeSessionDeleted:
		var v SessionDeleted
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.SessionID = NormalizeID(v.SessionID)
		return v, nil

	case TypeSessionName:
		var v SessionName
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.RequestID = env.RequestID
		v.SessionID = NormalizeID(v.SessionID)
		return v, nil

	case TypeCommandOutput:
		var v CommandOutput
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.CommandSessionID = NormalizeID(v.CommandSessionID)
		return v, nil

	case TypeCompactionDone:
		var v CompactionDone
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.RequestID = env.RequestID
		v.SessionID = NormalizeID(v.SessionID)
		return v, nil

	case TypeResourceUploaded:
		var v ResourceUploaded
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.RequestID = env.RequestID
		v.FileID = NormalizeID(v.FileID)
		return v, nil

	case TypeResourceDeleted:
		var v ResourceDeleted
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.RequestID = env.RequestID
		v.FileID = NormalizeID(v.FileID)
		return v, nil

	case TypeAck:
		var v Ack
		if err := unmarshalData(env, &v); err != nil {
			return nil, err
		}
		v.RequestID = env.RequestID
		v.SessionID = NormalizeID(v.SessionID)
		return v, nil

	case TypeError:
		v := ServerError{RequestID: env.RequestID}
		if env.Error != nil {
			v.Code = env.Error.Code
			v.Message = env.Error.Message
			v.Details = env.Error.Details
		} else if len(env.Data) > 0 {
			var info ErrorInfo
			if err := json.Unmarshal(env.Data, &info); err != nil {
				return nil, &DecodeError{RawType: env.Type, Err: err}
			}
			v.Code = info.Code
			v.Message = info.Message
			v.Details = info.Details
		}
		return v, nil

	case TypePong:
		return Pong{RequestID: env.RequestID}, nil

	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func unmarshalData(env Envelope, v interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return &DecodeError{RawType: env.Type, Err: err}
	}
	return nil
}

// Encode serializes an outbound envelope to a single wire frame.
func Encode(env *Envelope) ([]byte, error) {
	if env.Timestamp == "" {
		env.Timestamp = FormatTimestamp(time.Now())
	}
	return json.Marshal(env)
}

func newEnvelope(msgType, requestID string, data interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: FormatTimestamp(time.Now()),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// PromptRequest is the payload of an outbound prompt frame.
type PromptRequest struct {
	SessionID        string `json:"session_id"`
	MessageID        string `json:"message_id"`
	Text             string `json:"text"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// NewPrompt builds a prompt frame for a session.
func NewPrompt(requestID, sessionID, messageID, text, workingDirectory string) (*Envelope, error) {
	return newEnvelope(TypePrompt, requestID, PromptRequest{
		SessionID:        NormalizeID(sessionID),
		MessageID:        NormalizeID(messageID),
		Text:             text,
		WorkingDirectory: workingDirectory,
	})
}

// NewCancel builds a prompt-cancellation frame for a session.
func NewCancel(requestID, sessionID string) (*Envelope, error) {
	return newEnvelope(TypeCancel, requestID, map[string]string{
		"session_id": NormalizeID(sessionID),
	})
}

// NewSubscribe builds a subscription frame for a session.
func NewSubscribe(requestID, sessionID string) (*Envelope, error) {
	return newEnvelope(TypeSubscribe, requestID, map[string]string{
		"session_id": NormalizeID(sessionID),
	})
}

// NewUnsubscribe builds an unsubscription frame for a session.
func NewUnsubscribe(requestID, sessionID string) (*Envelope, error) {
	return newEnvelope(TypeUnsubscribe, requestID, map[string]string{
		"session_id": NormalizeID(sessionID),
	})
}

// NewPing builds a keepalive probe frame.
func NewPing(requestID string) (*Envelope, error) {
	return newEnvelope(TypePing, requestID, nil)
}

// NewSetWorkingDirectory builds a working-directory change frame.
func NewSetWorkingDirectory(requestID, sessionID, workingDirectory string) (*Envelope, error) {
	return newEnvelope(TypeSetWorkingDirectory, requestID, map[string]string{
		"session_id":        NormalizeID(sessionID),
		"working_directory": workingDirectory,
	})
}

// NewCompact builds a history-compaction request for a session.
func NewCompact(requestID, sessionID string) (*Envelope, error) {
	return newEnvelope(TypeCompact, requestID, map[string]string{
		"session_id": NormalizeID(sessionID),
	})
}

// NewInferName builds an inferred-name request for a session.
func NewInferName(requestID, sessionID string) (*Envelope, error) {
	return newEnvelope(TypeInferName, requestID, map[string]string{
		"session_id": NormalizeID(sessionID),
	})
}

// RunCommandRequest is the payload of an outbound run_command frame.
type RunCommandRequest struct {
	CommandSessionID string `json:"command_session_id"`
	CommandID        string `json:"command_id"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// NewRunCommand builds a command execution frame.
func NewRunCommand(requestID string, req RunCommandRequest) (*Envelope, error) {
	req.CommandSessionID = NormalizeID(req.CommandSessionID)
	req.CommandID = NormalizeID(req.CommandID)
	return newEnvelope(TypeRunCommand, requestID, req)
}

// NewStopCommand builds a command stop frame.
func NewStopCommand(requestID, commandSessionID, commandID string) (*Envelope, error) {
	return newEnvelope(TypeStopCommand, requestID, map[string]string{
		"command_session_id": NormalizeID(commandSessionID),
		"command_id":         NormalizeID(commandID),
	})
}

// UploadResourceRequest is the payload of an outbound upload_resource
// frame. Content is base64-encoded by the caller.
type UploadResourceRequest struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// NewUploadResource builds a resource upload frame.
func NewUploadResource(requestID string, req UploadResourceRequest) (*Envelope, error) {
	req.FileID = NormalizeID(req.FileID)
	return newEnvelope(TypeUploadResource, requestID, req)
}

// NewDeleteResource builds a resource deletion frame.
func NewDeleteResource(requestID, fileID string) (*Envelope, error) {
	return newEnvelope(TypeDeleteResource, requestID, map[string]string{
		"file_id": NormalizeID(fileID),
	})
}

// NewListSessions builds a session list refresh request.
func NewListSessions(requestID string) (*Envelope, error) {
	return newEnvelope(TypeListSessions, requestID, nil)
}
