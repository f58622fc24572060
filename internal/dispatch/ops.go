package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/voicecode/voicecode/internal/protocol"
	"github.com/voicecode/voicecode/internal/store"
)

// SendPrompt submits a prompt to a session. The prompt is rejected
// locally with SessionLockError while the store shows the session as
// processing; no frame goes out in that case. On success the message is
// recorded as pending and the returned message id is confirmed or failed
// asynchronously when the ack (or its timeout) arrives.
func (d *Dispatcher) SendPrompt(sessionID, text string) (string, error) {
	sessionID = protocol.NormalizeID(sessionID)

	if d.store.IsLocked(sessionID) {
		return "", &SessionLockError{SessionID: sessionID}
	}

	messageID := protocol.NewMessageID()
	requestID := protocol.NewRequestID()

	env, err := protocol.NewPrompt(requestID, sessionID, messageID, text, "")
	if err != nil {
		return "", err
	}

	d.store.AppendMessage(sessionID, store.Message{
		ID:        messageID,
		Role:      "user",
		Text:      text,
		Timestamp: time.Now(),
		Status:    store.StatusPending,
	})

	// The ack resolves by correlation id, not arrival order: prompts for
	// different sessions may be in flight at the same time.
	timer := time.AfterFunc(d.opts.RequestTimeout, func() {
		if d.resolve(requestID, nil, &RequestTimeoutError{RequestType: protocol.TypePrompt, Timeout: d.opts.RequestTimeout}) {
			d.store.SetMessageStatus(sessionID, messageID, store.StatusFailed)
		}
	})
	d.register(requestID, func(in protocol.Inbound, err error) {
		timer.Stop()
		if err != nil {
			d.store.SetMessageStatus(sessionID, messageID, store.StatusFailed)
		}
		// Confirmation happens in HandleFrame off the ack's
		// session/message ids.
	})

	if err := d.send(env); err != nil {
		d.unregister(requestID)
		timer.Stop()
		d.store.SetMessageStatus(sessionID, messageID, store.StatusFailed)
		return "", err
	}
	return messageID, nil
}

// CancelPrompt asks the backend to stop processing a session's prompt.
// The local lock clears optimistically; the backend's next lock/unlock
// notice remains authoritative.
func (d *Dispatcher) CancelPrompt(sessionID string) error {
	sessionID = protocol.NormalizeID(sessionID)

	env, err := protocol.NewCancel(protocol.NewRequestID(), sessionID)
	if err != nil {
		return err
	}
	if err := d.send(env); err != nil {
		return err
	}
	d.store.MarkCancelPending(sessionID)
	return nil
}

// SubscribeSession requests pushed updates for a session and records the
// subscription locally so it is replayed after reconnects.
func (d *Dispatcher) SubscribeSession(sessionID string) error {
	sessionID = protocol.NormalizeID(sessionID)

	env, err := protocol.NewSubscribe(protocol.NewRequestID(), sessionID)
	if err != nil {
		return err
	}
	if err := d.send(env); err != nil {
		return err
	}
	d.store.SetSubscribed(sessionID, true)
	return nil
}

// UnsubscribeSession stops pushed updates for a session.
func (d *Dispatcher) UnsubscribeSession(sessionID string) error {
	sessionID = protocol.NormalizeID(sessionID)

	env, err := protocol.NewUnsubscribe(protocol.NewRequestID(), sessionID)
	if err != nil {
		return err
	}
	if err := d.send(env); err != nil {
		return err
	}
	d.store.SetSubscribed(sessionID, false)
	return nil
}

// SetWorkingDirectory changes a session's working directory.
func (d *Dispatcher) SetWorkingDirectory(sessionID, workingDirectory string) error {
	env, err := protocol.NewSetWorkingDirectory(protocol.NewRequestID(), protocol.NormalizeID(sessionID), workingDirectory)
	if err != nil {
		return err
	}
	return d.send(env)
}

// RefreshSessions asks the backend for a fresh session list snapshot;
// the snapshot arrives asynchronously as a session_list frame.
func (d *Dispatcher) RefreshSessions() error {
	env, err := protocol.NewListSessions(protocol.NewRequestID())
	if err != nil {
		return err
	}
	return d.send(env)
}

// RequestCompaction asks the backend to compact a session's history and
// blocks for the result, bounded by the request timeout.
func (d *Dispatcher) RequestCompaction(ctx context.Context, sessionID string) (protocol.CompactionDone, error) {
	sessionID = protocol.NormalizeID(sessionID)

	env, err := protocol.NewCompact(protocol.NewRequestID(), sessionID)
	if err != nil {
		return protocol.CompactionDone{}, err
	}

	in, err := d.request(ctx, env)
	if err != nil {
		return protocol.CompactionDone{}, err
	}
	done, ok := in.(protocol.CompactionDone)
	if !ok {
		return protocol.CompactionDone{}, fmt.Errorf("unexpected %T response to compact request", in)
	}
	return done, nil
}

// RequestInferredName asks the backend to infer a display name for a
// session and blocks for the result.
func (d *Dispatcher) RequestInferredName(ctx context.Context, sessionID string) (string, error) {
	sessionID = protocol.NormalizeID(sessionID)

	env, err := protocol.NewInferName(protocol.NewRequestID(), sessionID)
	if err != nil {
		return "", err
	}

	in, err := d.request(ctx, env)
	if err != nil {
		return "", err
	}
	name, ok := in.(protocol.SessionName)
	if !ok {
		return "", fmt.Errorf("unexpected %T response to infer_name request", in)
	}
	return name.Name, nil
}

// RunCommand starts a streamed command execution. Output chunks arrive
// asynchronously and accumulate in the store under the command-session
// id.
func (d *Dispatcher) RunCommand(commandSessionID, command, workingDirectory string) (string, error) {
	commandSessionID = protocol.NormalizeID(commandSessionID)
	commandID := protocol.NewMessageID()

	env, err := protocol.NewRunCommand(protocol.NewRequestID(), protocol.RunCommandRequest{
		CommandSessionID: commandSessionID,
		CommandID:        commandID,
		Command:          command,
		WorkingDirectory: workingDirectory,
	})
	if err != nil {
		return "", err
	}
	if err := d.send(env); err != nil {
		return "", err
	}
	d.store.StartCommand(commandSessionID, commandID, workingDirectory)
	return commandID, nil
}

// StopCommand asks the backend to terminate a running command.
func (d *Dispatcher) StopCommand(commandSessionID, commandID string) error {
	env, err := protocol.NewStopCommand(protocol.NewRequestID(),
		protocol.NormalizeID(commandSessionID), protocol.NormalizeID(commandID))
	if err != nil {
		return err
	}
	return d.send(env)
}

// UploadResource uploads file content to the backend and blocks for the
// acknowledgment; the Resource record is created from the ack.
func (d *Dispatcher) UploadResource(ctx context.Context, filename string, content []byte) (store.Resource, error) {
	fileID := protocol.NewMessageID()

	env, err := protocol.NewUploadResource(protocol.NewRequestID(), protocol.UploadResourceRequest{
		FileID:   fileID,
		Filename: filename,
		Content:  base64.StdEncoding.EncodeToString(content),
	})
	if err != nil {
		return store.Resource{}, err
	}

	in, err := d.request(ctx, env)
	if err != nil {
		return store.Resource{}, err
	}
	up, ok := in.(protocol.ResourceUploaded)
	if !ok {
		return store.Resource{}, fmt.Errorf("unexpected %T response to upload_resource request", in)
	}

	return store.Resource{
		FileID:     up.FileID,
		Filename:   up.Filename,
		Path:       up.Path,
		Size:       up.Size,
		UploadedAt: time.Now(),
	}, nil
}

// DeleteResource removes an uploaded resource and blocks for the
// acknowledgment.
func (d *Dispatcher) DeleteResource(ctx context.Context, fileID string) error {
	env, err := protocol.NewDeleteResource(protocol.NewRequestID(), protocol.NormalizeID(fileID))
	if err != nil {
		return err
	}
	_, err = d.request(ctx, env)
	return err
}
