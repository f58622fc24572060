package dispatch

import (
	"fmt"
	"time"

	"github.com/voicecode/voicecode/internal/retry"
)

// SessionLockError rejects a prompt aimed at a session the backend is
// still processing. This is a client-side guard mirroring the backend's
// single-flight-per-session rule; the conflict clears itself when the
// unlock notice arrives, so the suggested action is a plain retry.
type SessionLockError struct {
	SessionID string
}

func (e *SessionLockError) Error() string {
	return fmt.Sprintf("session %s is still processing a prompt", e.SessionID)
}

// ErrorClass reports the failure class.
func (e *SessionLockError) ErrorClass() retry.Class { return retry.ClassUserRecoverable }

// RecoveryAction names the single suggested action.
func (e *SessionLockError) RecoveryAction() string { return "Retry" }

// RequestTimeoutError reports a request/response correlation that timed
// out waiting for the backend.
type RequestTimeoutError struct {
	RequestType string
	Timeout     time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s request timed out after %s", e.RequestType, e.Timeout)
}

// ErrorClass reports the failure class: timeouts are transient.
func (e *RequestTimeoutError) ErrorClass() retry.Class { return retry.ClassTransient }

// BackendError carries an error frame the backend sent in response to a
// request.
type BackendError struct {
	Code    string
	Message string
	Details string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// ErrorClass maps backend error codes onto the failure taxonomy.
func (e *BackendError) ErrorClass() retry.Class {
	switch e.Code {
	case "SESSION_LOCKED", "PERMISSION_DENIED", "INVALID_REQUEST":
		return retry.ClassUserRecoverable
	case "INTERNAL", "UNAVAILABLE", "TIMEOUT", "":
		return retry.ClassTransient
	default:
		return retry.ClassTransient
	}
}

// ReconnectFailedError wraps the receive failure that started a
// reconnect cycle once the attempt budget is exhausted. The original
// error is what gets surfaced, not the final dial failure.
type ReconnectFailedError struct {
	Attempts int
	Cause    error
}

func (e *ReconnectFailedError) Error() string {
	return fmt.Sprintf("gave up reconnecting after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *ReconnectFailedError) Unwrap() error { return e.Cause }

// ErrorClass reports the failure class: the automatic budget is spent,
// only a manual reconnect remains.
func (e *ReconnectFailedError) ErrorClass() retry.Class { return retry.ClassUserRecoverable }

// RecoveryAction names the single suggested action.
func (e *ReconnectFailedError) RecoveryAction() string { return "Reconnect" }
