// Package retry classifies failures and computes reconnect backoff
// schedules. It is pure policy: it owns no timers and performs no I/O, so
// the dispatcher and transport stay in charge of all scheduling.
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Class is the severity class of a failure. Every failure maps to exactly
// one class, which decides retry behavior and user messaging.
type Class int

const (
	// ClassTransient failures (timeouts, lost connections, DNS) are
	// retried automatically with exponential backoff.
	ClassTransient Class = iota
	// ClassUserRecoverable failures (bad URL, permission denial, session
	// lock conflicts) are never auto-retried; the user gets a message and
	// at most one suggested action.
	ClassUserRecoverable
	// ClassFatal failures (corrupted local persistence, missing local
	// capability) offer no recovery action.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUserRecoverable:
		return "user-recoverable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier is implemented by errors that know their own class. Typed
// errors across the client (lock conflicts, bad URLs, persistence
// failures) self-report; everything else goes through heuristics.
type Classifier interface {
	ErrorClass() Class
}

// Classify maps an error to exactly one Class.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}

	// Context cancellation is a deliberate local action, deadline
	// expiry is a timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassUserRecoverable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	if errors.Is(err, net.ErrClosed) {
		return ClassTransient
	}

	// Unclassified failures default to transient: retrying a genuinely
	// broken operation fails again and escalates after the attempt
	// budget, while the reverse default would strand recoverable ones.
	return ClassTransient
}

// Action is the single suggested recovery action attached to a
// user-recoverable failure.
type Action struct {
	Label string
}

// Advice is the user-facing rendering of a classified failure.
type Advice struct {
	Class   Class
	Message string
	// Action is non-nil only for user-recoverable failures.
	Action *Action
}

// Actionable is implemented by errors that suggest a recovery action.
type Actionable interface {
	RecoveryAction() string
}

// AdviceFor renders user-facing advice for an error.
func AdviceFor(err error) Advice {
	class := Classify(err)
	adv := Advice{Class: class}
	if err != nil {
		adv.Message = err.Error()
	}

	if class == ClassUserRecoverable {
		label := "Retry"
		var a Actionable
		if errors.As(err, &a) {
			label = a.RecoveryAction()
		}
		adv.Action = &Action{Label: label}
	}
	if class == ClassFatal {
		adv.Message = adv.Message + "; please contact support"
	}
	return adv
}

// Policy is the backoff schedule for transient failures.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the reconnect schedule used for the session
// connection.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// failures (1-based: attempt 1 is the first failure).
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the wait before retry number `attempt` (1-based). The
// delay starts at BaseDelay, doubles per attempt and is capped at
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}
