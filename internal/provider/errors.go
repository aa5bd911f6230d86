package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotConnected means the account has no live session. Sends are deferred, not failed.
	ErrSessionNotConnected = errors.New("session not connected")
	// ErrUnauthorized means the provider rejected the account credentials
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited means the provider throttled the account
	ErrRateLimited = errors.New("rate limited by provider")
)

// Error is a failure reported by the messaging provider
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Permanent  bool
	RetryAfter time.Duration
	// Err classifies the failure as one of the sentinel errors, may be nil
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, msg)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (HTTP %d): %s", e.StatusCode, msg)
	}
	return "provider error: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying err can never succeed
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}

// IsTemporary reports whether err is a transient send failure that counts as
// a retry. Session and credential problems are not temporary: they hold the
// job without consuming a retry.
func IsTemporary(err error) bool {
	if err == nil || IsPermanent(err) || IsHold(err) {
		return false
	}
	return true
}

// IsHold reports whether err should hold the job until the account recovers
func IsHold(err error) bool {
	return errors.Is(err, ErrSessionNotConnected) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrRateLimited)
}

// RetryAfter returns the provider supplied back-off hint, or zero
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Permanentf returns a permanent provider error
func Permanentf(code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Permanent: true}
}
