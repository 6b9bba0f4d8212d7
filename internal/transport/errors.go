package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failed send attempt
type ErrorCode string

const (
	// CodeFloodWait is a provider pacing signal: wait the indicated
	// duration, then the same message may be retried.
	CodeFloodWait ErrorCode = "FLOOD_WAIT"

	// Permanent codes: the recipient will never accept this message.
	CodeUserPrivacyRestricted ErrorCode = "USER_PRIVACY_RESTRICTED"
	CodeUserIsBlocked         ErrorCode = "USER_IS_BLOCKED"
	CodeUserNotFound          ErrorCode = "USER_NOT_FOUND"

	// CodeUnknown is the open bucket, treated as transient.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// SendError is a classified send failure
type SendError struct {
	Code ErrorCode
	Wait time.Duration // only set for CodeFloodWait
	Err  error         // underlying cause, may be nil
}

func (e *SendError) Error() string {
	switch {
	case e.Code == CodeFloodWait:
		return fmt.Sprintf("send failed: %s (wait %s)", e.Code, e.Wait)
	case e.Err != nil:
		return fmt.Sprintf("send failed: %s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("send failed: %s", e.Code)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// Permanent reports whether further attempts are pointless
func (e *SendError) Permanent() bool {
	switch e.Code {
	case CodeUserPrivacyRestricted, CodeUserIsBlocked, CodeUserNotFound:
		return true
	}
	return false
}

// NewFloodWait builds a pacing error with the provider-specified wait
func NewFloodWait(wait time.Duration) *SendError {
	return &SendError{Code: CodeFloodWait, Wait: wait}
}

// NewSendError builds a classified error wrapping an underlying cause
func NewSendError(code ErrorCode, err error) *SendError {
	return &SendError{Code: code, Err: err}
}

// Classify maps any error to a SendError. Unrecognized errors land in the
// transient UNKNOWN bucket.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Code: CodeUnknown, Err: err}
}

// ParseCode maps a wire-level code string to an ErrorCode
func ParseCode(code string) ErrorCode {
	switch ErrorCode(code) {
	case CodeFloodWait, CodeUserPrivacyRestricted, CodeUserIsBlocked, CodeUserNotFound:
		return ErrorCode(code)
	}
	return CodeUnknown
}
