package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrValidation wraps every synchronous rejection of a publish request.
	ErrValidation      = errors.New("invalid publish request")
	ErrEventNotFound   = errors.New("event not found")
	ErrNoPlatforms     = errors.New("no platform selected")
	ErrUnknownPlatform = errors.New("unknown platform")

	ErrSessionNotFound = errors.New("publish session not found")
	ErrNotRetryable    = errors.New("platform run is not retryable")
	ErrStopping        = errors.New("publish coordinator stopping")
)

// Code is the errorCode reported on failed steps and platform runs.
type Code string

const (
	CodeAuth           Code = "AuthError"
	CodeRateLimited    Code = "RateLimited"
	CodeInvalidContent Code = "InvalidContent"
	CodeTransient      Code = "TransientNetworkError"
	CodeTimeout        Code = "TIMEOUT"
	CodeAbandoned      Code = "ABANDONED"
	CodeUnknown        Code = "UnknownError"
)

// Retryable is the default retry policy for the code.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeTransient, CodeTimeout, CodeAbandoned:
		return true
	default:
		return false
	}
}

// Error is a classified delivery failure. Adapters return it (usually via
// the constructors below) so the coordinator can report errorCode and
// retryable without guessing.
type Error struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration // RateLimited only; zero when unknown
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the human-readable part without the code prefix.
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func newError(code Code, err error) *Error {
	return &Error{Code: code, Retryable: code.Retryable(), Err: err}
}

// Auth marks invalid or expired credentials.
func Auth(err error) *Error { return newError(CodeAuth, err) }

// RateLimited marks a throttled request; after may be zero.
func RateLimited(err error, after time.Duration) *Error {
	e := newError(CodeRateLimited, err)
	e.RetryAfter = max(after, 0)
	return e
}

// InvalidContent marks content the destination rejected.
func InvalidContent(err error) *Error { return newError(CodeInvalidContent, err) }

// Transient marks a network-level failure worth retrying.
func Transient(err error) *Error { return newError(CodeTransient, err) }

// Unknown wraps anything unclassified. It is not retryable so real defects
// are not masked by blind retries.
func Unknown(err error) *Error { return newError(CodeUnknown, err) }

func timeoutError(after time.Duration) *Error {
	return &Error{Code: CodeTimeout, Retryable: true, Message: fmt.Sprintf("platform run exceeded %s", after)}
}

func abandonedError(reason string) *Error {
	return &Error{Code: CodeAbandoned, Retryable: true, Message: reason}
}

// Classify maps any adapter error onto the taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe == nil {
			return Unknown(fmt.Errorf("adapter returned a nil %T", pe))
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(err)
	}
	return Unknown(err)
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("adapter panic: %v", p.v) }
