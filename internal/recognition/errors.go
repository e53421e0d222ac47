package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Code identifies a recognition failure.
type Code string

const (
	CodeNetwork              Code = "network"
	CodeNoSpeech             Code = "no-speech"
	CodeAudioCapture         Code = "audio-capture"
	CodeAborted              Code = "aborted"
	CodeEnded                Code = "ended"
	CodeNotAllowed           Code = "not-allowed"
	CodeServiceNotAllowed    Code = "service-not-allowed"
	CodeUnsupported          Code = "unsupported"
	CodeLanguageNotSupported Code = "language-not-supported"
	CodeRetriesExhausted     Code = "retries-exhausted"
)

var (
	ErrAlreadySubscribed = errors.New("recognition adapter already has a subscriber")
	ErrNoBackend         = errors.New("recognition backend not configured")
)

// Error is a classified recognition failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the adapter should restart after this error.
func (e *Error) Recoverable() bool {
	return IsRecoverable(e.Code)
}

// IsRecoverable classifies a code. Unknown codes are treated as recoverable.
func IsRecoverable(code Code) bool {
	switch code {
	case CodeNotAllowed, CodeServiceNotAllowed, CodeUnsupported, CodeLanguageNotSupported, CodeRetriesExhausted:
		return false
	}
	return true
}

// classify turns a backend return value into an *Error. A nil return means
// the session ended on its own; io.EOF means the input is exhausted and is
// reported as nil so the adapter stops without an error.
func classify(err error) *Error {
	if err == nil {
		return &Error{Code: CodeEnded}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &Error{Code: CodeUnsupported, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeNetwork, Err: err}
	}
	return &Error{Code: CodeAborted, Err: err}
}
