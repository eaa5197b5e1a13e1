// File: wisperr/errors.go
// Package wisperr defines structured error codes shared across the Wisp
// server packages, for the categories a caller needs to branch on (see the
// error disposition table this mirrors).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wisperr

import "fmt"

// Code identifies a disposition a caller branches on when a stream or
// session setup step fails.
type Code int

const (
	CodeUnknown Code = iota
	CodeProtocolDecode
	CodeUnsupportedStreamType
	CodeBlockedAddress
	CodeDialFailed
	CodeRateExceeded
	CodeRemoteReadError
	CodeRemoteEOF
	CodeRemoteWriteError
	CodeStaticPathEscape
	CodeStaticPathMissing
)

// Error carries a Code plus free-form context for logging.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// New creates a structured error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithContext attaches a key/value pair and returns the same error for
// chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CloseReasonFor maps an error code to the Wisp CLOSE reason byte the
// session emits for it. Codes with no wire-visible reason (RemoteWriteError,
// ProtocolDecode, the static-file codes) return ok=false.
func (c Code) CloseReasonFor() (reason byte, ok bool) {
	switch c {
	case CodeUnsupportedStreamType:
		return 0x41, true
	case CodeBlockedAddress, CodeDialFailed:
		return 0x42, true
	case CodeRateExceeded:
		return 0x49, true
	case CodeRemoteReadError:
		return 0x03, true
	case CodeRemoteEOF:
		return 0x02, true
	default:
		return 0, false
	}
}
