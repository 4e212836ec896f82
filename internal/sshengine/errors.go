// Package sshengine defines the engine's typed error taxonomy.
package sshengine

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, caller-switchable error classification that
// crosses the external API boundary alongside a human message and optional
// structured context.
type ErrorCode string

const (
	// Transport
	ErrConnectionFailed ErrorCode = "connection_failed"
	ErrTimeout          ErrorCode = "timeout"
	ErrTransportDown    ErrorCode = "transport_down"

	// Trust
	ErrHostKeyUntrusted ErrorCode = "ssh_hostkey_untrusted"
	ErrHostKeyMismatch  ErrorCode = "ssh_hostkey_mismatch"

	// Auth
	ErrMissingPassword  ErrorCode = "missing_password"
	ErrAuthFailed       ErrorCode = "ssh_auth_failed"
	ErrHandshakeAborted ErrorCode = "ssh_handshake_aborted"

	// File
	ErrPathMissing      ErrorCode = "path_missing"
	ErrPermissionDenied ErrorCode = "permission_denied"
	ErrSftpProtocol     ErrorCode = "sftp_protocol"

	// Terminal
	ErrTerminalNotFound ErrorCode = "terminal_not_found"
	ErrTerminalDetached ErrorCode = "terminal_detached"
	ErrPtyOpenFailed    ErrorCode = "pty_open_failed"

	// Conflict
	ErrConflict ErrorCode = "conflict"
	ErrMissing  ErrorCode = "missing"

	// Programmer error
	ErrInvalidArgument ErrorCode = "invalid_argument"
)

// Error is the engine's typed error. It wraps an underlying cause (if any)
// so callers using errors.Is/As against stdlib or golang.org/x/crypto/ssh
// sentinel errors keep working, while also exposing a stable Code and
// optional Context for the external API envelope.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no context.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying cause, preserving it for errors.Is/As.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithContext attaches structured context and returns e for chaining.
func (e *Error) WithContext(ctx map[string]any) *Error {
	e.Context = ctx
	return e
}

// CodeOf extracts the ErrorCode from err if it (or something it wraps) is
// an *Error; otherwise it reports ("", false).
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
