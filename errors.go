package blitzio

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents the high-level error taxonomy of the engine: every error
// surfaced to a callback or returned from a public method carries exactly
// one of these.
type Code string

const (
	// CodeOK is not normally attached to an *Error; it exists so callers can
	// compare against a zero-value/no-error Code.
	CodeOK Code = "ok"

	// CodeSubmitQueueFull means the kernel submission ring had no free slot.
	// Transient; the caller should retry after at least one completion.
	CodeSubmitQueueFull Code = "submit-queue-full"

	// CodePeerClosed means the completion indicated a reset/not-connected
	// peer, or a zero-byte read was observed at callback time.
	CodePeerClosed Code = "peer-closed"

	// CodeInternalError is any other kernel failure; Errno carries detail.
	CodeInternalError Code = "internal-error"
)

// Error is the structured error type surfaced by the engine.
type Error struct {
	Op    string // operation that failed, e.g. "submit-read", "accept"
	Code  Code
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("blitzio: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	if e.Op != "" {
		return fmt.Sprintf("blitzio: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("blitzio: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison against a bare Code as well as another *Error.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Error makes Code itself comparable via errors.Is (e.g. errors.Is(err, blitzio.CodePeerClosed)).
func (c Code) Error() string { return string(c) }

// NewError creates a structured error with no errno attached.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a kernel errno.
func NewErrorWithErrno(op string, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps an arbitrary error with engine context, mapping syscall
// errnos to the taxonomy in §7 of the design.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if be, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: be.Code, Errno: be.Errno, Msg: be.Msg, Inner: be.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeInternalError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a completion's negated errno to the error taxonomy;
// ECONNRESET/ENOTCONN are peer-closed, everything else is internal-error.
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ECONNRESET, syscall.ENOTCONN, syscall.EPIPE:
		return CodePeerClosed
	default:
		return CodeInternalError
	}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
