// Package hosterrors provides the error-kind taxonomy shared by every
// session-host component: shared memory, the pipe transport, the
// supervisor, and the device-session coordinator all wrap failures in
// a *HostError so callers can branch on Kind instead of matching
// strings.
package hosterrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrPluginRejected is the sentinel a caller wraps a plugin's
// {ok:false, error} reply around before passing it through Classify,
// so a plain rejection classifies as KindPluginError instead of
// KindUnknown.
var ErrPluginRejected = errors.New("plugin rejected request")

// Kind classifies a HostError into one of the propagation categories
// used throughout the session-host design.
type Kind string

const (
	// KindInvalidArgument marks malformed caller input: empty session
	// id, non-positive capacity, malformed schema.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound marks a reference to an unknown session, plugin, or
	// capability.
	KindNotFound Kind = "not_found"
	// KindOutOfCapacity marks a segment or frame request that exceeds
	// remaining mapping space.
	KindOutOfCapacity Kind = "out_of_capacity"
	// KindTimeout marks an IPC deadline that elapsed before a reply.
	KindTimeout Kind = "timeout"
	// KindProtocolError marks malformed JSON, a wire-version mismatch,
	// or a record-length/payload-length disagreement.
	KindProtocolError Kind = "protocol_error"
	// KindIOError marks a mapping-file or pipe operation failure.
	KindIOError Kind = "io_error"
	// KindPluginError marks a plugin reply of {ok:false, error}.
	KindPluginError Kind = "plugin_error"
	// KindCancelled marks an operation aborted by the shutdown token.
	KindCancelled Kind = "cancelled"
	// KindUnknown is the fallback for errors Classify cannot place.
	KindUnknown Kind = "unknown"
)

// HostError is the structured error type returned by session-host
// components. It identifies the component, the operation, the Kind
// used for propagation decisions, and the underlying cause.
type HostError struct {
	Kind      Kind
	Component string
	Operation string
	Err       error
}

// New creates a HostError with an explicit Kind.
func New(kind Kind, component, operation string, err error) *HostError {
	return &HostError{Kind: kind, Component: component, Operation: operation, Err: err}
}

// Error implements the error interface.
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s (%s): %v", e.Component, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("[%s] %s (%s)", e.Component, e.Operation, e.Kind)
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *HostError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a HostError with the same Kind, so
// callers can write errors.Is(err, hosterrors.New(KindTimeout, "", "", nil)).
func (e *HostError) Is(target error) bool {
	var other *HostError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err, returning KindUnknown if err is
// not (or does not wrap) a *HostError.
func KindOf(err error) Kind {
	var he *HostError
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindUnknown
}

// Classify maps an arbitrary error observed at a transport or OS
// boundary onto a Kind, for callers that did not originate the error
// as a HostError (a raw context.DeadlineExceeded from a pipe read, a
// *json.SyntaxError from a decode, an *os.PathError from a mapping
// file). Unrecognized errors classify as KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var he *HostError
	if errors.As(err, &he) {
		return he.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindProtocolError
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return KindIOError
	case errors.Is(err, ErrPluginRejected):
		return KindPluginError
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindProtocolError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindIOError
	}

	return KindUnknown
}

// Wrap classifies err (if it is not already a *HostError) and wraps it,
// returning nil when err is nil.
func Wrap(component, operation string, err error) error {
	if err == nil {
		return nil
	}
	var he *HostError
	if errors.As(err, &he) {
		return he
	}
	return New(Classify(err), component, operation, err)
}
