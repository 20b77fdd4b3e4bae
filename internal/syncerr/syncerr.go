// Package syncerr classifies failures raised while syncing calls and recordings.
// Every error that crosses a package boundary in the sync path is either a
// *Error or wraps one, so callers decide retry policy with KindOf.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of a sync error
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindTransientNetwork  Kind = "transient_network"   // timeout, connection reset, 5xx
	KindServerRejected    Kind = "server_rejected"     // 4xx validation error
	KindLocalIO           Kind = "local_io"            // store or file system failure
	KindConflictIgnored   Kind = "conflict_ignored"    // server kept a newer version
	KindRecordingNotFound Kind = "recording_not_found" // locator exhausted every tier
)

// Op names the operation that failed
type Op string

const (
	OpPull     Op = "pull"
	OpPush     Op = "push"
	OpStart    Op = "start_call"
	OpChunk    Op = "upload_chunk"
	OpFinalize Op = "finalize_upload"
	OpLocate   Op = "locate"
	OpCompress Op = "compress"
	OpStore    Op = "store"
	OpConfig   Op = "fetch_config"
)

// Error is a classified sync failure
type Error struct {
	Kind Kind
	Op   Op
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, ErrConflictIgnored) works
// regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrTransientNetwork  = &Error{Kind: KindTransientNetwork}
	ErrServerRejected    = &Error{Kind: KindServerRejected}
	ErrLocalIO           = &Error{Kind: KindLocalIO}
	ErrConflictIgnored   = &Error{Kind: KindConflictIgnored}
	ErrRecordingNotFound = &Error{Kind: KindRecordingNotFound}
)

// New wraps err with a kind and operation.
func New(kind Kind, op Op, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps a retryable network failure
func Transient(op Op, err error) *Error {
	return New(KindTransientNetwork, op, err)
}

// Rejected wraps a permanent server rejection
func Rejected(op Op, err error) *Error {
	return New(KindServerRejected, op, err)
}

// LocalIO wraps a local storage failure
func LocalIO(op Op, err error) *Error {
	return New(KindLocalIO, op, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Retryable reports whether a later attempt may succeed without user action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindLocalIO, KindUnknown:
		return true
	}
	return false
}
