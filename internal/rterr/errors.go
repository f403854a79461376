// Package rterr defines the runtime's fatal-by-default error kinds, per
// this design ("Error handling design"). None of these are retried by the
// core; they are tagged with stack context via github.com/pkg/errors and
// propagated to the caller, who decides whether to abort the process.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a runtime error per this design
type Kind int

const (
	// KindInvariant: programmer invariant violation — overlapping writes
	// without reduction, conflicting side-effect orders, submitting after
	// shutdown. Fatal.
	KindInvariant Kind = iota
	// KindTransport: message-layer send/recv failure. Fatal.
	KindTransport
	// KindCapacity: frame/buffer allocation failure. Fatal.
	KindCapacity
	// KindTaskFailed: a host task failed; surfaced at the sync/fence call
	// site the error is local to. Not process-fatal by itself.
	KindTaskFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvariant:
		return "invariant"
	case KindTransport:
		return "transport"
	case KindCapacity:
		return "capacity"
	case KindTaskFailed:
		return "task-failed"
	default:
		return "unknown"
	}
}

// Error is the runtime's typed error value.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Fatal reports whether the error kind always requires process
// termination after a best-effort log (this design).
func (e *Error) Fatal() bool { return e.Kind != KindTaskFailed }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: errors.New(fmt.Sprintf(format, args...))}
}

// Invariant reports a programmer invariant violation.
func Invariant(format string, args ...any) *Error { return newErr(KindInvariant, format, args...) }

// Transport wraps a message-layer failure.
func Transport(cause error, format string, args ...any) *Error {
	e := newErr(KindTransport, format, args...)
	e.err = errors.Wrap(cause, e.msg)
	return e
}

// Capacity reports a frame/buffer allocation failure.
func Capacity(format string, args ...any) *Error { return newErr(KindCapacity, format, args...) }

// TaskFailed wraps a user-observable host task failure, surfaced at a
// fence/sync call site.
func TaskFailed(cause error, format string, args ...any) *Error {
	e := newErr(KindTaskFailed, format, args...)
	e.err = errors.Wrap(cause, e.msg)
	return e
}

// Is reports whether err is an *Error of the given kind (for errors.Is-style
// callers that only care about the kind).
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
