// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package errors carries the error taxonomy of the UPF control plane.
// Every fallible control-plane operation returns a kind-tagged error;
// the PFCP dispatcher maps the kind onto a cause code, and the data
// plane never sees these at all (per-packet failures become drop
// counters instead).
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind categorises an error for cause-code translation.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAlreadyExists
	KindNotFound
	KindInvalidArgument
	KindCompile
	KindResourceExhausted
	KindMalformedPacket
	KindOuterHeaderMismatch
	KindUnsupported
	kindMax
)

var kindNames = [kindMax]string{
	KindUnknown:             "unknown",
	KindAlreadyExists:       "already_exists",
	KindNotFound:            "not_found",
	KindInvalidArgument:     "invalid_argument",
	KindCompile:             "compile_error",
	KindResourceExhausted:   "resource_exhausted",
	KindMalformedPacket:     "malformed_packet",
	KindOuterHeaderMismatch: "outer_header_mismatch",
	KindUnsupported:         "unsupported",
}

func (k Kind) String() string {
	if k >= kindMax {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Error is a kind-tagged error. Construct through the helpers below;
// the kind is read back with GetKind.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and context. A nil err stays
// nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// Wrapf is Wrap with a formatted context message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Compile builds a compile-kind error carrying the regex engine
// diagnostic verbatim, so a rejected rule update reports what the
// engine actually objected to.
func Compile(diag string) error {
	return &Error{kind: KindCompile, msg: "regex compile failed: " + diag}
}

// GetKind returns the outermost kind in err's chain, or KindUnknown
// for errors that did not originate here.
func GetKind(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}
