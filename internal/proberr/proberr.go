// Package proberr classifies dispatch/session failures into the fixed set
// of kinds the HTTP API and CLI surface expose. Every error the dispatcher
// and supervisor produce that should be visible to a caller is constructed
// here. Lower layers that know the kind (container, staging) build a
// *Error themselves; others return plain wrapped errors and the dispatcher
// attaches a Kind at the boundary.
package proberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the failure taxonomy.
type Kind string

const (
	InvalidRequest       Kind = "InvalidRequest"
	UnknownTarget        Kind = "UnknownTarget"
	UnknownProbe         Kind = "UnknownProbe"
	IncompatibleProbe    Kind = "IncompatibleProbe"
	InvalidTransport     Kind = "InvalidTransport"
	ProbeNotConnected    Kind = "ProbeNotConnected"
	ProbeBusy            Kind = "ProbeBusy"
	TemplateError        Kind = "TemplateError"
	ContainerStartFailed Kind = "ContainerStartFailed"
	ToolFailed           Kind = "ToolFailed"
	AttachTimeout        Kind = "AttachTimeout"
	ServerExited         Kind = "ServerExited"
	NotFound             Kind = "NotFound"
	Internal             Kind = "Internal"
)

// httpStatus maps each Kind to the HTTP status the API surface returns for it.
var httpStatus = map[Kind]int{
	InvalidRequest:       http.StatusBadRequest,
	UnknownTarget:        http.StatusNotFound,
	UnknownProbe:         http.StatusNotFound,
	IncompatibleProbe:    http.StatusBadRequest,
	InvalidTransport:     http.StatusBadRequest,
	ProbeNotConnected:    http.StatusServiceUnavailable,
	ProbeBusy:            http.StatusConflict,
	TemplateError:        http.StatusInternalServerError,
	ContainerStartFailed: http.StatusServiceUnavailable,
	ToolFailed:           http.StatusInternalServerError,
	NotFound:             http.StatusNotFound,
	Internal:             http.StatusInternalServerError,
}

// Error is the error type every dispatcher/supervisor-facing operation
// returns. Log carries captured tool output when relevant (§6).
type Error struct {
	Kind Kind
	Msg  string
	Log  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus returns the status code the §7 table assigns to this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs a Error with no wrapped cause.
func New(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

// Wrap constructs a Error wrapping an underlying error.
func Wrap(k Kind, msg string, err error) *Error { return &Error{Kind: k, Msg: msg, err: err} }

// WithLog attaches captured tool output (stdout/stderr) to the error.
func (e *Error) WithLog(log string) *Error {
	e.Log = log
	return e
}

// As reports whether err (or something it wraps) is a *Error of the given Kind.
func As(err error, k Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err isn't
// one of ours — the boundary should never surface a bare error to a client.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Internal
}

// CLIExitCode maps a Kind to the exit code the probe-status/probe-finder
// CLI surface (§6) promises: 0 ok, 1 no-match/refused, 2 invalid args.
func CLIExitCode(k Kind) int {
	switch k {
	case InvalidRequest:
		return 2
	case UnknownTarget, UnknownProbe, ProbeNotConnected, NotFound:
		return 1
	default:
		return 1
	}
}
