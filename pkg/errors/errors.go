// Package errors defines the single error taxonomy used across the daemon
// core. Every failure that crosses a component boundary is represented as
// an *Error carrying one of the Kind values below, so a caller at any layer
// can make the same retry/surface decision without inspecting driver-specific
// error types.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independently of which component raised it.
type Kind string

const (
	NotFound            Kind = "not_found"
	AlreadyExists       Kind = "already_exists"
	InvalidSpec         Kind = "invalid_spec"
	PermissionDenied    Kind = "permission_denied"
	ResourceExhausted   Kind = "resource_exhausted"
	Timeout             Kind = "timeout"
	RuntimeUnavailable  Kind = "runtime_unavailable"
	RuntimeExecFailed   Kind = "runtime_exec_failed"
	CgroupOp            Kind = "cgroup_op"
	NamespaceOp         Kind = "namespace_op"
	NetworkOp           Kind = "network_op"
	PortAllocFail       Kind = "port_alloc_fail"
	StorageOp           Kind = "storage_op"
	CheckpointFailed    Kind = "checkpoint_failed"
	RestoreFailed       Kind = "restore_failed"
	Io                  Kind = "io"
	Serialization       Kind = "serialization"
	Internal            Kind = "internal"
)

// Error is the sole error type that crosses a component boundary in the
// daemon core. Fields beyond Kind/Message carry enough context to be the
// sole argument to a user-visible message.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errors.New(errors.NotFound, "")) style checks, or use
// the KindOf and NotFoundErr helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an *Error with no underlying cause.
func New(kind Kind, msg string, fields ...Field) *Error {
	return &Error{Kind: kind, Message: msg, Fields: collect(fields)}
}

// Wrap attaches a Kind to an underlying error from an adapter (I/O, JSON,
// HTTP client, etc.), translating it to the nearest taxonomy member.
func Wrap(kind Kind, cause error, msg string, fields ...Field) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, Fields: collect(fields)}
}

// Field is a key/value pair attached to an Error for structured context.
type Field struct {
	Key   string
	Value any
}

func F(key string, value any) Field { return Field{Key: key, Value: value} }

func collect(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not wrap an *Error (an adapter bug, not a taxonomy member).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether a caller may re-issue the operation verbatim
// after backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, ResourceExhausted, Io:
		return true
	default:
		return false
	}
}

// NotFoundErr reports whether err (or a wrapped cause) is a NotFound.
func NotFoundErr(err error) bool { return KindOf(err) == NotFound }

// Helper constructors for the common failure shapes raised across the
// daemon core.

func ErrNotFound(resource, id string) *Error {
	return New(NotFound, fmt.Sprintf("%s %q not found", resource, id), F("resource", resource), F("id", id))
}

func ErrAlreadyExists(resource, id string) *Error {
	return New(AlreadyExists, fmt.Sprintf("%s %q already exists", resource, id), F("resource", resource), F("id", id))
}

func ErrInvalidSpec(field, reason string) *Error {
	return New(InvalidSpec, fmt.Sprintf("invalid spec field %q: %s", field, reason), F("field", field), F("reason", reason))
}

func ErrPermissionDenied(op, need string) *Error {
	return New(PermissionDenied, fmt.Sprintf("%s requires %s", op, need), F("op", op), F("need", need))
}

func ErrResourceExhausted(resource string, limit, requested int64) *Error {
	return New(ResourceExhausted, fmt.Sprintf("%s exhausted: requested %d, limit %d", resource, requested, limit),
		F("resource", resource), F("limit", limit), F("requested", requested))
}

func ErrTimeout(op string, ms int64) *Error {
	return New(Timeout, fmt.Sprintf("%s timed out after %dms", op, ms), F("op", op), F("ms", ms))
}

func ErrRuntimeUnavailable(name, path string) *Error {
	return New(RuntimeUnavailable, fmt.Sprintf("runtime %q unavailable at %q", name, path), F("name", name), F("path", path))
}

func ErrRuntimeExecFailed(stderr string) *Error {
	return New(RuntimeExecFailed, "runtime command failed", F("stderr", stderr))
}

func ErrCgroupOp(op, reason string) *Error {
	return New(CgroupOp, fmt.Sprintf("cgroup %s failed: %s", op, reason), F("op", op))
}

func ErrNamespaceOp(ns, reason string) *Error {
	return New(NamespaceOp, fmt.Sprintf("namespace %s failed: %s", ns, reason), F("namespace", ns))
}

func ErrNetworkOp(reason string) *Error {
	return New(NetworkOp, reason)
}

func ErrPortAllocFail(preferred int) *Error {
	return New(PortAllocFail, fmt.Sprintf("no port available (preferred %d)", preferred), F("preferred", preferred))
}

func ErrStorageOp(reason string) *Error {
	return New(StorageOp, reason)
}

func ErrCheckpointFailed(reason string) *Error {
	return New(CheckpointFailed, reason)
}

func ErrRestoreFailed(reason string) *Error {
	return New(RestoreFailed, reason)
}
