// Package errors provides the structured error taxonomy shared by every iquestfs component.
//
// Errors carry a Kind (the coarse class callers branch on) and an ErrorCode (the precise
// condition). Conversion to POSIX errno values happens only at the filesystem boundary,
// through Errno.
package errors

import (
	stderr "errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// Kind is the coarse class of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindTransport
	KindAuth
	KindNotFound
	KindResourceExhausted
	KindLocalIO
	KindMalformed
	KindConflict
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindTransport:         "transport",
	KindAuth:              "auth",
	KindNotFound:          "not_found",
	KindResourceExhausted: "resource_exhausted",
	KindLocalIO:           "local_io",
	KindMalformed:         "malformed",
	KindConflict:          "conflict",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrorCode identifies a specific failure condition.
type ErrorCode string

const (
	// Transport
	ErrCodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeRemoteIO          ErrorCode = "REMOTE_IO"

	// Auth
	ErrCodeConnectFailed     ErrorCode = "CONNECT_FAILED"
	ErrCodeCredentialExpired ErrorCode = "CREDENTIAL_EXPIRED"
	ErrCodeCredentialAcquire ErrorCode = "CREDENTIAL_ACQUIRE"
	ErrCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"

	// Not found
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeNotDirectory ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory  ErrorCode = "IS_DIRECTORY"

	// Resource exhaustion
	ErrCodeOutOfDescriptors ErrorCode = "OUT_OF_DESCRIPTORS"
	ErrCodePoolClosed       ErrorCode = "POOL_CLOSED"
	ErrCodeWaitCanceled     ErrorCode = "WAIT_CANCELED"

	// Local storage
	ErrCodeLocalIO ErrorCode = "LOCAL_IO"

	// Malformed input
	ErrCodeInvalidPath   ErrorCode = "INVALID_PATH"
	ErrCodeInvalidQuery  ErrorCode = "INVALID_QUERY"
	ErrCodeBadDescriptor ErrorCode = "BAD_DESCRIPTOR"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeNotSupported  ErrorCode = "NOT_SUPPORTED"

	// Conflict
	ErrCodeExists   ErrorCode = "EXISTS"
	ErrCodeNotEmpty ErrorCode = "NOT_EMPTY"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
)

var codeKinds = map[ErrorCode]Kind{
	ErrCodeConnectionLost:    KindTransport,
	ErrCodeNetworkError:      KindTransport,
	ErrCodeMalformedResponse: KindTransport,
	ErrCodeRemoteIO:          KindTransport,
	ErrCodeConnectFailed:     KindAuth,
	ErrCodeCredentialExpired: KindAuth,
	ErrCodeCredentialAcquire: KindAuth,
	ErrCodePermissionDenied:  KindAuth,
	ErrCodeNotFound:          KindNotFound,
	ErrCodeNotDirectory:      KindNotFound,
	ErrCodeIsDirectory:       KindNotFound,
	ErrCodeOutOfDescriptors:  KindResourceExhausted,
	ErrCodePoolClosed:        KindResourceExhausted,
	ErrCodeWaitCanceled:      KindResourceExhausted,
	ErrCodeLocalIO:           KindLocalIO,
	ErrCodeInvalidPath:       KindMalformed,
	ErrCodeInvalidQuery:      KindMalformed,
	ErrCodeBadDescriptor:     KindMalformed,
	ErrCodeInvalidConfig:     KindMalformed,
	ErrCodeNotSupported:      KindMalformed,
	ErrCodeExists:            KindConflict,
	ErrCodeNotEmpty:          KindConflict,
	ErrCodeInternal:          KindInternal,
}

// KindForCode returns the kind a code belongs to.
func KindForCode(code ErrorCode) Kind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindInternal
}

// Error is a structured error with context.
type Error struct {
	Code    ErrorCode
	Kind    Kind
	Message string

	Component string
	Operation string
	Path      string
	Context   map[string]string

	// Errno is set for local I/O failures so the original OS code survives to the boundary.
	Errno syscall.Errno

	Cause     error
	Timestamp time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	switch {
	case e.Component != "" && e.Operation != "":
		fmt.Fprintf(&b, "[%s:%s] ", e.Component, e.Operation)
	case e.Component != "":
		fmt.Fprintf(&b, "[%s] ", e.Component)
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Kind=%s", e.Kind),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path=%s", e.Path))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("Errno=%d", int(e.Errno)))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates an error for code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Kind:      KindForCode(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error for code with cause attached.
func Wrap(code ErrorCode, cause error, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// WithContext adds a key/value pair of context.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithPath sets the path the error refers to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// FromLocal wraps a local filesystem error as KindLocalIO, keeping its errno.
// Errors that are already *Error are returned unchanged.
func FromLocal(err error, operation, path string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderr.As(err, &e) {
		return err
	}
	wrapped := Wrap(ErrCodeLocalIO, err, "local storage failure").
		WithOperation(operation).
		WithPath(path)
	var errno syscall.Errno
	if stderr.As(err, &errno) {
		wrapped.Errno = errno
	}
	return wrapped
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if stderr.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err; errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or "" if err is outside the taxonomy.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsTransport reports whether err is safe to reconnect and retry.
func IsTransport(err error) bool { return err != nil && KindOf(err) == KindTransport }

// IsAuth reports whether err is a credential or permission failure.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsNotFound reports whether err means the remote path is absent or of the wrong type.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsResourceExhausted reports descriptor or connection exhaustion.
func IsResourceExhausted(err error) bool {
	return err != nil && KindOf(err) == KindResourceExhausted
}

// IsMalformed reports invalid input.
func IsMalformed(err error) bool { return err != nil && KindOf(err) == KindMalformed }
