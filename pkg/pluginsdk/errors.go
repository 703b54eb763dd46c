package pluginsdk

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable machine-readable classification for plugin errors.
type ErrorKind string

const (
	// KindValidation indicates a malformed manifest, state, or config.
	KindValidation ErrorKind = "validation"

	// KindPermissionDenied indicates a capability was not granted.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindPathTraversal indicates a path escaped the plugin's directory.
	KindPathTraversal ErrorKind = "path_traversal"

	// KindTimeout indicates no RPC response arrived within the deadline.
	KindTimeout ErrorKind = "timeout"

	// KindSandboxInit indicates the sandbox worker failed to start.
	KindSandboxInit ErrorKind = "sandbox_init"

	// KindNotFound indicates an operation on an unknown plugin id.
	KindNotFound ErrorKind = "not_found"

	// KindNotAvailable indicates the plugin is installed but not enabled.
	KindNotAvailable ErrorKind = "not_available"

	// KindRegistry indicates a registry/catalog failure.
	KindRegistry ErrorKind = "registry"
)

// Error is the structured error returned by every public plugin operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is works against a bare-kind target.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// NewError builds a structured plugin error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf builds a structured plugin error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error kind, or an empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
