package empkg

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. Every kind aborts the pipeline.
type Kind string

const (
	ConfigError             Kind = "CONFIG"
	DependencyInstallError  Kind = "DEPENDENCY_INSTALL"
	SourceFetchError        Kind = "SOURCE_FETCH"
	PathTraversalError      Kind = "PATH_TRAVERSAL"
	UnsupportedSourceError  Kind = "UNSUPPORTED_SOURCE"
	StageExecutionError     Kind = "STAGE_EXECUTION"
	PackagerInvocationError Kind = "PACKAGER_INVOCATION"
	ChecksumMismatchError   Kind = "CHECKSUM_MISMATCH"
)

// Error is the structured error returned by every pipeline component.
type Error struct {
	Kind    Kind
	Message string
	Stage   string
	Command string
	Stdout  string
	Stderr  string
	Details map[string]any
	Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage %s:", e.Stage)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if e.Wrapped != nil {
		fmt.Fprintf(&b, ": %v", e.Wrapped)
	}
	return b.String()
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Diagnostic renders the error with captured output for a human reader.
func (e *Error) Diagnostic() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.Command != "" {
		fmt.Fprintf(&b, "\ncommand: %s", e.Command)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", s)
	}
	return b.String()
}

// NewError creates an *Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err; it returns nil when err is nil.
func WrapError(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// StageFailed reports a lifecycle script that exited non-zero.
func StageFailed(stage, command, stdout, stderr string, err error) *Error {
	return &Error{
		Kind:    StageExecutionError,
		Message: "script failed",
		Stage:   stage,
		Command: command,
		Stdout:  stdout,
		Stderr:  stderr,
		Wrapped: err,
	}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
