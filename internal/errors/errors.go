// Package errors provides the error taxonomy shared by the control room core.
// It defines sentinel errors, typed errors carrying per-subsystem context,
// and classification helpers used to decide whether a failure can be retried
// or shown to a user.
//
// # Error Types
//
// Plan errors are local to a single project:
//   - ParseError: a plan document could not be parsed
//   - UpdateError: a status edit targeted a missing or ambiguous task
//   - WriteFailure: a queued write could not be persisted
//
// Session errors come from the scripting endpoint:
//   - SessionError: wraps ErrDisconnected or ErrSessionNotFound
//   - SpawnFailure: session or layout creation failed part way through
//
// Semantic errors cover lookups and input checks:
//   - NotFoundError: a named project, template or layout does not exist
//   - ValidationError: invalid input
//
// # Usage
//
//	err := errors.Disconnected("send_text").WithSessionID("pane-3")
//	if errors.Is(err, errors.ErrDisconnected) && errors.IsRetryable(err) { ... }
//
//	var spawnErr *errors.SpawnFailure
//	if errors.As(err, &spawnErr) {
//	    cleanup(spawnErr.Created)
//	}
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Plan-related sentinel errors
var (
	// ErrMalformedPlan indicates that a plan document could not be parsed.
	ErrMalformedPlan = New("malformed plan document")
	// ErrTaskNotFound indicates that no task line carries the requested id.
	ErrTaskNotFound = New("task not found")
	// ErrAmbiguousMatch indicates that more than one task line carries the requested id.
	ErrAmbiguousMatch = New("ambiguous task match")
	// ErrWriteFailed indicates that a plan write could not be persisted.
	ErrWriteFailed = New("plan write failed")
	// ErrQueueClosed indicates that the write queue no longer accepts operations.
	ErrQueueClosed = New("write queue closed")
)

// Session-related sentinel errors
var (
	// ErrDisconnected indicates that the scripting endpoint connection is down.
	ErrDisconnected = New("scripting endpoint disconnected")
	// ErrSessionNotFound indicates that the target session no longer exists.
	ErrSessionNotFound = New("session not found")
	// ErrSpawnFailed indicates that a session or layout could not be created.
	ErrSpawnFailed = New("session spawn failed")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotFound indicates that a named resource does not exist.
	ErrNotFound = New("not found")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ControlRoomError is the interface implemented by every typed error in this
// package.
type ControlRoomError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

func formatPrefix(kind string, parts []string) string {
	if len(parts) == 0 {
		return kind
	}
	return fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Plan Errors
// -----------------------------------------------------------------------------

// ParseError reports a malformed plan document. The document on disk is left
// untouched.
//
// Example:
//
//	err := errors.NewParseError("unknown status \"done\"", 7).WithPath("PLAN.md")
//	fmt.Println(err) // "parse error [path=PLAN.md, line=7]: unknown status \"done\""
type ParseError struct {
	baseError
	Path   string
	Line   int
	Reason string
}

// NewParseError creates a ParseError for a 1-based line number. A line of 0
// means the error is not tied to a single line.
func NewParseError(reason string, line int) *ParseError {
	return &ParseError{
		baseError: baseError{
			message:    reason,
			cause:      ErrMalformedPlan,
			severity:   SeverityWarning,
			userFacing: true,
		},
		Line:   line,
		Reason: reason,
	}
}

// WithPath adds the document path to the error context.
func (e *ParseError) WithPath(path string) *ParseError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *ParseError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line=%d", e.Line))
	}
	return fmt.Sprintf("%s: %s", formatPrefix("parse error", parts), e.Reason)
}

// Is checks if this error matches the target.
func (e *ParseError) Is(target error) bool {
	if _, ok := target.(*ParseError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// UpdateKind classifies why a status edit could not be applied.
type UpdateKind int

const (
	// TaskNotFound means no task line carries the id.
	TaskNotFound UpdateKind = iota
	// AmbiguousMatch means more than one task line carries the id.
	AmbiguousMatch
)

// String returns the string representation of the kind.
func (k UpdateKind) String() string {
	switch k {
	case TaskNotFound:
		return "task_not_found"
	case AmbiguousMatch:
		return "ambiguous_match"
	default:
		return "unknown"
	}
}

// UpdateError reports a status edit that matched zero or several task lines.
// No bytes are written when it is returned.
type UpdateError struct {
	baseError
	TaskID string
	Kind   UpdateKind
	Path   string
}

// NewUpdateError creates an UpdateError of the given kind.
func NewUpdateError(taskID string, kind UpdateKind) *UpdateError {
	cause := ErrTaskNotFound
	if kind == AmbiguousMatch {
		cause = ErrAmbiguousMatch
	}
	return &UpdateError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot update task %q", taskID),
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
		TaskID: taskID,
		Kind:   kind,
	}
}

// WithPath adds the document path to the error context.
func (e *UpdateError) WithPath(path string) *UpdateError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *UpdateError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	parts = append(parts, fmt.Sprintf("kind=%s", e.Kind))
	return fmt.Sprintf("%s: %s: %v", formatPrefix("update error", parts), e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *UpdateError) Is(target error) bool {
	if _, ok := target.(*UpdateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WriteFailure reports an I/O failure while persisting a queued write.
//
// Example:
//
//	err := errors.NewWriteFailure("PLAN.md", fs.ErrPermission)
//	fmt.Println(err) // "write failure [path=PLAN.md]: permission denied"
type WriteFailure struct {
	baseError
	Path string
}

// NewWriteFailure creates a WriteFailure for path.
func NewWriteFailure(path string, cause error) *WriteFailure {
	return &WriteFailure{
		baseError: baseError{
			message:    "write failed",
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *WriteFailure) Error() string {
	prefix := formatPrefix("write failure", []string{fmt.Sprintf("path=%s", e.Path)})
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *WriteFailure) Is(target error) bool {
	if _, ok := target.(*WriteFailure); ok {
		return true
	}
	if target == ErrWriteFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Session Errors
// -----------------------------------------------------------------------------

// SessionError represents a failed call against the scripting endpoint.
//
// Example:
//
//	err := errors.NewSessionError("get_screen", errors.ErrSessionNotFound)
//	err = err.WithSessionID("abc123")
//	fmt.Println(err) // "session error [session=abc123]: get_screen: session not found"
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// Disconnected creates a retryable SessionError wrapping ErrDisconnected.
func Disconnected(op string) *SessionError {
	return NewSessionError(op, ErrDisconnected).
		WithSeverity(SeverityWarning).
		WithRetryable(true)
}

// SessionNotFound creates a SessionError wrapping ErrSessionNotFound. It is
// never retryable.
func SessionNotFound(op, sessionID string) *SessionError {
	return NewSessionError(op, ErrSessionNotFound).
		WithSessionID(sessionID).
		WithSeverity(SeverityWarning)
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithSeverity sets the error severity.
func (e *SessionError) WithSeverity(s Severity) *SessionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	prefix := formatPrefix("session error", parts)

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SpawnFailure reports a session or layout creation that failed. Created
// lists the session ids that were created before the failure so callers can
// close them.
type SpawnFailure struct {
	baseError
	Template string
	Created  []string
}

// NewSpawnFailure creates a SpawnFailure.
func NewSpawnFailure(template string, created []string, cause error) *SpawnFailure {
	return &SpawnFailure{
		baseError: baseError{
			message:    "spawn failed",
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		Template: template,
		Created:  append([]string(nil), created...),
	}
}

// Error returns the formatted error message.
func (e *SpawnFailure) Error() string {
	var parts []string
	if e.Template != "" {
		parts = append(parts, fmt.Sprintf("template=%s", e.Template))
	}
	if len(e.Created) > 0 {
		parts = append(parts, fmt.Sprintf("created=%s", strings.Join(e.Created, "|")))
	}
	prefix := formatPrefix("spawn failure", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SpawnFailure) Is(target error) bool {
	if _, ok := target.(*SpawnFailure); ok {
		return true
	}
	if target == ErrSpawnFailed {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a named resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("template", "editor")
//	fmt.Println(err) // "template 'editor' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			cause:      ErrNotFound,
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			cause:      ErrInvalidInput,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return fmt.Sprintf("%s: %s", formatPrefix("validation error", parts), e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry, such as a dropped endpoint connection.
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    waitForReconnect()
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var crErr ControlRoomError
	if As(err, &crErr) {
		return crErr.IsRetryable()
	}

	return Is(err, ErrDisconnected)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var crErr ControlRoomError
	if As(err, &crErr) {
		return crErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ControlRoomError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var crErr ControlRoomError
	if As(err, &crErr) {
		return crErr.Severity()
	}
	return SeverityError
}

// IsPlanError returns true if the error is local to a single project's plan
// (ParseError, UpdateError, or WriteFailure).
func IsPlanError(err error) bool {
	if err == nil {
		return false
	}

	var parseErr *ParseError
	var updateErr *UpdateError
	var writeErr *WriteFailure

	return As(err, &parseErr) || As(err, &updateErr) || As(err, &writeErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
