// Package errors provides the engine's error taxonomy.
//
//   - L1 sentinel errors: ErrNotFound / ErrInvalidInput / ErrTimeout, etc.
//   - L2 AppError: an Op + Code + Message application error
//   - L3 the five kinds the engine's contracts expose: ValidationError,
//     FileSystemError, LockTimeoutError, NotFoundError, and plain domain
//     error sentinels (duplicate flow, illegal transition, unknown role).
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ========================================
// L1 sentinel errors
// ========================================

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrTimeout      = errors.New("timeout")

	// ErrFlowExists is returned when initiateReplacement is called twice for
	// the same outgoing agent; a replacement flow is not idempotent.
	ErrFlowExists = errors.New("replacement flow already exists")

	// ErrNoActiveFlow is returned by forceHandoff/processSnapshot when no
	// flow is open for the agent.
	ErrNoActiveFlow = errors.New("no active replacement flow for agent")

	// ErrIllegalTransition is returned by the handoff manager when a
	// phase move is not in its fixed transition table.
	ErrIllegalTransition = errors.New("illegal task status transition")

	// ErrUnknownRole names a sender/recipient role that is not one of the
	// roles recognized by the message dialect. No engine package returns
	// it; inbox reports role violations as a ValidationError.
	ErrUnknownRole = errors.New("unknown role")
)

// ========================================
// L2 AppError
// ========================================

// AppError is an application-level error carrying operation context.
type AppError struct {
	Op      string // operation name, e.g. "Inbox.SendMessage"
	Code    string // short code, e.g. "VALIDATION", "FS_ERROR"
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func New(op, message string) error { return &AppError{Op: op, Message: message} }

func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// ========================================
// L3 — the five error kinds the engine's contracts expose
// ========================================

// ValidationError carries the path that failed validation (a sender role,
// a topology check, a message type) plus the individual detail strings.
type ValidationError struct {
	Path    string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Path)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Path, strings.Join(e.Details, "; "))
}

func NewValidationError(path string, details ...string) error {
	return &ValidationError{Path: path, Details: details}
}

// FileSystemError wraps an I/O failure with the path it was operating on.
type FileSystemError struct {
	FilePath string
	Cause    error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem error at %s: %v", e.FilePath, e.Cause)
}

func (e *FileSystemError) Unwrap() error { return e.Cause }

func NewFileSystemError(filePath string, cause error) error {
	return &FileSystemError{FilePath: filePath, Cause: cause}
}

// LockTimeoutError is returned when withFileLock exhausts its retry budget.
type LockTimeoutError struct {
	FilePath string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock on %s", e.FilePath)
}

func NewLockTimeoutError(filePath string) error {
	return &LockTimeoutError{FilePath: filePath}
}

// NotFoundError names the kind of resource and the id that was missing.
// Callers for whom "not found" is semantically optional (getTask, an empty
// inbox read) don't construct this — they return a zero value / nil / empty
// slice instead. This type is for operations where absence is an error:
// markMessageRead and deleteMessage on an unknown message id.
type NotFoundError struct {
	ResourceType string
	ResourceID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

func NewNotFoundError(resourceType, resourceID string) error {
	return &NotFoundError{ResourceType: resourceType, ResourceID: resourceID}
}
