package formula

import (
	"errors"
	"fmt"
)

// AppErrorCode represents gRPC-style error codes for application-level errors.
// codes that don't make sense for an in-process engine, like unauthenticated,
// are skipped.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Unknown error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates the caller specified an invalid argument,
	// such as formula text that cannot be tokenized.
	InvalidArgument AppErrorCode = 3

	// NotFound means some requested entity (e.g., unit or sheet) was not
	// found.
	NotFound AppErrorCode = 5

	// FailedPrecondition indicates the operation was rejected because the
	// engine is not in a state required for it, e.g. a calculation is
	// already running.
	FailedPrecondition AppErrorCode = 9

	// Internal errors. means some invariant expected by the engine has been
	// broken, e.g. a dependency node with neither AST nor feature callback.
	Internal AppErrorCode = 13
)

var appErrorCodeNames = map[AppErrorCode]string{
	OK:                 "ok",
	Unknown:            "unknown",
	InvalidArgument:    "invalid argument",
	NotFound:           "not found",
	FailedPrecondition: "failed precondition",
	Internal:           "internal",
}

func (c AppErrorCode) String() string {
	if s, ok := appErrorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// AppError represents errors at the application level (not formula
// error values). Err is the sentinel the error matches with errors.Is.
type AppError struct {
	Code    AppErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewApplicationError creates a new application error wrapping a sentinel
func NewApplicationError(code AppErrorCode, sentinel error, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     sentinel,
	}
}

var (
	// ErrLexical is matched by every tokenizer failure.
	ErrLexical = errors.New("lexical error")
	// ErrExecutionInProgress is returned when Execute is called while a
	// previous execution has not finished.
	ErrExecutionInProgress = errors.New("formula execution already in progress")
	// ErrInvalidDependencyNode is returned when a dependency node carries
	// both or neither of an AST and a dirty-data callback.
	ErrInvalidDependencyNode = errors.New("invalid dependency node")
	// ErrUnitNotFound is returned when a unit cannot be resolved.
	ErrUnitNotFound = errors.New("unit not found")
	// ErrSheetNotFound is returned when a sheet cannot be resolved.
	ErrSheetNotFound = errors.New("sheet not found")
	// ErrInvalidCell is returned for coordinates outside the grid or values
	// a cell cannot hold.
	ErrInvalidCell = errors.New("invalid cell")
	// ErrInvalidConfig is returned for configuration values out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LexError describes where tokenization failed
type LexError struct {
	Pos int
	Msg string
}

func newLexError(pos int, msg string) *LexError {
	return &LexError{Pos: pos, Msg: msg}
}

func (e *LexError) Error() string {
	return fmt.Sprintf("%s at position %d", e.Msg, e.Pos)
}

func (e *LexError) Unwrap() error {
	return ErrLexical
}
