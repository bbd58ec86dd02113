package backup

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies engine failures so callers can react to them without
// matching on message text.
type ErrorCode string

const (
	ErrResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrAlreadyAttached     ErrorCode = "ALREADY_ATTACHED"
	ErrAlreadyMounted      ErrorCode = "ALREADY_MOUNTED"
	ErrNotAttached         ErrorCode = "NOT_ATTACHED"
	ErrMountFailed         ErrorCode = "MOUNT_FAILED"
	ErrFormatFailed        ErrorCode = "FORMAT_FAILED"
	ErrPartitionFailed     ErrorCode = "PARTITION_FAILED"
	ErrSyncFailed          ErrorCode = "SYNC_FAILED"
	ErrSyncWarning         ErrorCode = "SYNC_WARNING"
	ErrIdentityMismatch    ErrorCode = "IDENTITY_MISMATCH"
	ErrInterrupted         ErrorCode = "INTERRUPTED"
	ErrPermission          ErrorCode = "PERMISSION"
	ErrInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrEstimateFailed      ErrorCode = "ESTIMATE_FAILED"
	ErrCommandFailed       ErrorCode = "COMMAND_FAILED"
)

// Error is a coded engine error. Op names the step that failed.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Details map[string]string
	Wrapped error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", e.Code)
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Details[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if e.Wrapped != nil {
		fmt.Fprintf(&b, ": %v", e.Wrapped)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithOp sets the failed step name.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetail attaches a key/value detail shown in the message.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value, or "" when absent.
func (e *Error) Detail(key string) string {
	return e.Details[key]
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Wrapped: err}
}

func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
