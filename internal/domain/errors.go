package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrUnknownAction    = fmt.Errorf("unknown action kind")
	ErrInvalidAction    = fmt.Errorf("invalid action arguments")
	ErrNavigating       = fmt.Errorf("page is navigating")
	ErrBrowserStart     = fmt.Errorf("browser failed to start")
	ErrProposerNoAction = fmt.Errorf("proposer returned no action")
	ErrProposerOutput   = fmt.Errorf("proposer output failed validation")
	ErrActionBudget     = fmt.Errorf("exceeded max actions for phase")
	ErrRetriesExhausted = fmt.Errorf("phase retries exhausted")
	ErrBlocker          = fmt.Errorf("blocker condition")
	ErrRestartCap       = fmt.Errorf("attempt restart cap reached")
	ErrFixRejected      = fmt.Errorf("fix requires approval")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrResultNotFound   = fmt.Errorf("attempt result not found")
	ErrRateLimited      = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Controller.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeUnknownAction    ErrorCode = "UNKNOWN_ACTION"
	CodeInvalidAction    ErrorCode = "INVALID_ACTION"
	CodeNavigating       ErrorCode = "PAGE_NAVIGATING"
	CodeBrowserStart     ErrorCode = "BROWSER_START"
	CodeProposerNoAction ErrorCode = "PROPOSER_NO_ACTION"
	CodeProposerOutput   ErrorCode = "PROPOSER_OUTPUT"
	CodeActionBudget     ErrorCode = "ACTION_BUDGET_EXCEEDED"
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	CodeBlocker          ErrorCode = "BLOCKER"
	CodeRestartCap       ErrorCode = "RESTART_CAP"
	CodeFixRejected      ErrorCode = "FIX_REJECTED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeResultNotFound   ErrorCode = "RESULT_NOT_FOUND"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrUnknownAction:    CodeUnknownAction,
	ErrInvalidAction:    CodeInvalidAction,
	ErrNavigating:       CodeNavigating,
	ErrBrowserStart:     CodeBrowserStart,
	ErrProposerNoAction: CodeProposerNoAction,
	ErrProposerOutput:   CodeProposerOutput,
	ErrActionBudget:     CodeActionBudget,
	ErrRetriesExhausted: CodeRetriesExhausted,
	ErrBlocker:          CodeBlocker,
	ErrRestartCap:       CodeRestartCap,
	ErrFixRejected:      CodeFixRejected,
	ErrConfigLoad:       CodeConfigLoad,
	ErrResultNotFound:   CodeResultNotFound,
	ErrRateLimited:      CodeRateLimited,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
