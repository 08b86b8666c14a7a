package agenterr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code identifies the class of a failure
type Code string

const (
	CodeLLMAuth            Code = "llm_auth"
	CodeLLMRateLimit       Code = "llm_rate_limit"
	CodeLLMTimeout         Code = "llm_timeout"
	CodeLLMInvalidResponse Code = "llm_invalid_response"
	CodeLLMStream          Code = "llm_stream_error"
	CodeLLMGeneric         Code = "llm_error"
	CodeToolExecution      Code = "tool_execution"
	CodeToolTimeout        Code = "tool_timeout"
	CodeCancelled          Code = "cancelled"
	CodeInternal           Code = "internal"
)

// BaseError is the classified error shared by every specialization
type BaseError struct {
	Code        Code
	Message     string
	Recoverable bool
	Cause       error
}

// New creates a classified error
func New(code Code, message string, recoverable bool, cause error) *BaseError {
	return &BaseError{Code: code, Message: message, Recoverable: recoverable, Cause: cause}
}

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports the recoverable flag
func (e *BaseError) IsRecoverable() bool {
	return e.Recoverable
}

// ErrorCode returns the classification code
func (e *BaseError) ErrorCode() Code {
	return e.Code
}

// LLMError is raised at the language-model client boundary
type LLMError struct {
	BaseError
	Provider   string
	RetryAfter time.Duration
}

// ToolError is raised by the tool registry for a single call
type ToolError struct {
	BaseError
	Tool        string
	CanContinue bool
}

// CancelledError signals cooperative cancellation of a turn
type CancelledError struct {
	BaseError
	TurnID string
}

func newLLMError(code Code, provider, message string, recoverable bool, retryAfter time.Duration, cause error) *LLMError {
	return &LLMError{
		BaseError:  BaseError{Code: code, Message: message, Recoverable: recoverable, Cause: cause},
		Provider:   provider,
		RetryAfter: retryAfter,
	}
}

// NewAuthError creates a fatal authentication failure
func NewAuthError(provider string, cause error) *LLMError {
	return newLLMError(CodeLLMAuth, provider, "authentication failed", false, 0, cause)
}

// NewRateLimitError creates a recoverable rate-limit failure
func NewRateLimitError(provider string, retryAfter time.Duration, cause error) *LLMError {
	return newLLMError(CodeLLMRateLimit, provider, "rate limit exceeded", true, retryAfter, cause)
}

// NewTimeoutError creates a recoverable timeout failure
func NewTimeoutError(provider string, cause error) *LLMError {
	return newLLMError(CodeLLMTimeout, provider, "request timed out", true, 0, cause)
}

// NewInvalidResponseError creates a fatal malformed-response failure
func NewInvalidResponseError(provider, message string, cause error) *LLMError {
	return newLLMError(CodeLLMInvalidResponse, provider, message, false, 0, cause)
}

// NewStreamError creates a recoverable streaming failure
func NewStreamError(provider string, cause error) *LLMError {
	return newLLMError(CodeLLMStream, provider, "stream failed", true, 0, cause)
}

// NewLLMError creates a generic, non-recoverable model failure
func NewLLMError(provider, message string, cause error) *LLMError {
	return newLLMError(CodeLLMGeneric, provider, message, false, 0, cause)
}

// NewToolError creates a recoverable tool failure
func NewToolError(tool string, cause error) *ToolError {
	return &ToolError{
		BaseError:   BaseError{Code: CodeToolExecution, Message: fmt.Sprintf("tool %s failed", tool), Recoverable: true, Cause: cause},
		Tool:        tool,
		CanContinue: true,
	}
}

// NewToolTimeoutError creates a recoverable tool timeout
func NewToolTimeoutError(tool string, timeout time.Duration) *ToolError {
	return &ToolError{
		BaseError:   BaseError{Code: CodeToolTimeout, Message: fmt.Sprintf("tool %s timed out after %v", tool, timeout), Recoverable: true},
		Tool:        tool,
		CanContinue: true,
	}
}

// NewCancelledError creates the cancellation failure for a turn
func NewCancelledError(turnID string, cause error) *CancelledError {
	msg := "execution cancelled"
	if turnID != "" {
		msg = fmt.Sprintf("turn %s cancelled", turnID)
	}
	return &CancelledError{
		BaseError: BaseError{Code: CodeCancelled, Message: msg, Recoverable: false, Cause: cause},
		TurnID:    turnID,
	}
}

type recoverable interface {
	IsRecoverable() bool
}

type coded interface {
	ErrorCode() Code
}

// IsRecoverable reports whether err may be retried.
// Unclassified deadline errors count as recoverable, cancellation never does.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var r recoverable
	if errors.As(err, &r) {
		return r.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// CodeOf returns the classification code of err, or CodeInternal
func CodeOf(err error) Code {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

// IsCancelled reports whether err is a turn cancellation
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// RetryAfter returns the provider-suggested delay, if any
func RetryAfter(err error) time.Duration {
	var le *LLMError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}
