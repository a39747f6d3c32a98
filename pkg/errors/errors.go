package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Orchestrator-specific codes (§7).
	CodeBusy               ErrorCode = "BUSY"                // per-conversation lock not acquired within T_lock
	CodeOverloaded         ErrorCode = "OVERLOADED"           // tier semaphore not acquired within T_admit
	CodeUpstreamTransient  ErrorCode = "UPSTREAM_TRANSIENT"   // retryable provider error, retries exhausted mid-chain
	CodeUpstreamFailed     ErrorCode = "UPSTREAM_FAILED"      // every tier in the fallback chain failed
	CodeUpstreamPolicy     ErrorCode = "UPSTREAM_POLICY"      // non-retryable provider error (4xx, content policy)
	CodeContextBuildFailed ErrorCode = "CONTEXT_BUILD_FAILED" // window assembly failed even after truncation fallback
	CodePersistFailed      ErrorCode = "PERSIST_FAILED"       // assistant message could not be committed
	CodeCancelled          ErrorCode = "CANCELLED"            // caller cancelled the request
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Kind    string // optional finer-grained reason within Code, e.g. "query_too_long" under CodeInvalidInput
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewQueryTooLongError reports that a query's own token count exceeds the
// tier's usable context budget (W_large - R_reserve) before any history is
// even considered (§8 query_too_long).
func NewQueryTooLongError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Kind: "query_too_long", Message: message}
}

// IsQueryTooLong reports whether err is the query_too_long AppError.
func IsQueryTooLong(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput && appErr.Kind == "query_too_long"
	}
	return false
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// NewBusyError reports that a per-conversation lock could not be acquired in time.
func NewBusyError(message string) *AppError {
	return &AppError{Code: CodeBusy, Message: message}
}

// NewOverloadedError reports that a tier's concurrency semaphore stayed full past T_admit.
func NewOverloadedError(message string) *AppError {
	return &AppError{Code: CodeOverloaded, Message: message}
}

// NewUpstreamTransientError wraps a retryable provider failure.
func NewUpstreamTransientError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstreamTransient, Message: message, Err: cause}
}

// NewUpstreamFailedError reports that every tier in a fallback chain failed.
func NewUpstreamFailedError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstreamFailed, Message: message, Err: cause}
}

// NewUpstreamPolicyError wraps a non-retryable provider failure (bad request, content policy).
func NewUpstreamPolicyError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstreamPolicy, Message: message, Err: cause}
}

// NewContextBuildFailedError reports that context window assembly failed even after the truncation fallback.
func NewContextBuildFailedError(message string, cause error) *AppError {
	return &AppError{Code: CodeContextBuildFailed, Message: message, Err: cause}
}

// NewPersistFailedError reports that the assistant's turn could not be committed.
func NewPersistFailedError(message string, cause error) *AppError {
	return &AppError{Code: CodePersistFailed, Message: message, Err: cause}
}

// NewCancelledError reports that the caller cancelled the request.
func NewCancelledError(message string) *AppError {
	return &AppError{Code: CodeCancelled, Message: message}
}

// NewUnauthorizedError reports that the caller does not own the resource it
// is trying to act on (§7 Unauthorized).
func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message}
}

// IsUnauthorized reports whether err is an Unauthorized AppError.
func IsUnauthorized(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeUnauthorized
	}
	return false
}

// IsOverloaded reports whether err is an Overloaded AppError.
func IsOverloaded(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeOverloaded
	}
	return false
}

// IsUpstreamFailed reports whether err is an UpstreamFailed AppError.
func IsUpstreamFailed(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeUpstreamFailed
	}
	return false
}
