// Package errors 定义统一错误码
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK              Code = "OK"
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidParam    Code = "INVALID_PARAM"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeSystemBusy      Code = "SYSTEM_BUSY"

	// 账本
	CodeInvalidBalance      Code = "INVALID_BALANCE"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// 账户与锁
	CodeUnknownAccount   Code = "UNKNOWN_ACCOUNT"
	CodeInvalidRecipient Code = "INVALID_TO"
	CodeAccountBusy      Code = "ACCOUNT_BUSY"
	CodeLockAcquisition  Code = "LOCK_ACQUISITION_FAILED"
	CodeLockRelease      Code = "LOCK_RELEASE_FAILED"

	// 交易所
	CodeCannotFillOrder      Code = "CANNOT_FILL_ORDER"
	CodeTotalPriceIncreased  Code = "TOTAL_PRICE_INCREASED"
	CodeInvalidNonce         Code = "INVALID_NONCE"
	CodeVenueError           Code = "VENUE_ERROR"
	CodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"
)

var defaultMessages = map[Code]string{
	CodeInvalidParam:        "invalid parameter",
	CodeNotFound:            "not found",
	CodeUnauthenticated:     "unauthenticated",
	CodeInternal:            "internal server error",
	CodeUnavailable:         "service unavailable",
	CodeTimeout:             "upstream timeout",
	CodeSystemBusy:          "system busy, please retry",
	CodeInvalidBalance:      "invalid balance",
	CodeInvalidState:        "invalid state",
	CodeIdempotencyConflict: "duplicate request",
	CodeAccountBusy:         "account busy, please retry",
}

// Coder 由携带错误码的领域错误实现
type Coder interface {
	ErrorCode() Code
}

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ErrorCode 实现 Coder
func (e *Error) ErrorCode() Code {
	return e.Code
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault 创建错误，message 为空时使用默认文案
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	if message == "" {
		message = string(code)
	}
	return New(code, message)
}

// From 将任意错误转换为对外错误，未知错误统一为 INTERNAL
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	var c Coder
	if stderrors.As(err, &c) {
		return New(c.ErrorCode(), err.Error())
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithDefault(CodeTimeout, "")
	}
	return NewWithDefault(CodeInternal, "")
}

// CodeOf 返回错误码，无法识别时返回 CodeUnknown
func CodeOf(err error) Code {
	var c Coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable,
		CodeAccountBusy, CodeLockAcquisition:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidBalance, CodeInvalidState,
		CodeUnknownAccount, CodeInvalidRecipient, CodeCannotFillOrder, CodeUnsupportedOperation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyConflict, CodeTotalPriceIncreased:
		return http.StatusConflict
	case CodeVenueError, CodeInvalidNonce:
		return http.StatusBadGateway
	case CodeAccountBusy, CodeLockAcquisition, CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
	ErrSystemBusy      = New(CodeSystemBusy, "system busy, please retry")
)
