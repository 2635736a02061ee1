// Package errors 定义引导流水线使用的错误码。每个错误码对应固定的严重程度与
// 是否可重试，重试辅助函数与告警都据此判断。
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeConfiguration    Code = "CONFIGURATION"
	CodeTransient        Code = "TRANSIENT"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"
	CodeDiscoveryMiss    Code = "DISCOVERY_MISS"
	CodeTimeout          Code = "TIMEOUT"
	CodeChainReverted    Code = "CHAIN_REVERTED"
	CodeRuntimeFailure   Code = "RUNTIME_FAILURE"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeOwnerLocked      Code = "OWNER_LOCKED"
)

// 发现类错误不自动重试，由操作者重新运行流水线；回执 revert 不重发，避免
// 复用 nonce。
var attributes = map[Code]Attributes{
	CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical},
	CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo},
	CodeConfiguration:    {Message: "invalid configuration", Severity: SeverityCritical},
	CodeTransient:        {Message: "transient failure", Severity: SeverityWarning, Retryable: true},
	CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning},
	CodeDiscoveryMiss:    {Message: "discovery found nothing", Severity: SeverityWarning},
	CodeTimeout:          {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	CodeChainReverted:    {Message: "transaction reverted", Severity: SeverityCritical},
	CodeRuntimeFailure:   {Message: "container runtime failure", Severity: SeverityCritical, Retryable: true},
	CodeStorageFailure:   {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
	CodeOwnerLocked:      {Message: "owner identity is in use by another pipeline", Severity: SeverityWarning},
}

// AttributesOf 返回错误码对应的属性，未知错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := attributes[code]; ok {
		return attr
	}
	return attributes[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code    Code
	message string
	cause   error
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	return &Error{code: code, message: message}
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。ctx 取消不重试，未归类的错误
// （多为 RPC 或网络错误）视为暂时性错误。
func RetryableError(err error) bool {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := From(err); ok {
		return AttributesOf(e.code).Retryable
	}
	return true
}
