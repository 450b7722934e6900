package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示运行时内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 对错误码做粗粒度归类，决定运行时如何对待该错误。
type Class string

const (
	// ClassConfiguration 配置错误，立即失败且不重试。
	ClassConfiguration Class = "configuration"
	// ClassTransient 暂时性的 broker 错误，固定间隔后重试。
	ClassTransient Class = "transient"
	// ClassHandler 处理器内部错误，只影响当前工作单元。
	ClassHandler Class = "handler"
	// ClassProgrammer 违反调用约定的编程错误。
	ClassProgrammer Class = "programmer"
	// ClassTerminal 设计上的终止状态，并非故障。
	ClassTerminal Class = "terminal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Class     Class
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInvalidDeclaration    Code = "INVALID_DECLARATION"
	CodeInvalidStrategy       Code = "INVALID_STRATEGY"
	CodeLockDiscipline        Code = "LOCK_DISCIPLINE_VIOLATION"
	CodeMemoNotFound          Code = "MEMO_NOT_FOUND"
	CodeBrokerConnect         Code = "BROKER_CONNECT"
	CodeBrokerAuth            Code = "BROKER_AUTH"
	CodeBrokerBind            Code = "BROKER_BIND"
	CodeHandlerFailure        Code = "HANDLER_FAILURE"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeAlreadySettled        Code = "ALREADY_SETTLED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeAgentFatal            Code = "AGENT_FATAL"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Class:    ClassHandler,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Severity: SeverityInfo,
			Class:    ClassConfiguration,
		},
		CodeInvalidDeclaration: {
			Message:  "invalid declaration",
			Severity: SeverityCritical,
			Class:    ClassConfiguration,
		},
		CodeInvalidStrategy: {
			Message:  "unknown requeue strategy",
			Severity: SeverityCritical,
			Class:    ClassConfiguration,
			Alert:    true,
		},
		CodeLockDiscipline: {
			Message:  "unsafe memo accessed outside of a locked block",
			Severity: SeverityCritical,
			Class:    ClassProgrammer,
		},
		CodeMemoNotFound: {
			Message:  "memo not declared",
			Severity: SeverityWarning,
			Class:    ClassProgrammer,
		},
		CodeBrokerConnect: {
			Message:   "broker unreachable",
			Severity:  SeverityWarning,
			Class:     ClassTransient,
			Retryable: true,
		},
		CodeBrokerAuth: {
			Message:   "broker authentication failed",
			Severity:  SeverityWarning,
			Class:     ClassTransient,
			Retryable: true,
			Alert:     true,
		},
		CodeBrokerBind: {
			Message:   "queue binding failed",
			Severity:  SeverityWarning,
			Class:     ClassTransient,
			Retryable: true,
		},
		CodeHandlerFailure: {
			Message:  "handler failed",
			Severity: SeverityWarning,
			Class:    ClassHandler,
		},
		CodeRetriesExhausted: {
			Message:  "redelivery limit reached",
			Severity: SeverityInfo,
			Class:    ClassTerminal,
			Alert:    true,
		},
		CodeAlreadySettled: {
			Message:  "message already settled",
			Severity: SeverityInfo,
			Class:    ClassProgrammer,
		},
		CodeInitializationFailure: {
			Message:   "component not initialized",
			Severity:  SeverityWarning,
			Class:     ClassConfiguration,
			Retryable: false,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Class:     ClassTransient,
			Retryable: true,
			Alert:     true,
		},
		CodeAgentFatal: {
			Message:  "agent terminated by unrecoverable error",
			Severity: SeverityCritical,
			Class:    ClassHandler,
			Alert:    true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是运行时内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化信息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
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

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Class 返回错误所属类别。
func (e *Error) Class() Class {
	if e == nil {
		return ClassHandler
	}
	return AttributesOf(e.code).Class
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

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// IsConfiguration 判断错误是否属于配置类错误。
func IsConfiguration(err error) bool {
	if e, ok := From(err); ok {
		return e.Class() == ClassConfiguration
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Alert
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
