package errors

import (
	stdErrors "errors"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
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
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		// code: {message, severity, retryable, alert}
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeNotFound:              {"resource not found", SeverityInfo, false, false},
		CodeConflict:              {"resource conflict", SeverityWarning, false, false},
		CodeAlreadyCompleted:      {"resource already completed", SeverityInfo, false, false},
		CodeRetriesExhausted:      {"retries exhausted", SeverityWarning, false, true},
		CodeInitializationFailure: {"service not initialized", SeverityWarning, true, true},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true},
		CodeEventDelivery:         {"event delivery failure", SeverityCritical, true, true},
		CodePaymentSubmission:     {"payment submission failed", SeverityWarning, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true},
		CodeProvider:              {"capability provider failure", SeverityWarning, true, false},
		CodeInvalidTransition:     {"invalid task transition", SeverityCritical, false, true},
		CodeDelegation:            {"delegation not allowed by role graph", SeverityInfo, false, false},
		CodeNoAgentForRole:        {"no agent holds the requested role", SeverityWarning, false, false},
		CodeExecutionTimeout:      {"task execution timed out", SeverityWarning, false, true},
		CodeBudgetExceeded:        {"cost cap reached", SeverityWarning, false, true},
		CodeTimeExceeded:          {"time limit reached", SeverityWarning, false, true},
		CodeTaskLimit:             {"task cap reached", SeverityInfo, false, false},
		CodeNotPending:            {"payment request already decided", SeverityInfo, false, false},
		CodePlanningFailed:        {"planning failed", SeverityCritical, false, true},
		CodeInvalidReview:         {"review reply is not DONE, CONTINUE or FAILED", SeverityWarning, false, true},
	}
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeEventDelivery         Code = "EVENT_DELIVERY_FAILURE"
	CodePaymentSubmission     Code = "PAYMENT_SUBMISSION_FAILED"
	CodeTimeout               Code = "TIMEOUT"

	// 引擎错误分类。
	CodeProvider          Code = "PROVIDER_ERROR"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeDelegation        Code = "DELEGATION_ERROR"
	CodeNoAgentForRole    Code = "NO_AGENT_FOR_ROLE"
	CodeExecutionTimeout  Code = "EXECUTION_TIMEOUT"
	CodeBudgetExceeded    Code = "BUDGET_EXCEEDED"
	CodeTimeExceeded      Code = "TIME_EXCEEDED"
	CodeTaskLimit         Code = "TASK_LIMIT_REACHED"
	CodeNotPending        Code = "NOT_PENDING"
	CodePlanningFailed    Code = "PLANNING_FAILED"
	CodeInvalidReview     Code = "INVALID_REVIEW"
)

// Register 在 init 阶段登记或覆盖一个错误码的默认属性。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 查询错误码的默认属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、说明和可选的底层原因。属性在创建时从注册表取得，
// 之后只受 With* 选项影响。
type Error struct {
	code  Code
	msg   string
	cause error
	attr  Attributes
	meta  map[string]string
}

// Option 在创建错误时调整其属性。
type Option func(*Error)

// WithMetadata 附加一对键值，例如 goal_run_id 或 cap_usd。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.meta == nil {
			e.meta = map[string]string{}
		}
		e.meta[key] = value
	}
}

func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attr.Retryable = retryable }
}

func WithAlert(alert bool) Option {
	return func(e *Error) { e.attr.Alert = alert }
}

func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attr.Severity = sev }
}

// New 按错误码创建错误，message 为空时使用注册的默认说明。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, attr: AttributesOf(code)}
	e.msg = message
	if e.msg == "" {
		e.msg = e.attr.Message
	}
	for _, apply := range opts {
		if apply != nil {
			apply(e)
		}
	}
	return e
}

// Wrap 与 New 相同，并记录底层原因。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	text := "[" + string(e.code) + "] " + e.msg
	if e.cause == nil {
		return text
	}
	return text + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较两个 *Error。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e != nil {
		return e.code
	}
	return CodeUnknown
}

func (e *Error) Message() string {
	if e != nil {
		return e.msg
	}
	return ""
}

// Metadata 返回附加信息的副本，没有时返回 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.meta) == 0 {
		return nil
	}
	return maps.Clone(e.meta)
}

func (e *Error) Retryable() bool { return e != nil && e.attr.Retryable }

func (e *Error) ShouldAlert() bool { return e != nil && e.attr.Alert }

func (e *Error) Severity() Severity {
	if e != nil {
		return e.attr.Severity
	}
	return SeverityInfo
}

// From 在错误链上查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	ok := err != nil && stdErrors.As(err, &target)
	return target, ok
}

// CodeOf 返回错误链上第一个 *Error 的错误码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// Is 判断 err 链上是否存在指定错误码。
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		err = stdErrors.Unwrap(err)
	}
	return false
}

// Provider 将能力调用失败包装为可重试的 PROVIDER_ERROR，已是该错误码时原样返回。
func Provider(cause error, message string) *Error {
	if e, ok := From(cause); ok && e.code == CodeProvider {
		return e
	}
	return Wrap(CodeProvider, cause, message)
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

// ShouldAlert 判断 err 是否需要触发告警。
func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 返回错误严重程度，非 *Error 视为 UNKNOWN。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
