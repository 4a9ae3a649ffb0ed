package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeChainFailure          Code = "CHAIN_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCancelled             Code = "CANCELLED"
)

// Attributes 为错误码提供默认行为。
// UserMessage 是可以直接展示给钱包用户的文案，为空时使用 Message。
type Attributes struct {
	Message     string
	UserMessage string
	Severity    Severity
	Retryable   bool
	Alert       bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:     "unknown error",
			UserMessage: "发生未知错误，请稍后重试",
			Severity:    SeverityCritical,
			Alert:       true,
		},
		CodeInvalidArgument: {
			Message:     "invalid argument",
			UserMessage: "请求参数不合法",
			Severity:    SeverityInfo,
		},
		CodeNotFound: {
			Message:     "resource not found",
			UserMessage: "记录不存在",
			Severity:    SeverityInfo,
		},
		CodeConflict: {
			Message:     "resource conflict",
			UserMessage: "当前状态不允许该操作",
			Severity:    SeverityWarning,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeChainFailure: {
			Message:     "chain call failed",
			UserMessage: "链上调用失败，请稍后重试",
			Severity:    SeverityWarning,
			Retryable:   true,
			Alert:       true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeCancelled: {
			Message:     "operation cancelled",
			UserMessage: "操作已取消",
			Severity:    SeverityInfo,
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
