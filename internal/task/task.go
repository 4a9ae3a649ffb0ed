package task

import (
	xerrors "AgentDesk/internal/errors"
)

// Status 是任务台上统一的四种状态。
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusExecuting Status = "EXECUTING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
)

// ScheduledTask 是一笔已锁定在时间锁合约中、等待到期释放的定时转账。记录永不物理删除。
type ScheduledTask struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Recipient      string `json:"recipient"`
	RecipientName  string `json:"recipient_name,omitempty"`
	Amount         string `json:"amount"`
	Token          string `json:"token"`
	UnlockTime     int64  `json:"unlock_time"`
	CreationTx     string `json:"creation_tx"`
	Path           string `json:"path,omitempty"`
	Status         Status `json:"status"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	HiddenFromDesk bool   `json:"hidden_from_desk"`
	Cancelled      bool   `json:"cancelled"`
	Attempts       int    `json:"attempts"`
	ReleaseTx      string `json:"release_tx,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Update 描述状态变更时一并写入的字段。
type Update struct {
	LastError string
	ErrorCode xerrors.Code
	ReleaseTx string
}

const (
	CodeTaskNotFound  xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict  xerrors.Code = "TASK_CONFLICT"
	CodeTaskNotDue    xerrors.Code = "TASK_NOT_DUE"
	CodeTaskCompleted xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskPublish   xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskRelease   xerrors.Code = "TASK_RELEASE_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
	// ErrTaskNotDue 表示定时任务尚未到解锁时间。
	ErrTaskNotDue = xerrors.New(CodeTaskNotDue, "task not due")
	// ErrTaskCompleted 表示任务已经释放完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already released")
	// ErrTaskExhausted 表示释放重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:     "task not found",
		UserMessage: "任务不存在",
		Severity:    xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:     "task conflict",
		UserMessage: "当前任务状态不支持该操作",
		Severity:    xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskNotDue, xerrors.Attributes{
		Message:  "task not due",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already released",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskRelease, xerrors.Attributes{
		Message:   "scheduled release failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusWaiting, StatusExecuting, StatusSent, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

func cloneTask(task *ScheduledTask) *ScheduledTask {
	if task == nil {
		return nil
	}
	clone := *task
	return &clone
}
