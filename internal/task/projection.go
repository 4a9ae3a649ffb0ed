package task

import (
	"fmt"
	"sort"
	"strings"
)

// Kind 区分任务台上任务的来源。
type Kind string

const (
	KindBatch     Kind = "batch"
	KindScheduled Kind = "scheduled"
	KindBridge    Kind = "bridge"
)

// Progress 描述批量任务的进度。
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Actions 标记任务台上可用的操作。
type Actions struct {
	Cancel  bool `json:"cancel"`
	Dismiss bool `json:"dismiss"`
	Retry   bool `json:"retry"`
}

// UnifiedTask 是任务台上的一行。
type UnifiedTask struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Title     string    `json:"title"`
	Recipient string    `json:"recipient,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Token     string    `json:"token,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Actions   Actions   `json:"actions"`
}

// BatchSnapshot 是执行中或刚结束的批量转账的只读快照。
type BatchSnapshot struct {
	ID             string
	UserID         string
	Status         Status
	Total          int
	Success        int
	Failed         int
	Current        int
	StartedAt      int64
	Error          string
	HiddenFromDesk bool
}

// BridgeTask 是跨链桥任务的记录，状态保持桥服务的原始值。
type BridgeTask struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	SourceChain    string `json:"source_chain"`
	TargetChain    string `json:"target_chain"`
	Amount         string `json:"amount"`
	Token          string `json:"token"`
	NativeStatus   string `json:"native_status"`
	TxHash         string `json:"tx_hash,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	Error          string `json:"error,omitempty"`
	HiddenFromDesk bool   `json:"hidden_from_desk"`
}

// MapBridgeStatus 把桥服务的状态映射到任务台的四种状态，未知状态视为等待。
func MapBridgeStatus(native string) Status {
	switch strings.ToUpper(strings.TrimSpace(native)) {
	case "PENDING", "SUBMITTED", "COMMITTED", "LOCKED":
		return StatusWaiting
	case "PROCESSING":
		return StatusExecuting
	case "COMPLETED", "FINALIZED", "FULFILLED":
		return StatusSent
	case "FAILED", "ERROR", "EXPIRED", "REVERTED", "REFUNDED":
		return StatusFailed
	default:
		return StatusWaiting
	}
}

// Project 合并三类来源，过滤已隐藏的记录，并按时间倒序排列。
func Project(scheduled []*ScheduledTask, bridges []BridgeTask, batches []BatchSnapshot) []UnifiedTask {
	out := make([]UnifiedTask, 0, len(scheduled)+len(bridges)+len(batches))
	for _, batch := range batches {
		if batch.HiddenFromDesk {
			continue
		}
		out = append(out, projectBatch(batch))
	}
	for _, task := range scheduled {
		if task == nil || task.HiddenFromDesk {
			continue
		}
		out = append(out, projectScheduled(task))
	}
	for _, bridge := range bridges {
		if bridge.HiddenFromDesk {
			continue
		}
		out = append(out, projectBridge(bridge))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

func projectBatch(batch BatchSnapshot) UnifiedTask {
	running := batch.Status == StatusWaiting || batch.Status == StatusExecuting
	return UnifiedTask{
		ID:     batch.ID,
		Kind:   KindBatch,
		Status: batch.Status,
		Title:  fmt.Sprintf("批量转账 %d 笔", batch.Total),
		Progress: &Progress{
			Current: batch.Current,
			Total:   batch.Total,
			Success: batch.Success,
			Failed:  batch.Failed,
		},
		Timestamp: batch.StartedAt,
		Error:     batch.Error,
		Actions: Actions{
			Cancel:  running,
			Dismiss: !running,
		},
	}
}

func projectScheduled(task *ScheduledTask) UnifiedTask {
	name := task.RecipientName
	if name == "" {
		name = task.Recipient
	}
	return UnifiedTask{
		ID:        task.ID,
		Kind:      KindScheduled,
		Status:    task.Status,
		Title:     fmt.Sprintf("定时转账 %s %s → %s", task.Amount, task.Token, name),
		Recipient: task.Recipient,
		Amount:    task.Amount,
		Token:     task.Token,
		Timestamp: task.CreatedAt,
		Error:     task.LastError,
		Actions: Actions{
			Cancel:  task.Status == StatusWaiting && !task.Cancelled,
			Dismiss: task.Status != StatusExecuting,
			Retry:   task.Status == StatusFailed && !task.Cancelled,
		},
	}
}

func projectBridge(bridge BridgeTask) UnifiedTask {
	status := MapBridgeStatus(bridge.NativeStatus)
	return UnifiedTask{
		ID:        bridge.ID,
		Kind:      KindBridge,
		Status:    status,
		Title:     fmt.Sprintf("跨链 %s → %s", bridge.SourceChain, bridge.TargetChain),
		Amount:    bridge.Amount,
		Token:     bridge.Token,
		Timestamp: bridge.CreatedAt,
		Error:     bridge.Error,
		Actions: Actions{
			Dismiss: status != StatusExecuting,
		},
	}
}
