package task

import (
	"context"
	"time"
)

// Store 抽象了定时任务的持久化接口。
type Store interface {
	SaveScheduledTransfer(ctx context.Context, task *ScheduledTask) error
	Get(ctx context.Context, id string) (*ScheduledTask, error)
	UpdateStatus(ctx context.Context, id string, status Status, update Update) error
	// Cancel 只允许作用于 WAITING 状态的任务，置为 FAILED 并标记 Cancelled。
	Cancel(ctx context.Context, id string) (*ScheduledTask, error)
	// Dismiss 把任务从任务台隐藏，可重复调用。
	Dismiss(ctx context.Context, id string) error
	// Retry 把 FAILED 任务重置为 WAITING 并清空错误。
	Retry(ctx context.Context, id string) (*ScheduledTask, error)
	// Claim 把已到期的 WAITING 任务置为 EXECUTING 并增加尝试次数。
	Claim(ctx context.Context, id string, now time.Time, maxAttempts int) (*ScheduledTask, error)
	List(ctx context.Context, opts ListOptions) ([]*ScheduledTask, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
