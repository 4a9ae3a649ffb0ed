package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/pkg/logger"
)

// DuePoller 定期扫描到期的等待任务，并把 ID 投递到调度队列。
type DuePoller struct {
	store    Store
	producer Producer
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewDuePoller 构造 DuePoller。
func NewDuePoller(store Store, producer Producer, interval time.Duration) *DuePoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DuePoller{store: store, producer: producer, interval: interval, batch: 100, now: time.Now}
}

// Run 立即扫描一次，之后按间隔扫描，直到 ctx 结束。
func (p *DuePoller) Run(ctx context.Context) error {
	if p.store == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "到期轮询未初始化")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L().Warn("扫描到期定时任务失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce 投递一轮到期任务，返回投递数量。
func (p *DuePoller) PollOnce(ctx context.Context) (int, error) {
	due, err := p.store.List(ctx, BuildListOptions(
		WithStatuses(StatusWaiting),
		WithDueBefore(p.now()),
		WithHidden(),
		WithSortOrder(SortByUnlockAsc),
		WithLimit(p.batch),
	))
	if err != nil {
		return 0, err
	}
	published := 0
	for _, task := range due {
		if task.Cancelled {
			continue
		}
		if err := p.producer.Publish(ctx, task.ID); err != nil {
			return published, xerrors.Wrap(CodeTaskPublish, err, "投递到期任务失败")
		}
		published++
	}
	if published > 0 {
		metrics.DueTasksPublished.Add(float64(published))
		logger.L().Debug("已投递到期定时任务", slog.Int("count", published))
	}
	return published, nil
}
