// Package notify 负责面向用户的通知与对话式报告。
// 所有投递都是尽力而为：失败只记录日志和指标，不影响转账流程。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"AgentDesk/internal/observability/metrics"
	"AgentDesk/pkg/logger"
)

// Type 标识通知类别。
type Type string

const (
	TypeFundsReceived      Type = "funds_received"
	TypeBatchComplete      Type = "batch_complete"
	TypeBatchPartialFailed Type = "batch_partial_failed"
	TypeTransferScheduled  Type = "transfer_scheduled"
	TypeScheduledReleased  Type = "scheduled_released"
	TypeScheduledFailed    Type = "scheduled_failed"
)

// Notification 是一条站内通知。
type Notification struct {
	Type      Type              `json:"type"`
	Title     string            `json:"title"`
	Content   string            `json:"content"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Service 向指定用户投递通知。
type Service interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Fanout 把通知广播给多个 Service。
type Fanout struct {
	services []Service
}

// NewFanout 创建 Fanout，忽略 nil。
func NewFanout(services ...Service) *Fanout {
	set := make([]Service, 0, len(services))
	for _, svc := range services {
		if svc != nil {
			set = append(set, svc)
		}
	}
	return &Fanout{services: set}
}

// Notify 投递到全部下游，汇总错误。
func (f *Fanout) Notify(ctx context.Context, userID string, n Notification) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, svc := range f.services {
		if err := svc.Notify(ctx, userID, n); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把通知写入审计日志。
type LogNotifier struct{}

// Notify 实现 Service。
func (LogNotifier) Notify(_ context.Context, userID string, n Notification) error {
	logger.Audit().Info("用户通知",
		slog.String("user_id", userID),
		slog.String("type", string(n.Type)),
		slog.String("title", n.Title),
	)
	return nil
}

// Deliver 尽力投递通知，失败只记录。svc 为空时直接返回。
func Deliver(ctx context.Context, svc Service, userID string, n Notification) {
	if svc == nil || strings.TrimSpace(userID) == "" {
		return
	}
	if err := svc.Notify(ctx, userID, n); err != nil {
		metrics.NotificationsFailed.WithLabelValues(string(n.Type)).Inc()
		logger.L().Warn("通知投递失败",
			slog.String("user_id", userID),
			slog.String("type", string(n.Type)),
			slog.Any("error", err),
		)
	}
}
