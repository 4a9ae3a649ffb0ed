package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/pkg/logger"
)

// BatchSource 暴露执行中批量任务的快照与协作式取消。
type BatchSource interface {
	Snapshots(userID string) []BatchSnapshot
	Snapshot(id string) (BatchSnapshot, bool)
	Cancel(id string) error
	Dismiss(id string) error
}

// Desk 是统一任务台：合并批量、定时、跨链三类任务并执行用户操作。
type Desk struct {
	store    Store
	producer Producer
	batches  BatchSource
	bridges  BridgeSource
	limit    int
	logger   *slog.Logger
}

// DeskOption 配置 Desk。
type DeskOption func(*Desk)

// WithBatchSource 接入批量任务跟踪器。
func WithBatchSource(source BatchSource) DeskOption {
	return func(d *Desk) {
		d.batches = source
	}
}

// WithBridgeSource 接入跨链桥任务。
func WithBridgeSource(source BridgeSource) DeskOption {
	return func(d *Desk) {
		d.bridges = source
	}
}

// WithDeskLogger 指定日志输出。
func WithDeskLogger(logger *slog.Logger) DeskOption {
	return func(d *Desk) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDeskLimit 限制每次列出的定时任务数量。
func WithDeskLimit(limit int) DeskOption {
	return func(d *Desk) {
		if limit > 0 {
			d.limit = limit
		}
	}
}

// NewDesk 构造 Desk。producer 用于重试时把任务重新交给调度器。
func NewDesk(store Store, producer Producer, opts ...DeskOption) *Desk {
	d := &Desk{store: store, producer: producer, limit: 200, logger: logger.Named("desk")}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// List 返回用户可见的全部任务，最新在前。
func (d *Desk) List(ctx context.Context, userID string) ([]UnifiedTask, error) {
	var scheduled []*ScheduledTask
	if d.store != nil {
		var err error
		scheduled, err = d.store.List(ctx, BuildListOptions(WithUser(userID), WithLimit(d.limit)))
		if err != nil {
			return nil, err
		}
	}
	var bridges []BridgeTask
	if d.bridges != nil {
		list, err := d.bridges.ListBridges(ctx, userID)
		if err != nil {
			d.logger.Warn("读取跨链任务失败", slog.String("user_id", userID), slog.Any("error", err))
		} else {
			bridges = list
		}
	}
	var batches []BatchSnapshot
	if d.batches != nil {
		batches = d.batches.Snapshots(userID)
	}
	return Project(scheduled, bridges, batches), nil
}

// Stats 返回用户定时任务的统计。
func (d *Desk) Stats(ctx context.Context, userID string) (TaskStats, error) {
	if d.store == nil {
		return TaskStats{}, nil
	}
	return d.store.Stats(ctx, BuildListOptions(WithUser(userID)))
}

// Cancel 取消等待中的定时任务，或向执行中的批量任务发出取消信号。跨链任务不可取消。
func (d *Desk) Cancel(ctx context.Context, userID, id string) (err error) {
	kind, err := d.locate(ctx, userID, id)
	defer func() { d.observe("cancel", kind, userID, id, err) }()
	if err != nil {
		return err
	}
	switch kind {
	case KindBatch:
		return d.batches.Cancel(id)
	case KindScheduled:
		_, err = d.store.Cancel(ctx, id)
		return err
	default:
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "跨链任务不支持取消")
	}
}

// Dismiss 把任务从任务台隐藏，可重复调用，不删除任何记录。
func (d *Desk) Dismiss(ctx context.Context, userID, id string) (err error) {
	kind, err := d.locate(ctx, userID, id)
	defer func() { d.observe("dismiss", kind, userID, id, err) }()
	if err != nil {
		return err
	}
	switch kind {
	case KindBatch:
		return d.batches.Dismiss(id)
	case KindScheduled:
		return d.store.Dismiss(ctx, id)
	default:
		_, err = d.bridges.DismissBridge(ctx, id)
		return err
	}
}

// Retry 把失败的定时任务重置为等待并重新投递到调度队列，不直接执行。
func (d *Desk) Retry(ctx context.Context, userID, id string) (err error) {
	kind, err := d.locate(ctx, userID, id)
	defer func() { d.observe("retry", kind, userID, id, err) }()
	if err != nil {
		return err
	}
	if kind != KindScheduled {
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "只有定时任务支持重试")
	}
	if _, err = d.store.Retry(ctx, id); err != nil {
		return err
	}
	if d.producer == nil {
		return nil
	}
	if pubErr := d.producer.Publish(ctx, id); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", id))
	}
	return nil
}

// ReportBridge 记录桥服务回报的任务状态。任务 ID 已属于其他用户时按不存在处理。
func (d *Desk) ReportBridge(ctx context.Context, userID string, bridge BridgeTask) (BridgeTask, error) {
	recorder, ok := d.bridges.(BridgeRecorder)
	if !ok {
		return BridgeTask{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置跨链任务存储")
	}
	bridge.ID = strings.TrimSpace(bridge.ID)
	bridge.NativeStatus = strings.TrimSpace(bridge.NativeStatus)
	if bridge.ID == "" || bridge.NativeStatus == "" {
		return BridgeTask{}, xerrors.New(xerrors.CodeInvalidArgument, "跨链任务 ID 与状态不能为空")
	}
	existing, err := d.bridges.GetBridge(ctx, bridge.ID)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return BridgeTask{}, ErrTaskNotFound
		}
	case !stdErrors.Is(err, ErrTaskNotFound):
		return BridgeTask{}, err
	case bridge.CreatedAt == 0:
		bridge.CreatedAt = time.Now().Unix()
	}
	bridge.UserID = userID
	bridge.HiddenFromDesk = false

	saved, err := recorder.RecordBridge(ctx, bridge)
	if err != nil {
		return BridgeTask{}, err
	}
	logger.Audit().Info("跨链任务状态更新",
		slog.String("task_id", saved.ID),
		slog.String("user_id", userID),
		slog.String("native_status", saved.NativeStatus),
		slog.String("status", string(MapBridgeStatus(saved.NativeStatus))))
	return saved, nil
}

func (d *Desk) locate(ctx context.Context, userID, id string) (Kind, error) {
	if d.batches != nil {
		if snap, ok := d.batches.Snapshot(id); ok {
			if snap.UserID != userID {
				return "", ErrTaskNotFound
			}
			return KindBatch, nil
		}
	}
	if d.store != nil {
		task, err := d.store.Get(ctx, id)
		switch {
		case err == nil:
			if task.UserID != userID {
				return "", ErrTaskNotFound
			}
			return KindScheduled, nil
		case !stdErrors.Is(err, ErrTaskNotFound):
			return "", err
		}
	}
	if d.bridges != nil {
		bridge, err := d.bridges.GetBridge(ctx, id)
		switch {
		case err == nil:
			if bridge.UserID != userID {
				return "", ErrTaskNotFound
			}
			return KindBridge, nil
		case !stdErrors.Is(err, ErrTaskNotFound):
			return "", err
		}
	}
	return "", ErrTaskNotFound
}

func (d *Desk) observe(action string, kind Kind, userID, id string, err error) {
	result := "ok"
	if err != nil {
		result = string(xerrors.CodeOf(err))
	}
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	metrics.DeskActions.WithLabelValues(action, label, result).Inc()
	if err != nil {
		d.logger.Debug("任务台操作被拒绝",
			slog.String("action", action),
			slog.String("task_id", id),
			slog.String("reason", err.Error()))
		return
	}
	logger.Audit().Info("任务台操作",
		slog.String("action", action),
		slog.String("kind", label),
		slog.String("task_id", id),
		slog.String("user_id", userID),
	)
}
