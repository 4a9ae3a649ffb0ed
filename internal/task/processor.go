package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/pkg/logger"
)

// Releaser 在链上释放一笔到期的定时转账，返回释放交易哈希。
type Releaser interface {
	Release(ctx context.Context, task *ScheduledTask) (string, error)
}

// Processor 从调度队列消费定时任务 ID，领取到期任务并在链上释放。
type Processor struct {
	store       Store
	releaser    Releaser
	consumer    Consumer
	notifier    notify.Service
	alerter     alerting.Dispatcher
	workerCount int
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单个任务的最大释放尝试次数。
func WithMaxAttempts(attempts int) ProcessorOption {
	return func(p *Processor) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
	}
}

// WithNotifier 在释放成功或最终失败时通知发起人。
func WithNotifier(svc notify.Service) ProcessorOption {
	return func(p *Processor) {
		p.notifier = svc
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store Store, releaser Releaser, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		releaser:    releaser,
		consumer:    consumer,
		workerCount: 1,
		maxAttempts: 3,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置调度队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个定时任务 ID。未到期、已完成或正在执行的任务直接跳过。
func (p *Processor) Handle(ctx context.Context, scheduleID string) error {
	if p.store == nil || p.releaser == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, scheduleID, p.now(), p.maxAttempts)
	if err != nil {
		switch {
		case stdErrors.Is(err, ErrTaskNotFound),
			stdErrors.Is(err, ErrTaskCompleted),
			stdErrors.Is(err, ErrTaskNotDue),
			stdErrors.Is(err, ErrTaskConflict):
			p.logDebug("跳过定时任务", slog.String("schedule_id", scheduleID), slog.String("reason", err.Error()))
			return nil
		case stdErrors.Is(err, ErrTaskExhausted):
			return p.fail(ctx, task, ErrTaskExhausted)
		}
		logger.L().Error("领取定时任务失败", slog.Any("error", err), slog.String("schedule_id", scheduleID))
		return err
	}

	hash, releaseErr := p.releaser.Release(ctx, task)
	if releaseErr != nil {
		return p.handleReleaseFailure(ctx, task, releaseErr)
	}

	if err := p.store.UpdateStatus(ctx, task.ID, StatusSent, Update{ReleaseTx: hash}); err != nil {
		logger.L().Error("标记定时任务已释放失败",
			slog.Any("error", err),
			slog.String("schedule_id", task.ID),
			slog.String("release_tx", hash))
		return err
	}
	metrics.ScheduledReleases.WithLabelValues("sent").Inc()
	logger.Audit().Info("定时转账已释放",
		slog.String("schedule_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("recipient", task.Recipient),
		slog.String("amount", task.Amount),
		slog.String("token", task.Token),
		slog.String("release_tx", hash),
	)
	notify.Deliver(ctx, p.notifier, task.UserID, notify.Notification{
		Type:    notify.TypeScheduledReleased,
		Title:   "定时转账已到账",
		Content: fmt.Sprintf("%s %s 已释放给 %s", task.Amount, task.Token, displayName(task)),
		Data: map[string]string{
			"schedule_id": task.ID,
			"release_tx":  hash,
		},
	})
	return nil
}

func (p *Processor) handleReleaseFailure(ctx context.Context, task *ScheduledTask, releaseErr error) error {
	retryable := xerrors.RetryableError(releaseErr) && task.Attempts < p.maxAttempts
	if !retryable {
		return p.fail(ctx, task, releaseErr)
	}
	code := xerrors.CodeOf(releaseErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskRelease
	}
	if err := p.store.UpdateStatus(ctx, task.ID, StatusWaiting, Update{LastError: releaseErr.Error(), ErrorCode: code}); err != nil {
		logger.L().Error("回写定时任务等待状态失败", slog.Any("error", err), slog.String("schedule_id", task.ID))
		return err
	}
	metrics.ScheduledReleases.WithLabelValues("retry").Inc()
	logger.L().Warn("定时转账释放失败，等待下次调度",
		slog.String("schedule_id", task.ID),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_attempts", p.maxAttempts),
		slog.Any("error", releaseErr),
	)
	return nil
}

func (p *Processor) fail(ctx context.Context, task *ScheduledTask, cause error) error {
	if task == nil {
		return cause
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskRelease
	}
	if err := p.store.UpdateStatus(ctx, task.ID, StatusFailed, Update{LastError: cause.Error(), ErrorCode: code}); err != nil {
		logger.L().Error("标记定时任务失败状态出错", slog.Any("error", err), slog.String("schedule_id", task.ID))
		return err
	}
	metrics.ScheduledReleases.WithLabelValues("failed").Inc()
	logger.Audit().Warn("定时转账释放失败",
		slog.String("schedule_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
	)
	notify.Deliver(ctx, p.notifier, task.UserID, notify.Notification{
		Type:    notify.TypeScheduledFailed,
		Title:   "定时转账释放失败",
		Content: fmt.Sprintf("%s %s → %s 释放失败，可在任务台重试", task.Amount, task.Token, displayName(task)),
		Data: map[string]string{
			"schedule_id": task.ID,
			"error_code":  string(code),
		},
	})
	p.emitAlert(ctx, task, cause)
	return nil
}

// emitAlert 在错误需要告警或重试耗尽时通知运维。
func (p *Processor) emitAlert(ctx context.Context, task *ScheduledTask, cause error) {
	if p.alerter == nil {
		return
	}
	if !xerrors.ShouldAlert(cause) && task.Attempts >= p.maxAttempts {
		cause = xerrors.Wrap(CodeTaskExhausted, cause, "定时转账释放重试耗尽")
	}
	event, ok := alerting.FromError(cause, task.ID, map[string]string{
		"stage":     "release",
		"recipient": task.Recipient,
		"amount":    task.Amount,
		"token":     task.Token,
	})
	if !ok {
		return
	}
	event.UserID = task.UserID
	event.Attempts = task.Attempts
	event.MaxRetries = p.maxAttempts
	event.OccurredAt = p.now()
	alerting.Emit(ctx, p.alerter, event)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	p.logger.Debug(msg, args...)
}

func displayName(task *ScheduledTask) string {
	if task.RecipientName != "" {
		return task.RecipientName
	}
	return task.Recipient
}
