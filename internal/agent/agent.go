package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"AgentDesk/internal/contacts"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/resolver"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/task"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
	"AgentDesk/internal/web3"
	"AgentDesk/pkg/logger"
)

const (
	// CodeBatchAlreadySubmitted 表示同一批次已在执行或已完成。
	CodeBatchAlreadySubmitted xerrors.Code = "BATCH_ALREADY_SUBMITTED"
	// CodeBatchCancelled 表示批量任务被取消。
	CodeBatchCancelled xerrors.Code = "BATCH_CANCELLED"
)

func init() {
	xerrors.Register(CodeBatchAlreadySubmitted, xerrors.Attributes{
		Message:     "batch already submitted",
		UserMessage: "该批量转账已提交，请勿重复执行",
		Severity:    xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBatchCancelled, xerrors.Attributes{
		Message:     "batch cancelled",
		UserMessage: "批量转账已取消",
		Severity:    xerrors.SeverityInfo,
	})
}

// ErrBatchCancelled 在批量任务被协作式取消后返回。
var ErrBatchCancelled = xerrors.New(CodeBatchCancelled, "batch cancelled")

// defaultInterval 是两笔转账之间的默认间隔。
const defaultInterval = 10 * time.Second

// Status 是批量任务的生命周期状态。
type Status string

const (
	StatusInit      Status = "INIT"
	StatusExecuting Status = "EXECUTING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Credential 是用户提交的加密钱包与解锁密码。
type Credential struct {
	Blob     []byte
	Password string
}

// Observer 在每次进度变化时收到批量任务的副本。
type Observer func(BatchAgent)

// Batch 是一次批量转账的输入。ID 为空时自动生成。
type Batch struct {
	ID           string
	UserID       string
	Transactions []transfer.Request
	Credential   Credential
	Interval     time.Duration
	Observer     Observer
}

// BatchAgent 是批量任务的执行记录。
type BatchAgent struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Status         Status             `json:"status"`
	TotalCount     int                `json:"total_count"`
	SuccessCount   int                `json:"success_count"`
	FailedCount    int                `json:"failed_count"`
	CurrentCount   int                `json:"current_count"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at,omitempty"`
	Transactions   []transfer.Request `json:"transactions"`
	Results        []transfer.Result  `json:"results"`
	Error          string             `json:"error,omitempty"`
	HiddenFromDesk bool               `json:"hidden_from_desk"`
}

func (b BatchAgent) clone() BatchAgent {
	out := b
	out.Transactions = append([]transfer.Request(nil), b.Transactions...)
	out.Results = append([]transfer.Result(nil), b.Results...)
	return out
}

// Snapshot 转换为任务台使用的快照。
func (b BatchAgent) Snapshot() task.BatchSnapshot {
	status := task.StatusWaiting
	switch b.Status {
	case StatusExecuting:
		status = task.StatusExecuting
	case StatusSent:
		status = task.StatusSent
	case StatusFailed:
		status = task.StatusFailed
	}
	return task.BatchSnapshot{
		ID:             b.ID,
		UserID:         b.UserID,
		Status:         status,
		Total:          b.TotalCount,
		Success:        b.SuccessCount,
		Failed:         b.FailedCount,
		Current:        b.CurrentCount,
		StartedAt:      b.StartedAt.Unix(),
		Error:          b.Error,
		HiddenFromDesk: b.HiddenFromDesk,
	}
}

// Transfers 是单笔即时转账与定时转账的执行者。
type Transfers interface {
	SendNow(ctx context.Context, req transfer.SendRequest, signer *web3.Signer) (transfer.SendResult, error)
	Schedule(ctx context.Context, req transfer.ScheduleRequest, signer *web3.Signer) (transfer.ScheduleResult, error)
}

// RecipientResolver 把收款人标识解析为地址。
type RecipientResolver interface {
	Resolve(ctx context.Context, userID, token string, known []contacts.Contact) resolver.Resolution
}

// Option 定制 Agent。
type Option func(*Agent)

// WithResolver 指定收款人解析器。
func WithResolver(r RecipientResolver) Option {
	return func(a *Agent) {
		a.resolver = r
	}
}

// WithDirectory 指定联系人目录，执行前加载用户的联系人。
func WithDirectory(d contacts.Directory) Option {
	return func(a *Agent) {
		a.directory = d
	}
}

// WithHistory 指定历史记录仓库。
func WithHistory(repo mysql.HistoryRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithNotifier 指定通知服务。
func WithNotifier(svc notify.Service) Option {
	return func(a *Agent) {
		a.notifier = svc
	}
}

// WithChatLog 指定对话记录。
func WithChatLog(chat notify.ChatLog) Option {
	return func(a *Agent) {
		a.chat = chat
	}
}

// WithTracker 指定批量任务跟踪器。
func WithTracker(t *Tracker) Option {
	return func(a *Agent) {
		if t != nil {
			a.tracker = t
		}
	}
}

// WithInterval 设置两笔转账之间的默认间隔。
func WithInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.interval = d
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithSleep 替换等待函数。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// Agent 驱动批量转账的完整生命周期：解锁钱包、逐笔执行、落库与通知。
type Agent struct {
	credential wallet.Credential
	transfers  Transfers
	resolver   RecipientResolver
	directory  contacts.Directory
	history    mysql.HistoryRepository
	notifier   notify.Service
	chat       notify.ChatLog
	tracker    *Tracker
	interval   time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// New 创建 Agent。
func New(credential wallet.Credential, transfers Transfers, opts ...Option) *Agent {
	a := &Agent{
		credential: credential,
		transfers:  transfers,
		interval:   defaultInterval,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.tracker == nil {
		a.tracker = NewTracker(0)
	}
	if a.resolver == nil {
		a.resolver = resolver.New(resolver.WithDirectory(a.directory))
	}
	return a
}

// Tracker 返回批量任务跟踪器。
func (a *Agent) Tracker() *Tracker {
	return a.tracker
}

// Execute 同步执行批量转账。空批次直接返回 nil, nil。
// 钱包解锁失败时返回 CREDENTIAL_FAILURE 以及已标记为 FAILED 的记录。
func (a *Agent) Execute(ctx context.Context, b Batch) (*BatchAgent, error) {
	r, err := a.prepare(ctx, b)
	if err != nil || r == nil {
		return nil, err
	}
	return r.execute()
}

// Start 异步执行批量转账，返回初始记录。执行不受 ctx 取消影响，
// 需要中止时使用 Tracker.Cancel。
func (a *Agent) Start(ctx context.Context, b Batch) (*BatchAgent, error) {
	r, err := a.prepare(context.WithoutCancel(ctx), b)
	if err != nil || r == nil {
		return nil, err
	}
	initial := r.state.clone()
	go func() {
		if _, err := r.execute(); err != nil {
			r.agent.logger.Warn("批量转账未完成",
				slog.String("batch_id", initial.ID),
				slog.Any("error", err))
		}
	}()
	return &initial, nil
}

func (a *Agent) prepare(ctx context.Context, b Batch) (*run, error) {
	if len(b.Transactions) == 0 {
		return nil, nil
	}
	if a.transfers == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置转账控制器")
	}
	if strings.TrimSpace(b.UserID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	id := strings.TrimSpace(b.ID)
	if id == "" {
		id = uuid.NewString()
	}
	interval := b.Interval
	if interval <= 0 {
		interval = a.interval
	}
	state := BatchAgent{
		ID:           id,
		UserID:       b.UserID,
		Status:       StatusInit,
		TotalCount:   len(b.Transactions),
		StartedAt:    a.now(),
		Transactions: append([]transfer.Request(nil), b.Transactions...),
		Results:      make([]transfer.Result, 0, len(b.Transactions)),
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := a.tracker.begin(state, cancel); err != nil {
		cancel()
		return nil, err
	}
	return &run{
		agent:      a,
		ctx:        runCtx,
		cancel:     cancel,
		state:      state,
		credential: b.Credential,
		interval:   interval,
		observer:   b.Observer,
	}, nil
}

type run struct {
	agent      *Agent
	ctx        context.Context
	cancel     context.CancelFunc
	state      BatchAgent
	credential Credential
	interval   time.Duration
	observer   Observer
}

func (r *run) execute() (*BatchAgent, error) {
	a := r.agent
	metrics.ActiveBatches.Inc()
	defer metrics.ActiveBatches.Dec()
	defer r.cancel()

	logger.Audit().Info("批量转账开始",
		slog.String("batch_id", r.state.ID),
		slog.String("user_id", r.state.UserID),
		slog.Int("total", r.state.TotalCount))

	if r.cancelled() {
		r.credential = Credential{}
		return r.abort(0)
	}
	signer, err := wallet.Unlock(r.ctx, a.credential, r.state.UserID, r.credential.Blob, r.credential.Password)
	r.credential = Credential{}
	if err != nil && r.cancelled() {
		return r.abort(0)
	}
	if err != nil {
		r.state.Status = StatusFailed
		r.state.FailedCount = r.state.TotalCount
		r.state.Error = xerrors.UserMessageOf(err)
		r.finish()
		out := r.state.clone()
		return &out, err
	}
	defer signer.Wipe()

	r.state.Status = StatusExecuting
	r.publish()

	known := a.knownContacts(r.ctx, r.state.UserID)
	last := len(r.state.Transactions) - 1
	for i, tx := range r.state.Transactions {
		if r.cancelled() {
			return r.abort(i)
		}
		r.state.CurrentCount = i + 1
		result, _ := a.executeItem(r.ctx, signer, r.state.UserID, tx, known)
		r.record(result)
		if result.Success && result.Tx.Intent != transfer.IntentSchedule {
			a.notifyRecipient(r.ctx, r.state.UserID, result)
		}
		if i == last {
			break
		}
		if err := a.sleep(r.ctx, r.interval); err != nil {
			return r.abort(i + 1)
		}
	}

	r.state.Status = StatusSent
	r.finish()
	out := r.state.clone()
	return &out, nil
}

// abort 把 from 起的条目记为取消，并以 FAILED 结束批量任务。
func (r *run) abort(from int) (*BatchAgent, error) {
	r.skipRemaining(from)
	r.state.Status = StatusFailed
	r.state.Error = ErrBatchCancelled.Message()
	r.finish()
	out := r.state.clone()
	return &out, ErrBatchCancelled
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil || r.agent.tracker.isCancelled(r.state.ID)
}

func (r *run) record(result transfer.Result) {
	r.state.Results = append(r.state.Results, result)
	if result.Success {
		r.state.SuccessCount++
	} else {
		r.state.FailedCount++
	}
	r.publish()
}

// skipRemaining 把 from 之后尚未执行的条目记为取消失败。
func (r *run) skipRemaining(from int) {
	msg := xerrors.UserMessageOf(ErrBatchCancelled)
	for _, tx := range r.state.Transactions[from:] {
		r.state.Results = append(r.state.Results, transfer.Result{Error: msg, Tx: tx})
		r.state.FailedCount++
	}
	r.publish()
}

func (r *run) publish() {
	r.agent.tracker.update(r.state)
	if r.observer != nil {
		r.observer(r.state.clone())
	}
}

func (r *run) finish() {
	a := r.agent
	r.state.FinishedAt = a.now()
	ctx := context.WithoutCancel(r.ctx)

	metrics.BatchesTotal.WithLabelValues(string(r.state.Status)).Inc()
	metrics.BatchDuration.Observe(r.state.FinishedAt.Sub(r.state.StartedAt).Seconds())

	if len(r.state.Results) > 0 {
		a.saveHistory(ctx, r.state)
	}
	a.notifyOwner(ctx, r.state)
	a.report(ctx, r.state)
	r.publish()

	logger.Audit().Info("批量转账结束",
		slog.String("batch_id", r.state.ID),
		slog.String("user_id", r.state.UserID),
		slog.String("status", string(r.state.Status)),
		slog.Int("success", r.state.SuccessCount),
		slog.Int("failed", r.state.FailedCount),
		slog.String("error", r.state.Error))
}

// executeItem 执行单个条目。失败时错误同时写入结果，批量路径只使用结果。
func (a *Agent) executeItem(ctx context.Context, signer *web3.Signer, userID string, tx transfer.Request, known []contacts.Contact) (transfer.Result, error) {
	tx, err := a.resolve(ctx, userID, tx, known)
	if err != nil {
		return a.failure(tx, err), err
	}
	if err := tx.Validate(); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转账条目不合法", xerrors.WithUserMessage(err.Error()))
		return a.failure(tx, wrapped), wrapped
	}
	amount, _ := tx.Value()
	to := common.HexToAddress(tx.Recipient)

	if tx.Intent == transfer.IntentSchedule {
		res, err := a.transfers.Schedule(ctx, transfer.ScheduleRequest{
			UserID:        userID,
			To:            to,
			RecipientName: tx.Label(),
			Amount:        amount,
			Token:         tx.TokenSymbol,
			Delay:         time.Duration(tx.DelaySeconds) * time.Second,
		}, signer)
		if err != nil && res.Hash == "" {
			return a.failure(tx, err), err
		}
		result := transfer.Result{Success: true, Hash: res.Hash, ScheduleID: res.ScheduleID, Path: res.Path, Tx: tx}
		if err != nil {
			// 交易已上链，只是任务未登记，仍计为成功。
			a.logger.Error("定时转账未登记到任务台",
				slog.String("schedule_id", res.ScheduleID),
				slog.String("tx_hash", res.Hash),
				slog.Any("error", err))
			result.Error = xerrors.UserMessageOf(err)
		}
		return result, nil
	}

	res, err := a.transfers.SendNow(ctx, transfer.SendRequest{
		UserID: userID,
		To:     to,
		Amount: amount,
		Token:  tx.TokenSymbol,
	}, signer)
	if err != nil {
		return a.failure(tx, err), err
	}
	return transfer.Result{Success: true, Hash: res.Hash, Path: res.Path, Tx: tx}, nil
}

func (a *Agent) resolve(ctx context.Context, userID string, tx transfer.Request, known []contacts.Contact) (transfer.Request, error) {
	if tx.Resolved() {
		return tx, nil
	}
	raw := strings.TrimSpace(tx.RecipientRaw)
	if raw == "" {
		raw = tx.Recipient
	}
	res := a.resolver.Resolve(ctx, userID, raw, known)
	if !res.Resolved {
		msg := "无法识别收款人 " + raw
		return tx, xerrors.New(transfer.CodeResolutionFailed, msg, xerrors.WithUserMessage(msg))
	}
	tx.Recipient = common.HexToAddress(res.Address).Hex()
	if tx.DisplayName == "" || tx.DisplayName == resolver.NewRecipient {
		tx.DisplayName = res.Name
	}
	return tx, nil
}

func (a *Agent) failure(tx transfer.Request, err error) transfer.Result {
	a.logger.Warn("转账条目执行失败",
		slog.String("recipient", tx.Label()),
		slog.String("amount", tx.Amount),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	return transfer.Result{Error: xerrors.UserMessageOf(err), Tx: tx}
}

func (a *Agent) knownContacts(ctx context.Context, userID string) []contacts.Contact {
	if a.directory == nil {
		return nil
	}
	list, err := a.directory.List(ctx, userID)
	if err != nil {
		a.logger.Warn("加载联系人失败", slog.String("user_id", userID), slog.Any("error", err))
		return nil
	}
	return list
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
