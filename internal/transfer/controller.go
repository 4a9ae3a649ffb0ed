package transfer

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/observability/alerting"
	"AgentDesk/internal/observability/metrics"
	"AgentDesk/internal/task"
	"AgentDesk/internal/web3"
	"AgentDesk/pkg/logger"
)

const (
	// CodeResolutionFailed 表示收款人无法解析为链上地址。
	CodeResolutionFailed xerrors.Code = "RESOLUTION_FAILED"
	// CodeRelayFailed 表示代付中继不可用或拒绝了交易。
	CodeRelayFailed xerrors.Code = "RELAY_FAILED"
	// CodeTransferFailed 表示即时转账在所有通道上都失败。
	CodeTransferFailed xerrors.Code = "TRANSFER_FAILED"
	// CodeInsufficientFunds 表示钱包余额不足以支付金额或手续费。
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	// CodeTopUpFailed 表示管理员补充手续费失败。
	CodeTopUpFailed xerrors.Code = "TOPUP_FAILED"
	// CodeScheduleFailed 表示定时转账提交失败。
	CodeScheduleFailed xerrors.Code = "SCHEDULE_FAILED"
)

func init() {
	xerrors.Register(CodeResolutionFailed, xerrors.Attributes{
		Message:     "recipient not resolved",
		UserMessage: "无法识别收款人，请提供地址或已保存的联系人",
		Severity:    xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRelayFailed, xerrors.Attributes{
		Message:   "relay failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:     "transfer failed",
		UserMessage: "转账失败，请稍后重试",
		Severity:    xerrors.SeverityWarning,
		Retryable:   true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:     "insufficient funds",
		UserMessage: "钱包余额不足，请充值后重试",
		Severity:    xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTopUpFailed, xerrors.Attributes{
		Message:     "gas top-up failed",
		UserMessage: "手续费补充失败，定时转账未提交",
		Severity:    xerrors.SeverityCritical,
		Alert:       true,
	})
	xerrors.Register(CodeScheduleFailed, xerrors.Attributes{
		Message:     "schedule failed",
		UserMessage: "定时转账提交失败，请稍后重试",
		Severity:    xerrors.SeverityWarning,
		Retryable:   true,
	})
}

// UnregisteredScheduleMessage 是定时交易上链后落库失败时展示给用户的提示。
const UnregisteredScheduleMessage = "定时转账已上链，但任务登记失败，运维已收到告警"

// Config 汇总转账控制器的时间与金额参数。
type Config struct {
	BalancePollAttempts int
	BalancePollInterval time.Duration
	TopUpWait           time.Duration
	TopUpAmount         decimal.Decimal
	GasReserve          decimal.Decimal
	DefaultDelay        time.Duration
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		BalancePollAttempts: 3,
		BalancePollInterval: 3 * time.Second,
		TopUpWait:           8 * time.Second,
		TopUpAmount:         decimal.RequireFromString("0.01"),
		GasReserve:          decimal.RequireFromString("0.005"),
		DefaultDelay:        time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BalancePollAttempts <= 0 {
		c.BalancePollAttempts = def.BalancePollAttempts
	}
	if c.BalancePollInterval <= 0 {
		c.BalancePollInterval = def.BalancePollInterval
	}
	if c.TopUpWait < 0 {
		c.TopUpWait = 0
	}
	if !c.TopUpAmount.IsPositive() {
		c.TopUpAmount = def.TopUpAmount
	}
	if c.GasReserve.IsNegative() {
		c.GasReserve = decimal.Zero
	}
	if c.DefaultDelay <= 0 {
		c.DefaultDelay = def.DefaultDelay
	}
	return c
}

// SendRequest 是一笔即时转账。
type SendRequest struct {
	UserID string
	To     common.Address
	Amount decimal.Decimal
	Token  string
}

// SendResult 是即时转账的结果。
type SendResult struct {
	Hash string
	Path Path
}

// ScheduleRequest 是一笔定时转账。Delay 为零时使用默认延迟。
type ScheduleRequest struct {
	UserID        string
	To            common.Address
	RecipientName string
	Amount        decimal.Decimal
	Token         string
	Delay         time.Duration
}

// ScheduleResult 是定时转账的提交结果。
type ScheduleResult struct {
	Hash       string
	ScheduleID string
	UnlockTime time.Time
	Path       Path
}

// Option 定制 Controller。
type Option func(*Controller)

// WithTokens 指定代币表。
func WithTokens(tokens web3.Tokens) Option {
	return func(c *Controller) {
		c.tokens = tokens
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAlerts 在需要运维介入的失败上派发告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Controller) {
		c.alerts = d
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep 替换等待函数。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Controller 负责单笔即时转账与定时转账在不同通道间的选择与回退。
type Controller struct {
	chain  web3.ChainClient
	store  task.Store
	tokens web3.Tokens
	cfg    Config
	alerts alerting.Dispatcher
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewController 创建控制器。store 为空时定时任务不落库。
func NewController(chain web3.ChainClient, store task.Store, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		chain:  chain,
		store:  store,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger.Named("transfer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Config 返回生效的参数。
func (c *Controller) Config() Config {
	return c.cfg
}

// SendNow 立即发送一笔转账。原生币优先走代付中继，失败后回退到普通交易。
func (c *Controller) SendNow(ctx context.Context, req SendRequest, signer *web3.Signer) (SendResult, error) {
	if c.chain == nil {
		return SendResult{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	symbol, err := c.normalizeToken(req.Token)
	if err != nil {
		return SendResult{}, err
	}
	if err := validateTransfer(req.To, req.Amount, signer); err != nil {
		return SendResult{}, err
	}
	t := web3.Transfer{To: req.To, Amount: req.Amount, Token: symbol}

	var gaslessErr error
	if c.tokens.IsNative(symbol) {
		res, err := c.chain.SendGasless(ctx, signer, t)
		if err == nil {
			c.recordSend(IntentSend, PathGasless, "success")
			c.auditSent(req.UserID, t, PathGasless, res.Hash)
			return SendResult{Hash: res.Hash, Path: PathGasless}, nil
		}
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return SendResult{}, ctxErr
		}
		gaslessErr = err
		metrics.TransferFallbacks.WithLabelValues(string(PathGasless), string(PathStandard)).Inc()
		c.logger.Warn("代付中继发送失败，回退到普通交易",
			slog.String("user_id", req.UserID),
			slog.String("to", req.To.Hex()),
			slog.Any("error", err))
	}

	res, err := c.chain.SendStandard(ctx, signer, t)
	if err != nil {
		c.recordSend(IntentSend, PathStandard, "failed")
		return SendResult{}, classifySend(ctx, gaslessErr, err)
	}
	c.recordSend(IntentSend, PathStandard, "success")
	c.auditSent(req.UserID, t, PathStandard, res.Hash)
	return SendResult{Hash: res.Hash, Path: PathStandard}, nil
}

// Schedule 提交一笔定时转账并落库为 WAITING 状态的定时任务。
// 优先使用 paymaster，失败后走传统时间锁路径，必要时由管理员补充手续费。
// 交易已上链但落库失败时，同时返回完整结果与 STORAGE_FAILURE 错误，并派发告警。
func (c *Controller) Schedule(ctx context.Context, req ScheduleRequest, signer *web3.Signer) (ScheduleResult, error) {
	if c.chain == nil {
		return ScheduleResult{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	symbol, err := c.normalizeToken(req.Token)
	if err != nil {
		return ScheduleResult{}, err
	}
	if err := validateTransfer(req.To, req.Amount, signer); err != nil {
		return ScheduleResult{}, err
	}
	delay := req.Delay
	if delay <= 0 {
		delay = c.cfg.DefaultDelay
	}
	unlock := c.now().Add(delay)
	t := web3.Transfer{To: req.To, Amount: req.Amount, Token: symbol}

	res, path, err := c.schedulePaymaster(ctx, req, signer, t, unlock)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return ScheduleResult{}, ctxErr
		}
		metrics.TransferFallbacks.WithLabelValues(string(PathPaymaster), string(PathLegacy)).Inc()
		c.logger.Warn("paymaster 定时转账失败，回退到时间锁合约",
			slog.String("user_id", req.UserID),
			slog.Any("error", err))
		res, err = c.scheduleLegacy(ctx, req, signer, t, unlock)
		path = PathLegacy
		if err != nil {
			c.recordSend(IntentSchedule, PathLegacy, "failed")
			return ScheduleResult{}, err
		}
	}
	c.recordSend(IntentSchedule, path, "success")

	scheduleID := res.ScheduleID
	if scheduleID == "" {
		scheduleID = res.Hash
	}
	result := ScheduleResult{Hash: res.Hash, ScheduleID: scheduleID, UnlockTime: unlock, Path: path}
	if err := c.persist(ctx, req, signer, symbol, result); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Controller) schedulePaymaster(ctx context.Context, req ScheduleRequest, signer *web3.Signer, t web3.Transfer, unlock time.Time) (web3.TxResult, Path, error) {
	fee, err := c.chain.EstimateScheduleFee(ctx, signer, t, unlock)
	if err != nil {
		return web3.TxResult{}, PathPaymaster, xerrors.Wrap(CodeRelayFailed, err, "估算 paymaster 手续费失败")
	}
	res, err := c.chain.ScheduleGasless(ctx, signer, t, unlock, fee)
	if err != nil {
		return web3.TxResult{}, PathPaymaster, xerrors.Wrap(CodeRelayFailed, err, "paymaster 提交失败")
	}
	c.logger.Debug("paymaster 定时转账已提交",
		slog.String("user_id", req.UserID),
		slog.String("fee", fee.String()),
		slog.String("tx_hash", res.Hash))
	return res, PathPaymaster, nil
}

func (c *Controller) scheduleLegacy(ctx context.Context, req ScheduleRequest, signer *web3.Signer, t web3.Transfer, unlock time.Time) (web3.TxResult, error) {
	need := c.cfg.GasReserve
	if c.tokens.IsNative(t.Token) {
		need = need.Add(t.Amount)
	}
	if err := c.ensureGas(ctx, req.UserID, signer.Address, need); err != nil {
		return web3.TxResult{}, err
	}
	res, err := c.chain.ScheduleLegacy(ctx, signer, t, unlock)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return web3.TxResult{}, ctxErr
		}
		if isInsufficientFunds(err) {
			return web3.TxResult{}, xerrors.Wrap(CodeInsufficientFunds, err, "余额不足，无法提交定时转账")
		}
		return web3.TxResult{}, xerrors.Wrap(CodeScheduleFailed, err, "提交时间锁交易失败")
	}
	return res, nil
}

// ensureGas 在余额不足时请求管理员补充手续费，并轮询等待到账。
func (c *Controller) ensureGas(ctx context.Context, userID string, address common.Address, need decimal.Decimal) error {
	balance, err := c.chain.NativeBalance(ctx, address)
	if err != nil {
		return xerrors.Wrap(CodeScheduleFailed, err, "查询钱包余额失败")
	}
	if balance.GreaterThanOrEqual(need) {
		return nil
	}

	topUp, err := c.chain.AdminTopUp(ctx, address, c.cfg.TopUpAmount)
	if err != nil {
		metrics.AdminTopUps.WithLabelValues("failed").Inc()
		wrapped := xerrors.Wrap(CodeTopUpFailed, err, "管理员补充手续费失败")
		if event, ok := alerting.FromError(wrapped, address.Hex(), map[string]string{
			"stage":  "topup",
			"amount": c.cfg.TopUpAmount.String(),
		}); ok {
			event.UserID = userID
			event.OccurredAt = c.now()
			alerting.Emit(ctx, c.alerts, event)
		}
		return wrapped
	}
	metrics.AdminTopUps.WithLabelValues("success").Inc()
	logger.Audit().Info("管理员已补充手续费",
		slog.String("user_id", userID),
		slog.String("address", address.Hex()),
		slog.String("amount", c.cfg.TopUpAmount.String()),
		slog.String("tx_hash", topUp.Hash))

	if err := c.sleep(ctx, c.cfg.TopUpWait); err != nil {
		return xerrors.Wrap(xerrors.CodeCancelled, err, "等待手续费到账时取消")
	}
	for attempt := 1; attempt <= c.cfg.BalancePollAttempts; attempt++ {
		balance, err = c.chain.NativeBalance(ctx, address)
		if err == nil && balance.GreaterThanOrEqual(need) {
			return nil
		}
		c.logger.Debug("手续费尚未到账",
			slog.Int("attempt", attempt),
			slog.String("balance", balance.String()),
			slog.String("need", need.String()))
		if attempt == c.cfg.BalancePollAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.BalancePollInterval); err != nil {
			return xerrors.Wrap(xerrors.CodeCancelled, err, "等待手续费到账时取消")
		}
	}
	c.logger.Warn("手续费补充后余额仍不足，继续提交",
		slog.String("address", address.Hex()),
		slog.String("need", need.String()))
	return nil
}

func (c *Controller) persist(ctx context.Context, req ScheduleRequest, signer *web3.Signer, symbol string, res ScheduleResult) error {
	userID := req.UserID
	if userID == "" && signer != nil {
		userID = signer.UserID
	}
	logger.Audit().Info("定时转账已提交",
		slog.String("schedule_id", res.ScheduleID),
		slog.String("user_id", userID),
		slog.String("recipient", req.To.Hex()),
		slog.String("amount", req.Amount.String()),
		slog.String("token", symbol),
		slog.String("path", string(res.Path)),
		slog.Int64("unlock_time", res.UnlockTime.Unix()))
	if c.store == nil {
		return nil
	}
	record := &task.ScheduledTask{
		ID:            res.ScheduleID,
		UserID:        userID,
		Recipient:     req.To.Hex(),
		RecipientName: req.RecipientName,
		Amount:        req.Amount.String(),
		Token:         symbol,
		UnlockTime:    res.UnlockTime.Unix(),
		CreationTx:    res.Hash,
		Path:          string(res.Path),
		Status:        task.StatusWaiting,
	}
	err := c.store.SaveScheduledTransfer(context.WithoutCancel(ctx), record)
	if err == nil {
		return nil
	}
	c.logger.Error("保存定时任务失败",
		slog.Any("error", err),
		slog.String("schedule_id", res.ScheduleID),
		slog.String("creation_tx", res.Hash))
	wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "定时转账已上链但未能登记",
		xerrors.WithUserMessage(UnregisteredScheduleMessage))
	if event, ok := alerting.FromError(wrapped, res.ScheduleID, map[string]string{
		"stage":       "persist",
		"creation_tx": res.Hash,
		"recipient":   record.Recipient,
		"amount":      record.Amount,
		"token":       symbol,
		"unlock_time": fmt.Sprintf("%d", record.UnlockTime),
	}); ok {
		event.UserID = userID
		event.OccurredAt = c.now()
		alerting.Emit(ctx, c.alerts, event)
	}
	return wrapped
}

func (c *Controller) normalizeToken(symbol string) (string, error) {
	if c.tokens.IsNative(symbol) {
		return c.tokens.Native(), nil
	}
	tok, ok := c.tokens.Lookup(symbol)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的代币 %s", symbol))
	}
	return tok.Symbol, nil
}

func (c *Controller) recordSend(intent Intent, path Path, outcome string) {
	metrics.TransfersTotal.WithLabelValues(string(intent), string(path), outcome).Inc()
}

func (c *Controller) auditSent(userID string, t web3.Transfer, path Path, hash string) {
	logger.Audit().Info("转账已发送",
		slog.String("user_id", userID),
		slog.String("to", t.To.Hex()),
		slog.String("amount", t.Amount.String()),
		slog.String("token", t.Token),
		slog.String("path", string(path)),
		slog.String("tx_hash", hash))
}

// Releaser 把链客户端的释放能力适配给定时任务处理器。
type Releaser struct {
	chain web3.ChainClient
}

// NewReleaser 创建 Releaser。
func NewReleaser(chain web3.ChainClient) *Releaser {
	return &Releaser{chain: chain}
}

// Release 在链上释放到期的定时转账。失败统一标记为可重试。
func (r *Releaser) Release(ctx context.Context, t *task.ScheduledTask) (string, error) {
	if r.chain == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	if t == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "定时任务为空")
	}
	res, err := r.chain.ReleaseScheduled(ctx, t.ID)
	if err != nil {
		return "", xerrors.Wrap(task.CodeTaskRelease, err, "释放定时转账失败")
	}
	return res.Hash, nil
}

func validateTransfer(to common.Address, amount decimal.Decimal, signer *web3.Signer) error {
	if signer == nil || signer.PrivateKey == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "签名者未解锁")
	}
	if to == (common.Address{}) {
		return xerrors.New(CodeResolutionFailed, "收款地址为空")
	}
	if !amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额 %s 必须大于 0", amount))
	}
	return nil
}

// classifySend 在两个通道都失败时挑选更具体的错误。
func classifySend(ctx context.Context, gaslessErr, standardErr error) error {
	if ctxErr := contextError(ctx, standardErr); ctxErr != nil {
		return ctxErr
	}
	if isInsufficientFunds(standardErr) || isInsufficientFunds(gaslessErr) {
		return xerrors.Wrap(CodeInsufficientFunds, standardErr, "余额不足，转账未发送")
	}
	if gaslessErr != nil {
		return xerrors.Wrap(CodeTransferFailed, stdErrors.Join(gaslessErr, standardErr), "代付与普通交易均失败")
	}
	return xerrors.Wrap(CodeTransferFailed, standardErr, "发送交易失败")
}

func contextError(ctx context.Context, err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "链上调用超时")
	case stdErrors.Is(err, context.Canceled), ctx.Err() != nil:
		return xerrors.Wrap(xerrors.CodeCancelled, err, "转账已取消")
	}
	return nil
}

func isInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.HasCode(err, CodeInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "余额不足")
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
