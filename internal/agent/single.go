package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/transfer"
	"AgentDesk/internal/wallet"
	"AgentDesk/pkg/logger"
)

// Single 是一笔不经过批量跟踪的转账。
type Single struct {
	UserID     string
	Request    transfer.Request
	Credential Credential
}

// ExecuteSingle 解锁钱包后执行一笔即时或定时转账，并记录一条历史。
// 即时转账通知收款人，定时转账只通知发起人。
func (a *Agent) ExecuteSingle(ctx context.Context, s Single) (transfer.Result, error) {
	if a.transfers == nil {
		return transfer.Result{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置转账控制器")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return transfer.Result{}, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	signer, err := wallet.Unlock(ctx, a.credential, s.UserID, s.Credential.Blob, s.Credential.Password)
	if err != nil {
		return transfer.Result{Error: xerrors.UserMessageOf(err), Tx: s.Request}, err
	}
	defer signer.Wipe()

	known := a.knownContacts(ctx, s.UserID)
	result, execErr := a.executeItem(ctx, signer, s.UserID, s.Request, known)

	persistCtx := context.WithoutCancel(ctx)
	if a.history != nil {
		record := historyRecord(uuid.NewString(), "", s.UserID, result, a.now().Unix())
		if err := a.history.Save(persistCtx, record); err != nil {
			a.logger.Error("保存转账历史失败", slog.String("user_id", s.UserID), slog.Any("error", err))
		}
	}
	if execErr != nil {
		return result, execErr
	}

	if result.Tx.Intent == transfer.IntentSchedule {
		a.notifyScheduled(persistCtx, s.UserID, result)
	} else {
		a.notifyRecipient(persistCtx, s.UserID, result)
	}
	logger.Audit().Info("单笔转账完成",
		slog.String("user_id", s.UserID),
		slog.String("recipient", result.Tx.Recipient),
		slog.String("amount", result.Tx.Amount),
		slog.String("path", string(result.Path)),
		slog.String("tx_hash", result.Hash))
	return result, nil
}

func (a *Agent) notifyScheduled(ctx context.Context, userID string, res transfer.Result) {
	token := res.Tx.TokenSymbol
	if token == "" {
		token = "ETH"
	}
	content := fmt.Sprintf("%s %s → %s 已预约", res.Tx.Amount, token, res.Tx.Label())
	if delay := time.Duration(res.Tx.DelaySeconds) * time.Second; delay > 0 {
		content = fmt.Sprintf("%s %s → %s，约 %s 后释放", res.Tx.Amount, token, res.Tx.Label(), delay)
	}
	notify.Deliver(ctx, a.notifier, userID, notify.Notification{
		Type:    notify.TypeTransferScheduled,
		Title:   "定时转账已预约",
		Content: content,
		Data: map[string]string{
			"schedule_id": res.ScheduleID,
			"tx_hash":     res.Hash,
		},
		CreatedAt: a.now().Unix(),
	})
}
