package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"AgentDesk/internal/notify"
	"AgentDesk/internal/storage/mysql"
	"AgentDesk/internal/transfer"
)

func (a *Agent) saveHistory(ctx context.Context, state BatchAgent) {
	if a.history == nil {
		return
	}
	records := make([]mysql.TransferRecord, 0, len(state.Results))
	for i, res := range state.Results {
		records = append(records, historyRecord(fmt.Sprintf("%s-%d", state.ID, i+1), state.ID, state.UserID, res, a.now().Unix()))
	}
	if err := a.history.Save(ctx, records...); err != nil {
		a.logger.Error("保存转账历史失败",
			slog.String("batch_id", state.ID),
			slog.Int("records", len(records)),
			slog.Any("error", err))
	}
}

func historyRecord(id, batchID, userID string, res transfer.Result, createdAt int64) mysql.TransferRecord {
	intent := res.Tx.Intent
	if intent == "" {
		intent = transfer.IntentSend
	}
	return mysql.TransferRecord{
		ID:            id,
		BatchID:       batchID,
		UserID:        userID,
		Recipient:     res.Tx.Recipient,
		RecipientName: res.Tx.Label(),
		Amount:        res.Tx.Amount,
		Token:         res.Tx.TokenSymbol,
		Intent:        string(intent),
		Success:       res.Success,
		Hash:          res.Hash,
		ScheduleID:    res.ScheduleID,
		Error:         res.Error,
		CreatedAt:     createdAt,
	}
}

// notifyOwner 为终态批次发送唯一一条汇总通知。
func (a *Agent) notifyOwner(ctx context.Context, state BatchAgent) {
	n := notify.Notification{
		Type: notify.TypeBatchComplete,
		Data: map[string]string{
			"batch_id": state.ID,
			"total":    strconv.Itoa(state.TotalCount),
			"success":  strconv.Itoa(state.SuccessCount),
			"failed":   strconv.Itoa(state.FailedCount),
		},
		CreatedAt: a.now().Unix(),
	}
	switch {
	case state.Status == StatusFailed:
		n.Type = notify.TypeBatchPartialFailed
		n.Title = "批量转账失败"
		n.Content = fmt.Sprintf("共 %d 笔，成功 %d 笔：%s", state.TotalCount, state.SuccessCount, state.Error)
	case state.FailedCount > 0:
		n.Type = notify.TypeBatchPartialFailed
		n.Title = "批量转账部分失败"
		n.Content = fmt.Sprintf("共 %d 笔，成功 %d 笔，失败 %d 笔", state.TotalCount, state.SuccessCount, state.FailedCount)
	default:
		n.Title = "批量转账完成"
		n.Content = fmt.Sprintf("共 %d 笔，全部成功", state.TotalCount)
	}
	notify.Deliver(ctx, a.notifier, state.UserID, n)
}

// report 把执行结果写入对话记录。
func (a *Agent) report(ctx context.Context, state BatchAgent) {
	if a.chat == nil {
		return
	}
	msg := notify.Message{
		Role:      notify.RoleAgent,
		Content:   buildReport(state),
		BatchID:   state.ID,
		CreatedAt: a.now().Unix(),
	}
	if err := a.chat.Append(ctx, state.UserID, msg); err != nil {
		a.logger.Warn("写入对话记录失败", slog.String("batch_id", state.ID), slog.Any("error", err))
	}
}

func buildReport(state BatchAgent) string {
	var b strings.Builder
	switch {
	case state.Status == StatusFailed && len(state.Results) == 0:
		fmt.Fprintf(&b, "批量转账未执行：%s", state.Error)
		return b.String()
	case state.Status == StatusFailed:
		fmt.Fprintf(&b, "批量转账已中止：成功 %d 笔，失败 %d 笔", state.SuccessCount, state.FailedCount)
	default:
		fmt.Fprintf(&b, "批量转账已完成：成功 %d 笔，失败 %d 笔", state.SuccessCount, state.FailedCount)
	}
	for i, res := range state.Results {
		token := res.Tx.TokenSymbol
		if token == "" {
			token = "ETH"
		}
		fmt.Fprintf(&b, "\n%d. %s %s %s ", i+1, res.Tx.Label(), res.Tx.Amount, token)
		switch {
		case !res.Success:
			b.WriteString("失败：" + res.Error)
		case res.ScheduleID != "":
			fmt.Fprintf(&b, "已预约 (%s)", res.Hash)
		default:
			fmt.Fprintf(&b, "已发送 (%s)", res.Hash)
		}
	}
	return b.String()
}

// notifyRecipient 通知收款人到账，只用于即时转账。收款人以地址作为收件箱标识。
func (a *Agent) notifyRecipient(ctx context.Context, sender string, res transfer.Result) {
	token := res.Tx.TokenSymbol
	if token == "" {
		token = "ETH"
	}
	notify.Deliver(ctx, a.notifier, res.Tx.Recipient, notify.Notification{
		Type:    notify.TypeFundsReceived,
		Title:   "收到转账",
		Content: fmt.Sprintf("收到 %s %s", res.Tx.Amount, token),
		Data: map[string]string{
			"from_user": sender,
			"tx_hash":   res.Hash,
			"path":      string(res.Path),
		},
		CreatedAt: a.now().Unix(),
	})
}
