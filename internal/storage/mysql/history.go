package mysql

import (
	"context"
	"strings"
)

// TransferRecord 是一次转账执行结果的永久记录。
type TransferRecord struct {
	ID            string `json:"id"`
	BatchID       string `json:"batch_id,omitempty"`
	UserID        string `json:"user_id"`
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	Amount        string `json:"amount"`
	Token         string `json:"token"`
	Intent        string `json:"intent"`
	Success       bool   `json:"success"`
	Hash          string `json:"hash,omitempty"`
	ScheduleID    string `json:"schedule_id,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// HistoryQuery 控制历史查询范围。
type HistoryQuery struct {
	UserID  string
	BatchID string
	Limit   int
}

func (q *HistoryQuery) applyDefaults() {
	q.UserID = strings.TrimSpace(q.UserID)
	q.BatchID = strings.TrimSpace(q.BatchID)
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}
}

func (q HistoryQuery) matches(record TransferRecord) bool {
	if q.UserID != "" && record.UserID != q.UserID {
		return false
	}
	if q.BatchID != "" && record.BatchID != q.BatchID {
		return false
	}
	return true
}

const maxHistoryLimit = 512

// HistoryRepository 抽象执行历史的持久化接口。
type HistoryRepository interface {
	Save(ctx context.Context, records ...TransferRecord) error
	List(ctx context.Context, query HistoryQuery) ([]TransferRecord, error)
	Close() error
}
