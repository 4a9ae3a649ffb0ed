package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLHistoryRepository 把执行历史写入 transfer_history 表。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 打开连接并执行迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := OpenMigrated(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SQLHistoryRepository{db: db}, nil
}

// NewSQLHistoryRepositoryWithDB 复用已迁移的连接池。
func NewSQLHistoryRepositoryWithDB(db *sql.DB) *SQLHistoryRepository {
	return &SQLHistoryRepository{db: db}
}

const insertHistorySQL = `INSERT INTO transfer_history
    (id, batch_id, user_id, recipient, recipient_name, amount, token, intent, success, tx_hash, schedule_id, error, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Save 在一个事务内写入全部记录。
func (s *SQLHistoryRepository) Save(ctx context.Context, records ...TransferRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启历史事务失败: %w", err)
	}
	for _, record := range records {
		if _, err := tx.ExecContext(ctx, insertHistorySQL,
			record.ID,
			record.BatchID,
			record.UserID,
			record.Recipient,
			record.RecipientName,
			record.Amount,
			record.Token,
			record.Intent,
			record.Success,
			record.Hash,
			record.ScheduleID,
			record.Error,
			record.CreatedAt,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入历史记录 %s 失败: %w", record.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交历史事务失败: %w", err)
	}
	return nil
}

// List 查询最近的若干条历史记录。
func (s *SQLHistoryRepository) List(ctx context.Context, query HistoryQuery) ([]TransferRecord, error) {
	query.applyDefaults()

	stmt := `SELECT id, batch_id, user_id, recipient, recipient_name, amount, token, intent, success, tx_hash, schedule_id, error, created_at
        FROM transfer_history`
	var conditions []string
	var args []any
	if query.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.BatchID != "" {
		conditions = append(conditions, "batch_id = ?")
		args = append(args, query.BatchID)
	}
	if len(conditions) > 0 {
		stmt += " WHERE " + strings.Join(conditions, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0, query.Limit)
	for rows.Next() {
		var record TransferRecord
		var errText sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.BatchID,
			&record.UserID,
			&record.Recipient,
			&record.RecipientName,
			&record.Amount,
			&record.Token,
			&record.Intent,
			&record.Success,
			&record.Hash,
			&record.ScheduleID,
			&errText,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析历史记录失败: %w", err)
		}
		record.Error = errText.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历历史记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ HistoryRepository = (*SQLHistoryRepository)(nil)
