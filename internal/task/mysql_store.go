package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentDesk/internal/errors"
	storagemysql "AgentDesk/internal/storage/mysql"
	mysqldriver "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 的 scheduled_transfers 表记录定时任务。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 打开连接池并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.OpenMigrated(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化定时任务存储失败")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 复用已经迁移好的连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const scheduledColumns = `id, user_id, recipient, recipient_name, amount, token, unlock_time, creation_tx, path, status,
        last_error, error_code, hidden_from_desk, cancelled, attempts, release_tx, created_at, updated_at`

// SaveScheduledTransfer 插入新的定时任务。
func (s *MySQLStore) SaveScheduledTransfer(ctx context.Context, task *ScheduledTask) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusWaiting
	}

	const stmt = `INSERT INTO scheduled_transfers (` + scheduledColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.UserID,
		task.Recipient,
		task.RecipientName,
		task.Amount,
		task.Token,
		task.UnlockTime,
		task.CreationTx,
		task.Path,
		string(task.Status),
		task.LastError,
		task.ErrorCode,
		task.HiddenFromDesk,
		task.Cancelled,
		task.Attempts,
		task.ReleaseTx,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldriver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入定时任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_transfers WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询定时任务失败")
	}
	return task, nil
}

// UpdateStatus 写入新的状态与错误信息。
func (s *MySQLStore) UpdateStatus(ctx context.Context, id string, status Status, update Update) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的任务状态")
	}
	const stmt = `UPDATE scheduled_transfers SET status = ?, last_error = ?, error_code = ?,
        release_tx = CASE WHEN ? = '' THEN release_tx ELSE ? END, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		update.LastError,
		string(update.ErrorCode),
		update.ReleaseTx,
		update.ReleaseTx,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新定时任务状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Cancel 取消等待中的任务。
func (s *MySQLStore) Cancel(ctx context.Context, id string) (*ScheduledTask, error) {
	const stmt = `UPDATE scheduled_transfers SET status = ?, cancelled = 1, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ? AND cancelled = 0`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusFailed),
		cancelledMessage,
		string(xerrors.CodeCancelled),
		s.now().Unix(),
		id,
		string(StatusWaiting),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消定时任务失败")
	}
	return s.afterConditionalUpdate(ctx, id, res, ErrTaskConflict)
}

// Dismiss 把任务从任务台隐藏。
func (s *MySQLStore) Dismiss(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_transfers SET hidden_from_desk = 1, updated_at = ? WHERE id = ? AND hidden_from_desk = 0`,
		s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "隐藏定时任务失败")
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err = s.Get(ctx, id)
	return err
}

// Retry 把失败任务重置为等待状态。
func (s *MySQLStore) Retry(ctx context.Context, id string) (*ScheduledTask, error) {
	const stmt = `UPDATE scheduled_transfers SET status = ?, last_error = '', error_code = '', attempts = 0, updated_at = ?
        WHERE id = ? AND status = ? AND cancelled = 0`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusWaiting),
		s.now().Unix(),
		id,
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "重置定时任务失败")
	}
	return s.afterConditionalUpdate(ctx, id, res, ErrTaskConflict)
}

// Claim 以条件更新的方式领取到期任务。
func (s *MySQLStore) Claim(ctx context.Context, id string, now time.Time, maxAttempts int) (*ScheduledTask, error) {
	const stmt = `UPDATE scheduled_transfers SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status = ? AND cancelled = 0 AND unlock_time <= ? AND (? = 0 OR attempts < ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusExecuting),
		now.Unix(),
		id,
		string(StatusWaiting),
		now.Unix(),
		maxAttempts,
		maxAttempts,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取定时任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		if reason := claimable(task, now, maxAttempts); reason != nil {
			return task, reason
		}
		return task, ErrTaskConflict
	}
	return task, nil
}

func (s *MySQLStore) afterConditionalUpdate(ctx context.Context, id string, res sql.Result, conflict error) (*ScheduledTask, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return task, conflict
	}
	return task, nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*ScheduledTask, error) {
	opts.applyDefaults()

	query := `SELECT ` + scheduledColumns + ` FROM scheduled_transfers`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUnlockAsc {
		query += " ORDER BY unlock_time ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询定时任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*ScheduledTask, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析定时任务失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历定时任务失败")
	}
	return tasks, nil
}

// Stats 返回按状态聚合的统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	opts.IncludeHidden = true

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS waiting,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS executing,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS sent,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(hidden_from_desk), 0) AS hidden,
        COALESCE(MIN(CASE WHEN status = ? AND cancelled = 0 THEN unlock_time END), 0) AS next_unlock
        FROM scheduled_transfers`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusWaiting), string(StatusExecuting), string(StatusSent), string(StatusFailed), string(StatusWaiting)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Waiting,
		&stats.Executing,
		&stats.Sent,
		&stats.Failed,
		&stats.Hidden,
		&stats.NextUnlock,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询定时任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var task ScheduledTask
	var status string
	var lastError sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Recipient,
		&task.RecipientName,
		&task.Amount,
		&task.Token,
		&task.UnlockTime,
		&task.CreationTx,
		&task.Path,
		&status,
		&lastError,
		&task.ErrorCode,
		&task.HiddenFromDesk,
		&task.Cancelled,
		&task.Attempts,
		&task.ReleaseTx,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if !opts.IncludeHidden {
		conditions = append(conditions, "hidden_from_desk = 0")
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.DueBefore > 0 {
		conditions = append(conditions, "unlock_time <= ?")
		args = append(args, opts.DueBefore)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR recipient LIKE ? OR recipient_name LIKE ? OR creation_tx LIKE ? OR release_tx LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
