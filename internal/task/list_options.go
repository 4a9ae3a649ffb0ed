package task

import (
	"strings"
	"time"
)

// SortOrder 定义列表排序方式。
type SortOrder int

const (
	// SortByCreatedDesc 按创建时间倒序。
	SortByCreatedDesc SortOrder = iota
	// SortByUnlockAsc 按解锁时间正序，调度器扫描到期任务时使用。
	SortByUnlockAsc
)

// ListOptions 控制定时任务的查询条件。
type ListOptions struct {
	Limit         int
	Offset        int
	UserID        string
	Statuses      []Status
	DueBefore     int64
	IncludeHidden bool
	Order         SortOrder
	Query         string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUnlockAsc {
		opts.Order = SortByCreatedDesc
	}
	opts.UserID = strings.TrimSpace(opts.UserID)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithUser 只返回指定用户的任务。
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) {
		opts.UserID = userID
	}
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithDueBefore 只返回解锁时间不晚于 ts 的任务。
func WithDueBefore(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.DueBefore = 0
			return
		}
		opts.DueBefore = ts.Unix()
	}
}

// WithHidden 包含已从任务台隐藏的任务。
func WithHidden() ListOption {
	return func(opts *ListOptions) {
		opts.IncludeHidden = true
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery 按收款人、名称、交易哈希模糊匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// BuildListOptions 在默认值之上应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		status = Status(strings.ToUpper(string(status)))
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func matchesListFilters(task *ScheduledTask, opts ListOptions) bool {
	if opts.UserID != "" && task.UserID != opts.UserID {
		return false
	}
	if !opts.IncludeHidden && task.HiddenFromDesk {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.DueBefore > 0 && task.UnlockTime > opts.DueBefore {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		haystack := strings.ToLower(strings.Join([]string{task.ID, task.Recipient, task.RecipientName, task.CreationTx, task.ReleaseTx}, " "))
		if !strings.Contains(haystack, q) {
			return false
		}
	}
	return true
}
