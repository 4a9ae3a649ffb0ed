package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentDesk/internal/errors"
)

// MemoryStore 以内存方式保存定时任务，主要用于测试和单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*ScheduledTask
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*ScheduledTask), now: time.Now}
}

// SaveScheduledTransfer 实现 Store 接口。
func (m *MemoryStore) SaveScheduledTransfer(_ context.Context, task *ScheduledTask) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusWaiting
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateStatus 更新任务状态。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, update Update) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的任务状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.LastError = update.LastError
	task.ErrorCode = string(update.ErrorCode)
	if update.ReleaseTx != "" {
		task.ReleaseTx = update.ReleaseTx
	}
	task.UpdatedAt = m.now().Unix()
	return nil
}

// Cancel 取消等待中的任务。
func (m *MemoryStore) Cancel(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusWaiting || task.Cancelled {
		return cloneTask(task), ErrTaskConflict
	}
	task.Status = StatusFailed
	task.Cancelled = true
	task.LastError = cancelledMessage
	task.ErrorCode = string(xerrors.CodeCancelled)
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// Dismiss 隐藏任务。
func (m *MemoryStore) Dismiss(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.HiddenFromDesk {
		return nil
	}
	task.HiddenFromDesk = true
	task.UpdatedAt = m.now().Unix()
	return nil
}

// Retry 重置失败任务。
func (m *MemoryStore) Retry(_ context.Context, id string) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusFailed || task.Cancelled {
		return cloneTask(task), ErrTaskConflict
	}
	task.Status = StatusWaiting
	task.LastError = ""
	task.ErrorCode = ""
	task.Attempts = 0
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// Claim 领取到期任务。
func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time, maxAttempts int) (*ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := claimable(task, now, maxAttempts); err != nil {
		return cloneTask(task), err
	}
	task.Status = StatusExecuting
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = now.Unix()
	return cloneTask(task), nil
}

// List 按条件返回任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*ScheduledTask, error) {
	opts.applyDefaults()
	m.mu.RLock()
	matched := make([]*ScheduledTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			matched = append(matched, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sortTasks(matched, opts.Order)
	if opts.Offset >= len(matched) {
		return []*ScheduledTask{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 聚合任务统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	opts.IncludeHidden = true
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats TaskStats
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.add(task)
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

const cancelledMessage = "用户已取消"

func validateNewTask(task *ScheduledTask) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if task.Status != "" && !IsValidStatus(task.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "无效的任务状态")
	}
	return nil
}

func claimable(task *ScheduledTask, now time.Time, maxAttempts int) error {
	switch {
	case task.Status == StatusSent:
		return ErrTaskCompleted
	case task.Status != StatusWaiting || task.Cancelled:
		return ErrTaskConflict
	case task.UnlockTime > now.Unix():
		return ErrTaskNotDue
	case maxAttempts > 0 && task.Attempts >= maxAttempts:
		return ErrTaskExhausted
	}
	return nil
}

func (s *TaskStats) add(task *ScheduledTask) {
	s.Total++
	switch task.Status {
	case StatusWaiting:
		s.Waiting++
		if !task.Cancelled && (s.NextUnlock == 0 || task.UnlockTime < s.NextUnlock) {
			s.NextUnlock = task.UnlockTime
		}
	case StatusExecuting:
		s.Executing++
	case StatusSent:
		s.Sent++
	case StatusFailed:
		s.Failed++
	}
	if task.HiddenFromDesk {
		s.Hidden++
	}
}

func sortTasks(tasks []*ScheduledTask, order SortOrder) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if order == SortByUnlockAsc {
			if a.UnlockTime == b.UnlockTime {
				return a.ID < b.ID
			}
			return a.UnlockTime < b.UnlockTime
		}
		if a.CreatedAt == b.CreatedAt {
			return a.ID > b.ID
		}
		return a.CreatedAt > b.CreatedAt
	})
}
