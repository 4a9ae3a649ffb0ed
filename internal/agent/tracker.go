package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/task"
)

type trackedBatch struct {
	agent      BatchAgent
	cancel     context.CancelFunc
	cancelled  bool
	finishedAt time.Time
}

// Tracker 记录执行中与刚结束的批量任务，对外只返回副本。
// 结束超过保留时长的记录会在下一次访问时被移除，历史记录不受影响。
type Tracker struct {
	mu        sync.Mutex
	batches   map[string]*trackedBatch
	retention time.Duration
	now       func() time.Time
}

// NewTracker 创建跟踪器。retention 小于等于 0 时使用 10 分钟。
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Tracker{
		batches:   make(map[string]*trackedBatch),
		retention: retention,
		now:       time.Now,
	}
}

func (t *Tracker) begin(agent BatchAgent, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	if existing, ok := t.batches[agent.ID]; ok {
		switch existing.agent.Status {
		case StatusInit, StatusExecuting, StatusSent:
			return xerrors.New(CodeBatchAlreadySubmitted, fmt.Sprintf("批量任务 %s 已提交", agent.ID))
		}
	}
	t.batches[agent.ID] = &trackedBatch{agent: agent.clone(), cancel: cancel}
	return nil
}

func (t *Tracker) update(agent BatchAgent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.batches[agent.ID]
	if !ok {
		return
	}
	hidden := entry.agent.HiddenFromDesk
	entry.agent = agent.clone()
	entry.agent.HiddenFromDesk = hidden || agent.HiddenFromDesk
	if agent.Status.Terminal() && entry.finishedAt.IsZero() {
		entry.finishedAt = t.now()
		if entry.cancel != nil {
			entry.cancel()
		}
	}
}

func (t *Tracker) isCancelled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.batches[id]
	return ok && entry.cancelled
}

// Get 返回批量任务的副本。
func (t *Tracker) Get(id string) (BatchAgent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	entry, ok := t.batches[id]
	if !ok {
		return BatchAgent{}, false
	}
	return entry.agent.clone(), true
}

// List 返回用户的批量任务副本，按开始时间倒序。
func (t *Tracker) List(userID string) []BatchAgent {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	out := make([]BatchAgent, 0, len(t.batches))
	for _, entry := range t.batches {
		if userID != "" && entry.agent.UserID != userID {
			continue
		}
		out = append(out, entry.agent.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshots 实现 task.BatchSource。
func (t *Tracker) Snapshots(userID string) []task.BatchSnapshot {
	agents := t.List(userID)
	out := make([]task.BatchSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	return out
}

// Snapshot 实现 task.BatchSource。
func (t *Tracker) Snapshot(id string) (task.BatchSnapshot, bool) {
	a, ok := t.Get(id)
	if !ok {
		return task.BatchSnapshot{}, false
	}
	return a.Snapshot(), true
}

// Cancel 向执行中的批量任务发出协作式取消信号，当前条目结束后生效。
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.batches[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if entry.agent.Status.Terminal() {
		return xerrors.Wrap(task.CodeTaskConflict, task.ErrTaskConflict, "批量任务已结束，无法取消")
	}
	entry.cancelled = true
	if entry.cancel != nil {
		entry.cancel()
	}
	return nil
}

// Dismiss 把已结束的批量任务从任务台隐藏，可重复调用。
func (t *Tracker) Dismiss(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.batches[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if !entry.agent.Status.Terminal() {
		return xerrors.Wrap(task.CodeTaskConflict, task.ErrTaskConflict, "批量任务执行中，无法隐藏")
	}
	entry.agent.HiddenFromDesk = true
	return nil
}

func (t *Tracker) evictLocked() {
	cutoff := t.now().Add(-t.retention)
	for id, entry := range t.batches {
		if !entry.finishedAt.IsZero() && entry.finishedAt.Before(cutoff) {
			delete(t.batches, id)
		}
	}
}
