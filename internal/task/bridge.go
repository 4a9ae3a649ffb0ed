package task

import (
	"context"
	"sort"
	"sync"
)

// BridgeSource 提供跨链桥任务。任务台只读取与隐藏，不取消桥任务。
type BridgeSource interface {
	ListBridges(ctx context.Context, userID string) ([]BridgeTask, error)
	DismissBridge(ctx context.Context, id string) (BridgeTask, error)
	GetBridge(ctx context.Context, id string) (BridgeTask, error)
}

// BridgeRecorder 接收桥服务回报的任务状态。
type BridgeRecorder interface {
	RecordBridge(ctx context.Context, task BridgeTask) (BridgeTask, error)
}

// MemoryBridgeStore 在内存中保存桥服务回报的任务状态。
type MemoryBridgeStore struct {
	mu    sync.RWMutex
	tasks map[string]BridgeTask
}

// NewMemoryBridgeStore 创建 MemoryBridgeStore。
func NewMemoryBridgeStore() *MemoryBridgeStore {
	return &MemoryBridgeStore{tasks: make(map[string]BridgeTask)}
}

// RecordBridge 写入或覆盖桥任务，保留已有的隐藏标记与创建时间。
func (m *MemoryBridgeStore) RecordBridge(_ context.Context, task BridgeTask) (BridgeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[task.ID]; ok {
		task.HiddenFromDesk = task.HiddenFromDesk || existing.HiddenFromDesk
		if task.CreatedAt == 0 {
			task.CreatedAt = existing.CreatedAt
		}
	}
	m.tasks[task.ID] = task
	return task, nil
}

// ListBridges 返回用户的桥任务，按创建时间倒序。
func (m *MemoryBridgeStore) ListBridges(_ context.Context, userID string) ([]BridgeTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BridgeTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		if userID != "" && task.UserID != userID {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// GetBridge 查询单个桥任务。
func (m *MemoryBridgeStore) GetBridge(_ context.Context, id string) (BridgeTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return BridgeTask{}, ErrTaskNotFound
	}
	return task, nil
}

// DismissBridge 隐藏桥任务。
func (m *MemoryBridgeStore) DismissBridge(_ context.Context, id string) (BridgeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return BridgeTask{}, ErrTaskNotFound
	}
	task.HiddenFromDesk = true
	m.tasks[id] = task
	return task, nil
}

var (
	_ BridgeSource   = (*MemoryBridgeStore)(nil)
	_ BridgeRecorder = (*MemoryBridgeStore)(nil)
)
