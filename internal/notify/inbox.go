package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Inbox 是可回读的通知存储。
type Inbox interface {
	Service
	List(ctx context.Context, userID string, limit int) ([]Notification, error)
}

const defaultCapacity = 200

// MemoryInbox 在内存中为每个用户保留最近的通知。
type MemoryInbox struct {
	mu       sync.RWMutex
	capacity int
	items    map[string][]Notification
	now      func() time.Time
}

// NewMemoryInbox 创建 MemoryInbox。
func NewMemoryInbox(capacity int) *MemoryInbox {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryInbox{capacity: capacity, items: make(map[string][]Notification), now: time.Now}
}

// Notify 把通知插到最前面。
func (m *MemoryInbox) Notify(_ context.Context, userID string, n Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = m.now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]Notification{n}, m.items[userID]...)
	if len(list) > m.capacity {
		list = list[:m.capacity]
	}
	m.items[userID] = list
	return nil
}

// List 返回最近的通知，最新在前。
func (m *MemoryInbox) List(_ context.Context, userID string, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.items[userID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Notification, limit)
	copy(out, list[:limit])
	return out, nil
}

// RedisInbox 使用 Redis list 保存通知，超出容量的旧通知被裁剪。
type RedisInbox struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	now      func() time.Time
}

// NewRedisInbox 创建 RedisInbox。
func NewRedisInbox(client redis.UniversalClient, prefix string, capacity int) *RedisInbox {
	if prefix == "" {
		prefix = "agentdesk:inbox"
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &RedisInbox{client: client, prefix: prefix, capacity: capacity, now: time.Now}
}

func (r *RedisInbox) key(userID string) string {
	return r.prefix + ":" + userID
}

// Notify 实现 Service。
func (r *RedisInbox) Notify(ctx context.Context, userID string, n Notification) error {
	if n.CreatedAt == 0 {
		n.CreatedAt = r.now().Unix()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}
	key := r.key(userID)
	if err := r.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("写入通知失败: %w", err)
	}
	if err := r.client.LTrim(ctx, key, 0, int64(r.capacity-1)).Err(); err != nil {
		return fmt.Errorf("裁剪通知列表失败: %w", err)
	}
	return nil
}

// List 返回最近的通知，无法解析的条目会被跳过。
func (r *RedisInbox) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > r.capacity {
		limit = r.capacity
	}
	raw, err := r.client.LRange(ctx, r.key(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取通知失败: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

var (
	_ Inbox = (*MemoryInbox)(nil)
	_ Inbox = (*RedisInbox)(nil)
)
