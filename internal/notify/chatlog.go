package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message 是对话记录中的一条智能体消息。
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	BatchID   string `json:"batch_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// RoleAgent 标记由执行智能体写入的消息。
const RoleAgent = "agent"

// ChatLog 保存对话式的执行报告。
type ChatLog interface {
	Append(ctx context.Context, userID string, msg Message) error
	Recent(ctx context.Context, userID string, limit int) ([]Message, error)
}

// MemoryChatLog 按用户顺序保存消息。
type MemoryChatLog struct {
	mu       sync.RWMutex
	messages map[string][]Message
}

// NewMemoryChatLog 创建 MemoryChatLog。
func NewMemoryChatLog() *MemoryChatLog {
	return &MemoryChatLog{messages: make(map[string][]Message)}
}

// Append 追加一条消息。
func (m *MemoryChatLog) Append(_ context.Context, userID string, msg Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if msg.Role == "" {
		msg.Role = RoleAgent
	}
	m.mu.Lock()
	m.messages[userID] = append(m.messages[userID], msg)
	m.mu.Unlock()
	return nil
}

// Recent 按时间正序返回最后 limit 条消息。
func (m *MemoryChatLog) Recent(_ context.Context, userID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[userID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]Message, len(list))
	copy(out, list)
	return out, nil
}

// RedisChatLog 使用 Redis list 保存对话消息。
type RedisChatLog struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisChatLog 创建 RedisChatLog。
func NewRedisChatLog(client redis.UniversalClient, prefix string, maxLen int) *RedisChatLog {
	if prefix == "" {
		prefix = "agentdesk:chat"
	}
	if maxLen <= 0 {
		maxLen = 500
	}
	return &RedisChatLog{client: client, prefix: prefix, maxLen: int64(maxLen)}
}

func (r *RedisChatLog) key(userID string) string {
	return r.prefix + ":" + userID
}

// Append 追加到列表尾部并裁剪到 maxLen。
func (r *RedisChatLog) Append(ctx context.Context, userID string, msg Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if msg.Role == "" {
		msg.Role = RoleAgent
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化对话消息失败: %w", err)
	}
	key := r.key(userID)
	if err := r.client.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("写入对话消息失败: %w", err)
	}
	if err := r.client.LTrim(ctx, key, -r.maxLen, -1).Err(); err != nil {
		return fmt.Errorf("裁剪对话记录失败: %w", err)
	}
	return nil
}

// Recent 返回最后 limit 条消息。
func (r *RedisChatLog) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := r.client.LRange(ctx, r.key(userID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取对话记录失败: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

var (
	_ ChatLog = (*MemoryChatLog)(nil)
	_ ChatLog = (*RedisChatLog)(nil)
)
