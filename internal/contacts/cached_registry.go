package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentDesk/pkg/logger"
)

// CachedRegistry 使用 Redis 缓存注册表命中的结果。缓存故障不影响查询。
type CachedRegistry struct {
	next   Registry
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedRegistry 创建带缓存的注册表。
func NewCachedRegistry(next Registry, client redis.UniversalClient, prefix string, ttl time.Duration) (*CachedRegistry, error) {
	if next == nil {
		return nil, errors.New("缺少下游注册表")
	}
	if client == nil {
		return nil, errors.New("redis client 不能为空")
	}
	if prefix == "" {
		prefix = "agentdesk:registry"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRegistry{next: next, client: client, prefix: prefix, ttl: ttl, logger: logger.Named("contacts")}, nil
}

// Resolve 先查缓存，未命中时查询下游并写入缓存。
func (r *CachedRegistry) Resolve(ctx context.Context, name string) (Entry, bool, error) {
	key := r.prefix + ":" + normalize(name)

	raw, err := r.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var entry Entry
		if jsonErr := json.Unmarshal([]byte(raw), &entry); jsonErr == nil && entry.Address != "" {
			return entry, true, nil
		}
	case !errors.Is(err, redis.Nil):
		r.logger.Warn("读取注册表缓存失败", "key", key, "error", err)
	}

	entry, ok, err := r.next.Resolve(ctx, name)
	if err != nil || !ok {
		return entry, ok, err
	}

	payload, err := json.Marshal(entry)
	if err == nil {
		if setErr := r.client.Set(ctx, key, payload, r.ttl).Err(); setErr != nil {
			r.logger.Warn("写入注册表缓存失败", "key", key, "error", setErr)
		}
	}
	return entry, true, nil
}
