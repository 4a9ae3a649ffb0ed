package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue 使用 Redis list 实现调度队列，并用一个 set 对排队中的 ID 去重。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// RedisQueueOption 修改 RedisQueue。
type RedisQueueOption func(*RedisQueue)

// WithBlockWait 设置 BRPOP 的阻塞时长。
func WithBlockWait(wait time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if wait > 0 {
			q.wait = wait
		}
	}
}

// WithOwnedClient 让 Close 同时关闭底层客户端。
func WithOwnedClient() RedisQueueOption {
	return func(q *RedisQueue) {
		q.owned = true
	}
}

// NewRedisQueue 基于已有客户端创建队列。
func NewRedisQueue(client redis.UniversalClient, queue string, opts ...RedisQueueOption) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if queue == "" {
		queue = "agentdesk:scheduled"
	}
	q := &RedisQueue{client: client, queue: queue, wait: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

func (q *RedisQueue) pendingKey() string {
	return q.queue + ":pending"
}

// Publish 将任务投递到 Redis，已在排队的 ID 会被忽略。
func (q *RedisQueue) Publish(ctx context.Context, scheduleID string) error {
	added, err := q.client.SAdd(ctx, q.pendingKey(), scheduleID).Result()
	if err != nil {
		return fmt.Errorf("Redis 记录排队任务失败: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := q.client.LPush(ctx, q.queue, scheduleID).Err(); err != nil {
		_ = q.client.SRem(ctx, q.pendingKey(), scheduleID).Err()
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取任务失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				scheduleID := values[1]
				_ = q.client.SRem(ctx, q.pendingKey(), scheduleID).Err()
				if handlerErr := handler(ctx, scheduleID); handlerErr != nil {
					// 存储层故障时放回队尾，等待下一轮。
					_ = q.Publish(ctx, scheduleID)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 在持有客户端所有权时关闭连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
