package task

import (
	"context"
	"errors"
	"sync"
)

// MemoryQueue 使用 channel 实现调度队列。同一个 ID 在被消费前只会排队一次。
type MemoryQueue struct {
	ch      chan string
	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), pending: make(map[string]struct{})}
}

// Publish 将任务投递到队列，已在排队的 ID 会被忽略。
func (q *MemoryQueue) Publish(ctx context.Context, scheduleID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("队列已关闭")
	}
	if _, ok := q.pending[scheduleID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[scheduleID] = struct{}{}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.release(scheduleID)
		return ctx.Err()
	case q.ch <- scheduleID:
		return nil
	}
}

// Len 返回排队中的任务数。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case scheduleID, ok := <-q.ch:
					if !ok {
						return
					}
					q.release(scheduleID)
					_ = handler(ctx, scheduleID)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) release(scheduleID string) {
	q.mu.Lock()
	delete(q.pending, scheduleID)
	q.mu.Unlock()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
