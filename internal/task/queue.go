package task

import (
	"context"
)

// Handler 处理来自调度队列的定时任务 ID。
type Handler func(ctx context.Context, scheduleID string) error

// Producer 负责向调度队列投递任务。
type Producer interface {
	Publish(ctx context.Context, scheduleID string) error
	Close() error
}

// Consumer 负责从调度队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
