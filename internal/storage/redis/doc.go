// Package redis 负责创建共享的 Redis 客户端。调度队列、通知收件箱、
// 聊天记录与通讯录缓存都复用同一个连接池。
package redis
