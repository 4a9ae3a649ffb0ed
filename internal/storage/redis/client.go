package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Open 创建客户端并执行一次 PING。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// Pool 按地址复用客户端，避免多个组件各自建连。
type Pool struct {
	clients map[string]*goredis.Client
}

// NewPool 创建空的客户端池。
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*goredis.Client)}
}

// Get 返回与 cfg 对应的客户端，不存在时新建。
func (p *Pool) Get(ctx context.Context, cfg Config) (*goredis.Client, error) {
	key := fmt.Sprintf("%s/%d", cfg.Addr, cfg.DB)
	if client, ok := p.clients[key]; ok {
		return client, nil
	}
	client, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[key] = client
	return client, nil
}

// Close 关闭池中的全部客户端。
func (p *Pool) Close() error {
	var firstErr error
	for key, client := range p.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, key)
	}
	return firstErr
}
