// Package resolver 把用户输入的收款人标识（地址、@用户名、联系人名称）解析为链上地址。
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentDesk/internal/contacts"
	"AgentDesk/pkg/logger"
)

// NewRecipient 是无法匹配联系人时使用的展示名称。
const NewRecipient = "New Recipient"

// Source 标识解析结果的来源。
type Source string

const (
	SourceAddress    Source = "address"
	SourceContact    Source = "contact"
	SourceDirectory  Source = "directory"
	SourceRegistry   Source = "registry"
	SourceUnresolved Source = "unresolved"
)

// Resolution 是一次解析的结果。Resolved 为 false 时 Address 原样保留输入。
type Resolution struct {
	Address  string
	Name     string
	Resolved bool
	Source   Source
}

// Option 定制 Resolver。
type Option func(*Resolver)

// WithDirectory 指定联系人目录。
func WithDirectory(d contacts.Directory) Option {
	return func(r *Resolver) {
		r.directory = d
	}
}

// WithRegistry 指定全局名称注册表。
func WithRegistry(reg contacts.Registry) Option {
	return func(r *Resolver) {
		r.registry = reg
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver 依次尝试地址、已知联系人、联系人目录与全局注册表。
type Resolver struct {
	directory contacts.Directory
	registry  contacts.Registry
	logger    *slog.Logger
}

// New 创建解析器。
func New(opts ...Option) *Resolver {
	r := &Resolver{logger: logger.Named("resolver")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// IsAddress 判断 token 是否为 0x 开头的合法地址。
func IsAddress(token string) bool {
	token = strings.TrimSpace(token)
	return len(token) > 2 && strings.EqualFold(token[:2], "0x") && common.IsHexAddress(token)
}

// Resolve 解析收款人，永远不返回错误，协作方故障按未命中处理。
func (r *Resolver) Resolve(ctx context.Context, userID, token string, known []contacts.Contact) Resolution {
	token = strings.TrimSpace(token)
	if token == "" {
		return Resolution{Name: NewRecipient, Source: SourceUnresolved}
	}

	if IsAddress(token) {
		if c, ok := contacts.FindByAddress(known, token); ok {
			return Resolution{Address: token, Name: displayName(c), Resolved: true, Source: SourceAddress}
		}
		return Resolution{Address: token, Name: NewRecipient, Resolved: true, Source: SourceAddress}
	}

	handle := strings.TrimPrefix(token, "@")
	if c, ok := contacts.FindExact(known, handle); ok && IsAddress(c.Address) {
		return Resolution{Address: c.Address, Name: displayName(c), Resolved: true, Source: SourceContact}
	}

	if r.directory != nil {
		c, ok, err := r.directory.Lookup(ctx, userID, handle)
		if err != nil {
			r.logger.Warn("联系人目录查询失败", "user_id", userID, "token", handle, "error", err)
		} else if ok && IsAddress(c.Address) {
			return Resolution{Address: c.Address, Name: displayName(c), Resolved: true, Source: SourceDirectory}
		}
	}

	if r.registry != nil {
		entry, ok, err := r.registry.Resolve(ctx, handle)
		if err != nil {
			r.logger.Warn("全局注册表查询失败", "token", handle, "error", err)
		} else if ok && IsAddress(entry.Address) {
			name := entry.DisplayName
			if name == "" {
				name = handle
			}
			return Resolution{Address: entry.Address, Name: name, Resolved: true, Source: SourceRegistry}
		}
	}

	return Resolution{Address: token, Name: NewRecipient, Source: SourceUnresolved}
}

func displayName(c contacts.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	if c.Alias != "" {
		return c.Alias
	}
	if c.InternalName != "" {
		return c.InternalName
	}
	return NewRecipient
}
