package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"AgentDesk/internal/config"
	"AgentDesk/internal/web3"
	"AgentDesk/internal/web3/ethereum"
)

// Registry 按链名管理链客户端。
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
}

// BuildTokens 把配置中的代币表转换为 web3.Tokens。
func BuildTokens(native string, tokens map[string]config.TokenConfig) (web3.Tokens, error) {
	list := make([]web3.Token, 0, len(tokens))
	for sym, tok := range tokens {
		if !common.IsHexAddress(tok.Address) {
			return web3.Tokens{}, fmt.Errorf("代币 %s 的合约地址不合法", sym)
		}
		decimals := tok.Decimals
		if decimals <= 0 {
			decimals = 18
		}
		list = append(list, web3.Token{Symbol: sym, Address: common.HexToAddress(tok.Address), Decimals: decimals})
	}
	return web3.NewTokens(native, list)
}

// NewRegistry 加载链定义并实例化客户端。
// 链定义文件为空时回退到 web3 配置中的单个 RPC 地址。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:            "evm",
			RPCURL:          cfg.RPCURL,
			RelayURL:        cfg.RelayURL,
			TimeLockAddress: cfg.TimeLockAddress,
			NativeSymbol:    cfg.NativeSymbol,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	r := &Registry{clients: make(map[string]*ethereum.Client)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}

		native := chain.NativeSymbol
		if native == "" {
			native = cfg.NativeSymbol
		}
		tokens, err := BuildTokens(native, cfg.Tokens)
		if err != nil {
			r.Close()
			return nil, err
		}
		relayURL := chain.RelayURL
		if relayURL == "" {
			relayURL = cfg.RelayURL
		}
		timeLock := chain.TimeLockAddress
		if timeLock == "" {
			timeLock = cfg.TimeLockAddress
		}

		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:            name,
			RPCURL:          chain.RPCURL,
			RelayURL:        relayURL,
			TimeLockAddress: timeLock,
			Tokens:          tokens,
			AdminKey:        cfg.AdminKey,
			ReceiptTimeout:  cfg.ReceiptTimeout,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if err := r.setDefault(cfg.DefaultChain); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry 使用现成的客户端构造注册表。
func NewStaticRegistry(defaultChain string, clients map[string]*ethereum.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未提供任何链客户端")
	}
	r := &Registry{clients: make(map[string]*ethereum.Client, len(clients))}
	for name, client := range clients {
		r.clients[name] = client
	}
	if err := r.setDefault(defaultChain); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) setDefault(name string) error {
	if name == "" {
		name = r.Chains()[0]
	}
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("默认链 %s 未在配置中找到", name)
	}
	r.defaultChain = name
	return nil
}

// DefaultClient 返回默认链客户端。
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 按链名返回客户端。
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains 返回已注册的链名。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
