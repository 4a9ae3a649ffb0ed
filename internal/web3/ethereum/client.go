package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentDesk/internal/web3"
	"AgentDesk/pkg/logger"
)

// Backend 是客户端依赖的最小链访问接口，ethclient 与 simulated 客户端均满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config 描述如何构造 EVM 链客户端。
type Config struct {
	Name            string
	RPCURL          string
	RelayURL        string
	TimeLockAddress string
	Tokens          web3.Tokens
	AdminKey        string
	ReceiptTimeout  time.Duration
	ReceiptPoll     time.Duration
}

// Option 定制客户端行为。
type Option func(*Client)

// WithRelay 指定代付中继。
func WithRelay(relay *Relay) Option {
	return func(c *Client) {
		c.relay = relay
	}
}

// WithCommit 在每次发送交易后调用，用于模拟链出块。
func WithCommit(commit func()) Option {
	return func(c *Client) {
		c.commit = commit
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client 基于 go-ethereum 实现 web3.ChainClient。
type Client struct {
	name     string
	backend  Backend
	eth      *ethclient.Client
	relay    *Relay
	tokens   web3.Tokens
	timeLock common.Address
	admin    *ecdsa.PrivateKey
	commit   func()
	logger   *slog.Logger

	receiptTimeout time.Duration
	receiptPoll    time.Duration

	chainMu sync.Mutex
	chainID *big.Int

	sendLocks sync.Map
}

var _ web3.ChainClient = (*Client)(nil)

// NewClient 连接配置的 RPC 与中继端点并返回客户端。
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	if strings.TrimSpace(cfg.RelayURL) != "" {
		relay, err := DialRelay(ctx, cfg.RelayURL)
		if err != nil {
			eth.Close()
			return nil, err
		}
		opts = append([]Option{WithRelay(relay)}, opts...)
	}

	client, err := NewBackendClient(eth, cfg, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.eth = eth
	return client, nil
}

// NewBackendClient 使用现成的链后端构造客户端，测试时传入 simulated 客户端。
func NewBackendClient(backend Backend, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("链后端不能为空")
	}
	c := &Client{
		name:           cfg.Name,
		backend:        backend,
		tokens:         cfg.Tokens,
		logger:         logger.Named("ethereum"),
		receiptTimeout: cfg.ReceiptTimeout,
		receiptPoll:    cfg.ReceiptPoll,
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = time.Second
	}

	if addr := strings.TrimSpace(cfg.TimeLockAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("时间锁合约地址 %s 不合法", addr)
		}
		c.timeLock = common.HexToAddress(addr)
	}
	if raw := strings.TrimPrefix(strings.TrimSpace(cfg.AdminKey), "0x"); raw != "" {
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析管理员私钥失败: %w", err)
		}
		c.admin = key
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Name 返回链名。
func (c *Client) Name() string {
	return c.name
}

// Tokens 返回客户端使用的代币表。
func (c *Client) Tokens() web3.Tokens {
	return c.tokens
}

// Close 释放网络连接。
func (c *Client) Close() {
	if c.relay != nil {
		c.relay.Close()
		c.relay = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// SendGasless 通过代付中继提交即时转账。
func (c *Client) SendGasless(ctx context.Context, signer *web3.Signer, t web3.Transfer) (web3.TxResult, error) {
	if c.relay == nil {
		return web3.TxResult{}, errors.New("未配置代付中继")
	}
	req, err := c.relayRequest(ctx, signer, t, time.Time{}, nil)
	if err != nil {
		return web3.TxResult{}, err
	}
	receipt, err := c.relay.SendTransfer(ctx, req)
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("代付中继发送失败: %w", err)
	}
	return web3.TxResult{Hash: receipt.Hash}, nil
}

// SendStandard 由签名者自付 gas 提交即时转账。
func (c *Client) SendStandard(ctx context.Context, signer *web3.Signer, t web3.Transfer) (web3.TxResult, error) {
	if err := checkSigner(signer); err != nil {
		return web3.TxResult{}, err
	}
	if c.tokens.IsNative(t.Token) {
		value, err := toBaseUnits(t.Amount, web3.NativeDecimals)
		if err != nil {
			return web3.TxResult{}, err
		}
		tx, err := c.submit(ctx, signer.PrivateKey, t.To, value, nil)
		if err != nil {
			return web3.TxResult{}, err
		}
		return web3.TxResult{Hash: tx.Hash().Hex()}, nil
	}

	token, ok := c.tokens.Lookup(t.Token)
	if !ok {
		return web3.TxResult{}, fmt.Errorf("不支持的代币 %s", t.Token)
	}
	amount, err := toBaseUnits(t.Amount, token.Decimals)
	if err != nil {
		return web3.TxResult{}, err
	}
	data, err := packERC20Transfer(t.To, amount)
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("编码转账调用失败: %w", err)
	}
	tx, err := c.submit(ctx, signer.PrivateKey, token.Address, nil, data)
	if err != nil {
		return web3.TxResult{}, err
	}
	return web3.TxResult{Hash: tx.Hash().Hex()}, nil
}

// EstimateScheduleFee 向 paymaster 询问定时转账的手续费，返回原生币单位。
func (c *Client) EstimateScheduleFee(ctx context.Context, signer *web3.Signer, t web3.Transfer, unlock time.Time) (decimal.Decimal, error) {
	if c.relay == nil {
		return decimal.Zero, errors.New("未配置 paymaster")
	}
	req, err := c.relayRequest(ctx, signer, t, unlock, nil)
	if err != nil {
		return decimal.Zero, err
	}
	fee, err := c.relay.EstimateScheduleFee(ctx, req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("估算定时手续费失败: %w", err)
	}
	return fromBaseUnits(fee, web3.NativeDecimals), nil
}

// ScheduleGasless 通过 paymaster 提交定时转账。
func (c *Client) ScheduleGasless(ctx context.Context, signer *web3.Signer, t web3.Transfer, unlock time.Time, fee decimal.Decimal) (web3.TxResult, error) {
	if c.relay == nil {
		return web3.TxResult{}, errors.New("未配置 paymaster")
	}
	feeWei, err := toBaseUnits(fee, web3.NativeDecimals)
	if err != nil {
		return web3.TxResult{}, err
	}
	req, err := c.relayRequest(ctx, signer, t, unlock, feeWei)
	if err != nil {
		return web3.TxResult{}, err
	}
	receipt, err := c.relay.ScheduleTransfer(ctx, req)
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("paymaster 定时转账失败: %w", err)
	}
	return web3.TxResult{Hash: receipt.Hash, ScheduleID: receipt.ScheduleID}, nil
}

// ScheduleLegacy 由签名者直接调用时间锁合约锁定资金。
func (c *Client) ScheduleLegacy(ctx context.Context, signer *web3.Signer, t web3.Transfer, unlock time.Time) (web3.TxResult, error) {
	if err := checkSigner(signer); err != nil {
		return web3.TxResult{}, err
	}
	if c.timeLock == (common.Address{}) {
		return web3.TxResult{}, errors.New("未配置时间锁合约地址")
	}
	if unlock.IsZero() {
		return web3.TxResult{}, errors.New("缺少解锁时间")
	}

	id := crypto.Keccak256Hash([]byte(uuid.NewString()))
	var (
		tokenAddr common.Address
		amount    *big.Int
		value     *big.Int
		err       error
	)
	if c.tokens.IsNative(t.Token) {
		amount, err = toBaseUnits(t.Amount, web3.NativeDecimals)
		if err != nil {
			return web3.TxResult{}, err
		}
		value = amount
	} else {
		token, ok := c.tokens.Lookup(t.Token)
		if !ok {
			return web3.TxResult{}, fmt.Errorf("不支持的代币 %s", t.Token)
		}
		tokenAddr = token.Address
		amount, err = toBaseUnits(t.Amount, token.Decimals)
		if err != nil {
			return web3.TxResult{}, err
		}
		approve, err := packERC20Approve(c.timeLock, amount)
		if err != nil {
			return web3.TxResult{}, fmt.Errorf("编码授权调用失败: %w", err)
		}
		if _, err := c.submit(ctx, signer.PrivateKey, token.Address, nil, approve); err != nil {
			return web3.TxResult{}, fmt.Errorf("授权时间锁合约失败: %w", err)
		}
	}

	data, err := packSchedule(id, tokenAddr, t.To, amount, uint64(unlock.Unix()))
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("编码定时调用失败: %w", err)
	}
	tx, err := c.submit(ctx, signer.PrivateKey, c.timeLock, value, data)
	if err != nil {
		return web3.TxResult{}, err
	}
	return web3.TxResult{Hash: tx.Hash().Hex(), ScheduleID: id.Hex()}, nil
}

// NativeBalance 查询原生币余额。
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (decimal.Decimal, error) {
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询余额失败: %w", err)
	}
	return fromBaseUnits(balance, web3.NativeDecimals), nil
}

// AdminTopUp 由管理员账户为地址补充 gas。
func (c *Client) AdminTopUp(ctx context.Context, address common.Address, amount decimal.Decimal) (web3.TxResult, error) {
	if c.admin == nil {
		return web3.TxResult{}, errors.New("未配置管理员私钥")
	}
	value, err := toBaseUnits(amount, web3.NativeDecimals)
	if err != nil {
		return web3.TxResult{}, err
	}
	tx, err := c.submit(ctx, c.admin, address, value, nil)
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("管理员补充 gas 失败: %w", err)
	}
	c.logger.Info("已补充 gas", "address", address.Hex(), "amount", amount.String(), "tx", tx.Hash().Hex())
	return web3.TxResult{Hash: tx.Hash().Hex()}, nil
}

// ReleaseScheduled 由管理员释放到期的定时转账。
func (c *Client) ReleaseScheduled(ctx context.Context, scheduleID string) (web3.TxResult, error) {
	if c.admin == nil {
		return web3.TxResult{}, errors.New("未配置管理员私钥")
	}
	if c.timeLock == (common.Address{}) {
		return web3.TxResult{}, errors.New("未配置时间锁合约地址")
	}
	raw := strings.TrimSpace(scheduleID)
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		return web3.TxResult{}, fmt.Errorf("定时任务编号 %s 不合法", scheduleID)
	}
	data, err := packRelease(common.HexToHash(raw))
	if err != nil {
		return web3.TxResult{}, fmt.Errorf("编码释放调用失败: %w", err)
	}
	tx, err := c.submit(ctx, c.admin, c.timeLock, nil, data)
	if err != nil {
		return web3.TxResult{}, err
	}
	return web3.TxResult{Hash: tx.Hash().Hex(), ScheduleID: raw}, nil
}

func (c *Client) relayRequest(ctx context.Context, signer *web3.Signer, t web3.Transfer, unlock time.Time, fee *big.Int) (RelayTransfer, error) {
	if err := checkSigner(signer); err != nil {
		return RelayTransfer{}, err
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return RelayTransfer{}, err
	}

	decimals := web3.NativeDecimals
	tokenAddr := ""
	if !c.tokens.IsNative(t.Token) {
		token, ok := c.tokens.Lookup(t.Token)
		if !ok {
			return RelayTransfer{}, fmt.Errorf("不支持的代币 %s", t.Token)
		}
		decimals = token.Decimals
		tokenAddr = token.Address.Hex()
	}
	amount, err := toBaseUnits(t.Amount, decimals)
	if err != nil {
		return RelayTransfer{}, err
	}

	req := RelayTransfer{
		ChainID:  chainID.String(),
		From:     signer.Address.Hex(),
		To:       t.To.Hex(),
		Token:    tokenAddr,
		Amount:   amount.String(),
		Deadline: time.Now().Add(10 * time.Minute).Unix(),
	}
	if !unlock.IsZero() {
		req.UnlockTime = unlock.Unix()
	}
	if fee != nil {
		req.Fee = fee.String()
	}
	if err := signRelayTransfer(&req, signer.PrivateKey); err != nil {
		return RelayTransfer{}, err
	}
	return req, nil
}

// submit 构造、签名并发送 EIP-1559 交易，等待回执确认。同一发送地址的交易串行执行以保证 nonce 有序。
func (c *Client) submit(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	lock := c.lockFor(from)
	lock.Lock()
	defer lock.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询小费失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	if c.commit != nil {
		c.commit()
	}

	receipt, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("交易 %s 执行失败", signed.Hash().Hex())
	}
	return signed, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易 %s 回执超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) lockFor(addr common.Address) *sync.Mutex {
	lock, _ := c.sendLocks.LoadOrStore(addr, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func checkSigner(signer *web3.Signer) error {
	if signer == nil || signer.PrivateKey == nil {
		return errors.New("签名者未解锁")
	}
	return nil
}
