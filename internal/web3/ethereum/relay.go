package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// RelayTransfer 是提交给代付中继 / paymaster 的已签名授权。
// Token 为空表示原生币，Amount 与 Fee 均为最小单位的十进制字符串。
type RelayTransfer struct {
	ChainID    string `json:"chainId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Token      string `json:"token,omitempty"`
	Amount     string `json:"amount"`
	UnlockTime int64  `json:"unlockTime,omitempty"`
	Fee        string `json:"fee,omitempty"`
	Deadline   int64  `json:"deadline"`
	Signature  string `json:"signature"`
}

// RelayReceipt 是中继返回的交易信息。
type RelayReceipt struct {
	Hash       string `json:"hash"`
	ScheduleID string `json:"scheduleId,omitempty"`
}

// Relay 通过 JSON-RPC 访问代付中继与 paymaster。
type Relay struct {
	rpc *gethrpc.Client
}

// DialRelay 连接中继端点。
func DialRelay(ctx context.Context, url string) (*Relay, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("未配置代付中继地址")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接代付中继失败: %w", err)
	}
	return &Relay{rpc: client}, nil
}

// SendTransfer 请求中继代付一笔即时转账。
func (r *Relay) SendTransfer(ctx context.Context, req RelayTransfer) (RelayReceipt, error) {
	var out RelayReceipt
	if err := r.rpc.CallContext(ctx, &out, "relay_sendTransfer", req); err != nil {
		return RelayReceipt{}, err
	}
	if out.Hash == "" {
		return RelayReceipt{}, errors.New("中继未返回交易哈希")
	}
	return out, nil
}

// EstimateScheduleFee 查询 paymaster 代付定时转账所需的手续费（最小单位）。
func (r *Relay) EstimateScheduleFee(ctx context.Context, req RelayTransfer) (*big.Int, error) {
	var raw string
	if err := r.rpc.CallContext(ctx, &raw, "paymaster_estimateScheduleFee", req); err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("paymaster 返回了非法手续费 %q", raw)
	}
	return fee, nil
}

// ScheduleTransfer 通过 paymaster 提交定时转账。
func (r *Relay) ScheduleTransfer(ctx context.Context, req RelayTransfer) (RelayReceipt, error) {
	var out RelayReceipt
	if err := r.rpc.CallContext(ctx, &out, "paymaster_scheduleTransfer", req); err != nil {
		return RelayReceipt{}, err
	}
	if out.Hash == "" || out.ScheduleID == "" {
		return RelayReceipt{}, errors.New("paymaster 返回的结果不完整")
	}
	return out, nil
}

// Close 断开中继连接。
func (r *Relay) Close() {
	if r != nil && r.rpc != nil {
		r.rpc.Close()
	}
}

// relayDigest 计算授权摘要，签名字段以外的全部字段都参与摘要。
func relayDigest(req RelayTransfer) []byte {
	payload := strings.Join([]string{
		req.ChainID,
		strings.ToLower(req.From),
		strings.ToLower(req.To),
		strings.ToLower(req.Token),
		req.Amount,
		fmt.Sprint(req.UnlockTime),
		req.Fee,
		fmt.Sprint(req.Deadline),
	}, "|")
	return crypto.Keccak256([]byte(payload))
}

func signRelayTransfer(req *RelayTransfer, key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(accounts.TextHash(relayDigest(*req)), key)
	if err != nil {
		return fmt.Errorf("签名代付授权失败: %w", err)
	}
	req.Signature = hexutil.Encode(sig)
	return nil
}

// RecoverRelaySigner 从授权中恢复签名地址，供中继侧校验。
func RecoverRelaySigner(req RelayTransfer) (common.Address, error) {
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("签名格式错误: %w", err)
	}
	pub, err := crypto.SigToPub(accounts.TextHash(relayDigest(req)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名者失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
