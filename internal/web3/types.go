package web3

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Signer 是解锁后的钱包签名者，只在一次批量或单笔转账期间持有。
type Signer struct {
	UserID     string
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
}

// Wipe 清除内存中的私钥。
func (s *Signer) Wipe() {
	if s == nil || s.PrivateKey == nil {
		return
	}
	if s.PrivateKey.D != nil {
		s.PrivateKey.D.SetInt64(0)
	}
	s.PrivateKey = nil
}

// Transfer 描述一笔待提交的转账，Amount 为人类可读单位。
type Transfer struct {
	To     common.Address
	Amount decimal.Decimal
	Token  string
}

// TxResult 是链上提交后的结果。ScheduleID 仅在定时转账时返回。
type TxResult struct {
	Hash       string
	ScheduleID string
}

// ChainClient 抽象了转账执行所需的链上能力。
type ChainClient interface {
	SendGasless(ctx context.Context, signer *Signer, t Transfer) (TxResult, error)
	SendStandard(ctx context.Context, signer *Signer, t Transfer) (TxResult, error)
	EstimateScheduleFee(ctx context.Context, signer *Signer, t Transfer, unlock time.Time) (decimal.Decimal, error)
	ScheduleGasless(ctx context.Context, signer *Signer, t Transfer, unlock time.Time, fee decimal.Decimal) (TxResult, error)
	ScheduleLegacy(ctx context.Context, signer *Signer, t Transfer, unlock time.Time) (TxResult, error)
	NativeBalance(ctx context.Context, address common.Address) (decimal.Decimal, error)
	AdminTopUp(ctx context.Context, address common.Address, amount decimal.Decimal) (TxResult, error)
	ReleaseScheduled(ctx context.Context, scheduleID string) (TxResult, error)
}
