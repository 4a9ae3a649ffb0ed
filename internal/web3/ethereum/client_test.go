package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/shopspring/decimal"

	"AgentDesk/internal/web3"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type simulatedChain struct {
	backend *simulated.Backend
	client  *Client
	user    *web3.Signer
	admin   *ecdsa.PrivateKey
}

func newSimulatedChain(t *testing.T, opts ...Option) *simulatedChain {
	t.Helper()

	userKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	adminKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate admin key: %v", err)
	}
	user := crypto.PubkeyToAddress(userKey.PublicKey)
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		user:  {Balance: ether(10)},
		admin: {Balance: ether(10)},
	})
	t.Cleanup(func() { _ = backend.Close() })

	tokens, err := web3.NewTokens("ETH", nil)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	opts = append([]Option{WithCommit(func() { backend.Commit() })}, opts...)
	client, err := NewBackendClient(backend.Client(), Config{
		Name:           "simulated",
		Tokens:         tokens,
		AdminKey:       hex.EncodeToString(crypto.FromECDSA(adminKey)),
		ReceiptTimeout: 5 * time.Second,
		ReceiptPoll:    10 * time.Millisecond,
	}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	return &simulatedChain{
		backend: backend,
		client:  client,
		user:    &web3.Signer{UserID: "u-1", Address: user, PrivateKey: userKey},
		admin:   adminKey,
	}
}

func TestSendStandardMovesNativeFunds(t *testing.T) {
	chain := newSimulatedChain(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	res, err := chain.client.SendStandard(ctx, chain.user, web3.Transfer{To: recipient, Amount: decimal.RequireFromString("1.5"), Token: "ETH"})
	if err != nil {
		t.Fatalf("send standard: %v", err)
	}
	if !strings.HasPrefix(res.Hash, "0x") || len(res.Hash) != 66 {
		t.Fatalf("unexpected hash %q", res.Hash)
	}

	balance, err := chain.client.NativeBalance(ctx, recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestSendStandardSurfacesInsufficientFunds(t *testing.T) {
	chain := newSimulatedChain(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poorKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	poor := &web3.Signer{Address: crypto.PubkeyToAddress(poorKey.PublicKey), PrivateKey: poorKey}
	_, err = chain.client.SendStandard(ctx, poor, web3.Transfer{To: chain.user.Address, Amount: decimal.NewFromInt(1)})
	if err == nil {
		t.Fatalf("expected insufficient funds error")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdminTopUp(t *testing.T) {
	chain := newSimulatedChain(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	if _, err := chain.client.AdminTopUp(ctx, target, decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("top up: %v", err)
	}
	balance, err := chain.client.NativeBalance(ctx, target)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestPathsRequireConfiguration(t *testing.T) {
	chain := newSimulatedChain(t)
	ctx := context.Background()
	transfer := web3.Transfer{To: chain.user.Address, Amount: decimal.NewFromInt(1)}

	if _, err := chain.client.SendGasless(ctx, chain.user, transfer); err == nil {
		t.Fatalf("expected gasless send to fail without relay")
	}
	if _, err := chain.client.ScheduleLegacy(ctx, chain.user, transfer, time.Now().Add(time.Minute)); err == nil {
		t.Fatalf("expected legacy schedule to fail without time-lock address")
	}
	if _, err := chain.client.ReleaseScheduled(ctx, "0x01"); err == nil {
		t.Fatalf("expected release to fail without time-lock address")
	}
	if _, err := chain.client.SendStandard(ctx, chain.user, web3.Transfer{To: chain.user.Address, Amount: decimal.NewFromInt(1), Token: "DOGE"}); err == nil {
		t.Fatalf("expected unknown token to be rejected")
	}
}

func TestToBaseUnitsRejectsExcessPrecision(t *testing.T) {
	if _, err := toBaseUnits(decimal.RequireFromString("1.0000001"), 6); err == nil {
		t.Fatalf("expected precision error")
	}
	v, err := toBaseUnits(decimal.RequireFromString("30.50"), 6)
	if err != nil {
		t.Fatalf("to base units: %v", err)
	}
	if v.String() != "30500000" {
		t.Fatalf("unexpected base units %s", v)
	}
	if got := fromBaseUnits(big.NewInt(1500000), 6); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected decimal %s", got)
	}
}

func TestPackScheduleEncodesSelector(t *testing.T) {
	id := crypto.Keccak256Hash([]byte("schedule"))
	data, err := packSchedule(id, common.Address{}, common.HexToAddress("0x01"), big.NewInt(5), 1700000000)
	if err != nil {
		t.Fatalf("pack schedule: %v", err)
	}
	if len(data) != 4+5*32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	release, err := packRelease(id)
	if err != nil {
		t.Fatalf("pack release: %v", err)
	}
	if len(release) != 4+32 {
		t.Fatalf("unexpected release calldata length %d", len(release))
	}
}
