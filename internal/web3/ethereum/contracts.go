package ethereum

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// timeLockABI 对应定时释放合约：schedule 锁定资金，release 在到期后由管理员释放。
const timeLockABI = `[
	{"type":"function","name":"schedule","stateMutability":"payable","inputs":[{"name":"id","type":"bytes32"},{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint64"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"id","type":"bytes32"}],"outputs":[]}
]`

var (
	parsedERC20    = mustParseABI(erc20ABI)
	parsedTimeLock = mustParseABI(timeLockABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析内置 ABI 失败: %v", err))
	}
	return parsed
}

func packERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return parsedERC20.Pack("transfer", to, amount)
}

func packERC20Approve(spender common.Address, amount *big.Int) ([]byte, error) {
	return parsedERC20.Pack("approve", spender, amount)
}

func packSchedule(id common.Hash, token, to common.Address, amount *big.Int, unlock uint64) ([]byte, error) {
	return parsedTimeLock.Pack("schedule", [32]byte(id), token, to, amount, unlock)
}

func packRelease(id common.Hash) ([]byte, error) {
	return parsedTimeLock.Pack("release", [32]byte(id))
}
