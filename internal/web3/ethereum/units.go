package ethereum

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// toBaseUnits 把人类可读金额转换为链上最小单位。
func toBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("金额 %s 不能为负数", amount.String())
	}
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("金额 %s 超出代币精度 %d", amount.String(), decimals)
	}
	return scaled.BigInt(), nil
}

// fromBaseUnits 把链上最小单位转换为人类可读金额。
func fromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
