package web3

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeDecimals 是原生币的精度。
const NativeDecimals int32 = 18

// Token 描述一个 ERC-20 代币。
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Tokens 是某条链上可用的代币表。
type Tokens struct {
	native string
	erc20  map[string]Token
}

// NewTokens 构造代币表，符号大小写不敏感。
func NewTokens(native string, erc20 []Token) (Tokens, error) {
	native = strings.ToUpper(strings.TrimSpace(native))
	if native == "" {
		native = "ETH"
	}
	set := Tokens{native: native, erc20: make(map[string]Token, len(erc20))}
	for _, tok := range erc20 {
		sym := strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if sym == "" || sym == native {
			return Tokens{}, fmt.Errorf("代币符号 %q 不合法", tok.Symbol)
		}
		if tok.Address == (common.Address{}) {
			return Tokens{}, fmt.Errorf("代币 %s 缺少合约地址", sym)
		}
		tok.Symbol = sym
		set.erc20[sym] = tok
	}
	return set, nil
}

// Native 返回原生币符号。
func (t Tokens) Native() string {
	if t.native == "" {
		return "ETH"
	}
	return t.native
}

// IsNative 判断符号是否为原生币，空符号视为原生币。
func (t Tokens) IsNative(symbol string) bool {
	symbol = strings.TrimSpace(symbol)
	return symbol == "" || strings.EqualFold(symbol, t.Native())
}

// Lookup 返回 ERC-20 代币信息。
func (t Tokens) Lookup(symbol string) (Token, bool) {
	tok, ok := t.erc20[strings.ToUpper(strings.TrimSpace(symbol))]
	return tok, ok
}

// Symbols 返回全部可识别的代币符号，原生币在前。
func (t Tokens) Symbols() []string {
	out := make([]string, 0, len(t.erc20)+1)
	out = append(out, t.Native())
	rest := make([]string, 0, len(t.erc20))
	for sym := range t.erc20 {
		rest = append(rest, sym)
	}
	sort.Strings(rest)
	return append(out, rest...)
}
