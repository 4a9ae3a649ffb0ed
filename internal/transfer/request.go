package transfer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Intent 区分即时转账与定时转账。
type Intent string

const (
	IntentSend     Intent = "send"
	IntentSchedule Intent = "schedule"
)

// Path 标识交易最终走的通道。
type Path string

const (
	PathGasless   Path = "gasless"
	PathStandard  Path = "standard"
	PathPaymaster Path = "paymaster"
	PathLegacy    Path = "legacy"
)

// Request 是一笔待执行的转账。Recipient 为空表示尚未解析。
// 定时意图下 DelaySeconds 为 0 与未填写等价，使用控制器的默认延迟。
type Request struct {
	RecipientRaw string `json:"recipient_raw"`
	Recipient    string `json:"recipient,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Amount       string `json:"amount"`
	TokenSymbol  string `json:"token,omitempty"`
	Intent       Intent `json:"intent,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

// Resolved 判断收款地址是否已经确定。
func (r Request) Resolved() bool {
	return isAddress(r.Recipient)
}

// Value 解析金额。
func (r Request) Value() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(r.Amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("金额 %q 不是合法数字", r.Amount)
	}
	return amount, nil
}

// Validate 校验金额为正数、收款地址为空或合法、意图合法。
func (r Request) Validate() error {
	amount, err := r.Value()
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("金额 %s 必须大于 0", r.Amount)
	}
	if r.Recipient != "" && !isAddress(r.Recipient) {
		return fmt.Errorf("收款地址 %s 不合法", r.Recipient)
	}
	switch r.Intent {
	case "", IntentSend:
	case IntentSchedule:
		if r.DelaySeconds < 0 {
			return fmt.Errorf("延迟时间不能为负数")
		}
	default:
		return fmt.Errorf("未知的转账意图 %s", r.Intent)
	}
	return nil
}

// Label 返回适合展示的收款人名称。
func (r Request) Label() string {
	switch {
	case r.DisplayName != "":
		return r.DisplayName
	case r.RecipientRaw != "":
		return r.RecipientRaw
	default:
		return r.Recipient
	}
}

// Result 是单个条目的执行结果，记录后不再修改。
type Result struct {
	Success    bool    `json:"success"`
	Hash       string  `json:"hash,omitempty"`
	ScheduleID string  `json:"schedule_id,omitempty"`
	Path       Path    `json:"path,omitempty"`
	Error      string  `json:"error,omitempty"`
	Tx         Request `json:"tx"`
}

func isAddress(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 2 && strings.EqualFold(s[:2], "0x") && common.IsHexAddress(s)
}
