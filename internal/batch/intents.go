package batch

import (
	"strings"

	"github.com/shopspring/decimal"

	"AgentDesk/internal/contacts"
	"AgentDesk/internal/intent"
	"AgentDesk/internal/transfer"
)

// FromIntents 把意图记录转换为转账请求，收款人按与文本解析相同的规则与联系人交叉匹配。
// 缺少收款人或金额非正的记录会被丢弃。
func (p *Parser) FromIntents(records []intent.Record, known []contacts.Contact) []transfer.Request {
	out := make([]transfer.Request, 0, len(records))
	for _, rec := range records {
		recipient := strings.TrimSpace(rec.Recipient)
		if recipient == "" {
			continue
		}
		rawAmount := strings.TrimSpace(rec.Amount)
		if !startsNumeric(rawAmount) {
			continue
		}
		amount, _, ok := splitAmount(rawAmount)
		if !ok {
			continue
		}
		if v, err := decimal.NewFromString(amount); err != nil || !v.IsPositive() {
			continue
		}

		f := fields{amount: amount}
		if sym, ok := p.symbols[strings.ToUpper(strings.TrimSpace(rec.Token))]; ok {
			f.symbol = sym
		} else if rec.Token != "" {
			f.symbol = strings.ToUpper(strings.TrimSpace(rec.Token))
		}
		if looksLikeAddress(recipient) {
			f.address = recipient
		} else {
			f.name = cleanName(strings.TrimPrefix(recipient, "@"))
		}

		var req transfer.Request
		for _, m := range p.matchers {
			if r, ok := m.match(f, known); ok {
				req = r
				break
			}
		}
		if req.RecipientRaw == "" {
			continue
		}
		if rec.Action == intent.ActionSchedule {
			req.Intent = transfer.IntentSchedule
			req.DelaySeconds = rec.DelaySeconds
		}
		out = append(out, req)
	}
	return out
}

// FromIntents 使用默认代币符号转换意图记录。
func FromIntents(records []intent.Record, known []contacts.Contact) []transfer.Request {
	return NewParser(nil).FromIntents(records, known)
}
