// Package batch 把自由格式的收款人文本或 AI 意图记录转换为有序的转账请求列表。
package batch

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"AgentDesk/internal/contacts"
	"AgentDesk/internal/resolver"
	"AgentDesk/internal/transfer"
)

var (
	numericRun = regexp.MustCompile(`\d+(?:,\d+)+`)
	listMarker = regexp.MustCompile(`^(?:[-*>]+\s*|\d+[.)]\s+)`)
	fieldSplit = regexp.MustCompile(`[,\t]`)
)

// DefaultSymbols 是未指定代币表时识别的代币符号。
var DefaultSymbols = []string{"ETH", "USDC", "USDT", "DAI"}

// Parser 按行解析收款人文本。
type Parser struct {
	symbols  map[string]string
	matchers []matcher
}

// NewParser 创建解析器，symbols 为可识别的代币符号。
func NewParser(symbols []string) *Parser {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	p := &Parser{symbols: make(map[string]string, len(symbols)), matchers: defaultMatchers}
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s != "" {
			p.symbols[strings.ToUpper(s)] = strings.ToUpper(s)
		}
	}
	return p
}

// Parse 使用默认代币符号解析文本。
func Parse(rawText string, known []contacts.Contact) []transfer.Request {
	return NewParser(nil).Parse(rawText, known)
}

// Parse 解析文本，输出顺序与输入行顺序一致。无法识别收款人或金额的行会被丢弃。
func (p *Parser) Parse(rawText string, known []contacts.Contact) []transfer.Request {
	var out []transfer.Request
	for _, raw := range strings.Split(strings.ReplaceAll(rawText, "\r\n", "\n"), "\n") {
		f, ok := p.extract(raw)
		if !ok {
			continue
		}
		for _, m := range p.matchers {
			if req, ok := m.match(f, known); ok {
				out = append(out, req)
				break
			}
		}
	}
	return out
}

// fields 是一行文本拆分后的结果。
type fields struct {
	address string
	amount  string
	symbol  string
	name    string
}

func (p *Parser) extract(raw string) (fields, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return fields{}, false
	}
	line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
	line = rewriteNumericCommas(line)

	tokens := tokenize(line)
	var (
		f         fields
		nameParts []string
	)
	for _, tok := range tokens {
		switch {
		case f.address == "" && looksLikeAddress(tok):
			f.address = tok
		case f.amount == "" && startsNumeric(tok):
			amount, suffix, ok := splitAmount(tok)
			if !ok {
				nameParts = appendName(nameParts, tok)
				continue
			}
			f.amount = amount
			if sym, ok := p.symbols[strings.ToUpper(suffix)]; ok && f.symbol == "" {
				f.symbol = sym
			}
		default:
			if sym, ok := p.symbols[strings.ToUpper(cleanName(tok))]; ok && f.symbol == "" {
				f.symbol = sym
				continue
			}
			nameParts = appendName(nameParts, tok)
		}
	}
	f.name = strings.Join(nameParts, " ")

	if f.name == "" && f.address == "" {
		return fields{}, false
	}
	amount, err := decimal.NewFromString(f.amount)
	if err != nil || !amount.IsPositive() {
		return fields{}, false
	}
	return f, true
}

// rewriteNumericCommas 只改写独立数字中的逗号，地址后的分隔逗号不受影响。
// 单个逗号视为小数点；多个逗号视为千分位，若末组不是三位则末个逗号为小数点。
func rewriteNumericCommas(line string) string {
	locs := numericRun.FindAllStringIndex(line, -1)
	if len(locs) == 0 {
		return line
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if !runStart(line, start) || !runEnd(line, end) {
			continue
		}
		b.WriteString(line[last:start])
		b.WriteString(normalizeRun(line[start:end]))
		last = end
	}
	b.WriteString(line[last:])
	return b.String()
}

func runStart(line string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(line[:i])
	return strings.ContainsRune(" \t,;$¥€£", r)
}

func runEnd(line string, i int) bool {
	return i == len(line) || strings.ContainsAny(line[i:i+1], " \t;")
}

func normalizeRun(run string) string {
	groups := strings.Split(run, ",")
	if len(groups) == 2 {
		return groups[0] + "." + groups[1]
	}
	tail := groups[len(groups)-1]
	if len(tail) == 3 {
		return strings.Join(groups, "")
	}
	return strings.Join(groups[:len(groups)-1], "") + "." + tail
}

func tokenize(line string) []string {
	var tokens []string
	for _, part := range fieldSplit.Split(line, -1) {
		if part = strings.TrimSpace(part); part != "" {
			tokens = append(tokens, part)
		}
	}
	if len(tokens) == 1 {
		if words := strings.Fields(line); len(words) > 1 {
			return words
		}
	}
	return tokens
}

func looksLikeAddress(tok string) bool {
	tok = strings.Trim(tok, "`\"'*")
	if len(tok) < 40 || !strings.HasPrefix(strings.ToLower(tok), "0x") {
		return false
	}
	for _, r := range tok[2:] {
		if !isHex(r) {
			return false
		}
	}
	return true
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

func startsNumeric(tok string) bool {
	tok = strings.TrimLeft(tok, "$¥€£")
	if tok == "" || strings.HasPrefix(strings.ToLower(tok), "0x") {
		return false
	}
	c := tok[0]
	return (c >= '0' && c <= '9') || (c == '.' && len(tok) > 1 && tok[1] >= '0' && tok[1] <= '9')
}

// splitAmount 去掉货币符号与逗号后返回数字部分，以及紧随其后的字母后缀。
// 数字部分只允许数字、小数点与逗号，后缀只允许字母，其他字符视为非金额。
func splitAmount(tok string) (string, string, bool) {
	tok = strings.TrimLeft(tok, "$¥€£")
	var num, suffix strings.Builder
	for _, r := range tok {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		switch {
		case isLetter:
			suffix.WriteRune(r)
		case suffix.Len() > 0:
			return "", "", false
		case (r >= '0' && r <= '9') || r == '.':
			num.WriteRune(r)
		case r == ',':
		default:
			return "", "", false
		}
	}
	amount := num.String()
	if _, err := decimal.NewFromString(amount); err != nil {
		return "", "", false
	}
	return amount, suffix.String(), true
}

func appendName(parts []string, tok string) []string {
	if cleaned := cleanName(tok); cleaned != "" {
		return append(parts, cleaned)
	}
	return parts
}

// cleanName 去掉 markdown 残留。
func cleanName(tok string) string {
	tok = strings.ReplaceAll(tok, "**", "")
	tok = strings.TrimLeft(strings.TrimSpace(tok), "->* ")
	return strings.TrimSpace(strings.Trim(tok, "\"'`“”"))
}

// matcher 是一种把拆分结果映射为请求的策略。
type matcher interface {
	match(f fields, known []contacts.Contact) (transfer.Request, bool)
}

var defaultMatchers = []matcher{addressMatcher{}, contactMatcher{}, nameMatcher{}}

// addressMatcher 处理带显式地址的行。行内已写名称时保留该名称，只在缺失时用联系人补全。
type addressMatcher struct{}

func (addressMatcher) match(f fields, known []contacts.Contact) (transfer.Request, bool) {
	if f.address == "" {
		return transfer.Request{}, false
	}
	name := f.name
	if name == "" {
		if c, ok := contacts.FindByAddress(known, f.address); ok {
			name = c.Name
		}
	}
	if name == "" {
		name = resolver.NewRecipient
	}
	return newRequest(f, f.address, f.address, name), true
}

// contactMatcher 处理只有名称且能在联系人中命中的行，精确匹配优先于子串匹配。
type contactMatcher struct{}

func (contactMatcher) match(f fields, known []contacts.Contact) (transfer.Request, bool) {
	if f.name == "" {
		return transfer.Request{}, false
	}
	c, ok := contacts.FindExact(known, f.name)
	if !ok {
		c, ok = contacts.FindSubstring(known, f.name)
	}
	if !ok || !resolver.IsAddress(c.Address) {
		return transfer.Request{}, false
	}
	name := c.Name
	if name == "" {
		name = f.name
	}
	return newRequest(f, f.name, c.Address, name), true
}

// nameMatcher 兜底：保留原始名称，收款地址留待执行时解析。
type nameMatcher struct{}

func (nameMatcher) match(f fields, _ []contacts.Contact) (transfer.Request, bool) {
	if f.name == "" {
		return transfer.Request{}, false
	}
	return newRequest(f, f.name, "", f.name), true
}

func newRequest(f fields, raw, recipient, name string) transfer.Request {
	return transfer.Request{
		RecipientRaw: raw,
		Recipient:    recipient,
		DisplayName:  name,
		Amount:       f.amount,
		TokenSymbol:  f.symbol,
		Intent:       transfer.IntentSend,
	}
}
