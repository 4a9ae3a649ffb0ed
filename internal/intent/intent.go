// Package intent 描述自然语言解析器输出的转账意图记录。解析器本身是外部黑盒。
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Action 是意图类型。
type Action string

const (
	ActionSend     Action = "send"
	ActionSchedule Action = "schedule"
)

// Record 是一条结构化转账意图。
type Record struct {
	Action       Action `json:"action"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Token        string `json:"token,omitempty"`
	DelaySeconds int64  `json:"delaySeconds,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Source 定义了把用户文本转换为意图记录的统一接口。
type Source interface {
	Extract(ctx context.Context, userID, text string) ([]Record, error)
}

// Decode 解析 JSON 数组形式的意图记录，兼容 {"intents": [...]} 包裹形式。
func Decode(data []byte) ([]Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	var records []Record
	if strings.HasPrefix(trimmed, "{") {
		var wrapper struct {
			Intents []Record `json:"intents"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
			return nil, fmt.Errorf("解析意图记录失败: %w", err)
		}
		records = wrapper.Intents
	} else if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
		return nil, fmt.Errorf("解析意图记录失败: %w", err)
	}

	for i := range records {
		action := Action(strings.ToLower(strings.TrimSpace(string(records[i].Action))))
		switch action {
		case "", "transfer", ActionSend:
			action = ActionSend
		case "scheduled", ActionSchedule:
			action = ActionSchedule
		default:
			return nil, fmt.Errorf("第 %d 条意图的类型 %q 无法识别", i+1, records[i].Action)
		}
		records[i].Action = action
	}
	return records, nil
}
