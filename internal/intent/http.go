package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSource 把用户文本提交给外部意图解析服务。
// 请求为 POST {baseURL}/v1/intents，响应体交给 Decode 处理。
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource 创建意图解析服务客户端。
func NewHTTPSource(baseURL string, timeout time.Duration) (*HTTPSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("意图解析服务地址不能为空")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPSource{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Extract 实现 Source。
func (s *HTTPSource) Extract(ctx context.Context, userID, text string) ([]Record, error) {
	payload, err := json.Marshal(map[string]string{"user_id": userID, "text": text})
	if err != nil {
		return nil, fmt.Errorf("编码意图请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/intents", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构造意图请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用意图解析服务失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取意图响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("意图解析服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(snippet))
	}
	return Decode(body)
}
