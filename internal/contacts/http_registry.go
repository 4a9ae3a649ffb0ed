package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRegistry 通过 HTTP 查询名称服务。
// 请求路径为 GET {baseURL}/v1/names/{name}，404 表示未注册。
type HTTPRegistry struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPOption 定制 HTTPRegistry。
type HTTPOption func(*HTTPRegistry)

// WithHTTPClient 替换默认 HTTP 客户端。
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(r *HTTPRegistry) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// NewHTTPRegistry 创建名称服务客户端。
func NewHTTPRegistry(baseURL string, opts ...HTTPOption) (*HTTPRegistry, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("名称服务地址不能为空")
	}
	r := &HTTPRegistry{baseURL: baseURL, httpClient: &http.Client{Timeout: 5 * time.Second}}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve 查询名称对应的地址。
func (r *HTTPRegistry) Resolve(ctx context.Context, name string) (Entry, bool, error) {
	name = normalize(name)
	if name == "" {
		return Entry{}, false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/names/"+url.PathEscape(name), nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("构造名称查询请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Entry{}, false, fmt.Errorf("查询名称服务失败: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Entry{}, false, nil
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Entry{}, false, fmt.Errorf("名称服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entry Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return Entry{}, false, fmt.Errorf("解析名称服务响应失败: %w", err)
	}
	if entry.Address == "" {
		return Entry{}, false, nil
	}
	if entry.Name == "" {
		entry.Name = name
	}
	return entry, true, nil
}
