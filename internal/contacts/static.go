package contacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticDirectory 通过 YAML 文件提供联系人目录，shared 中的联系人对所有用户可见。
type StaticDirectory struct {
	mu     sync.RWMutex
	users  map[string][]Contact
	shared []Contact
}

type staticFile struct {
	Shared []Contact             `yaml:"shared"`
	Users  map[string][]Contact `yaml:"users"`
}

// NewStaticDirectory 创建静态联系人目录。
func NewStaticDirectory(users map[string][]Contact, shared []Contact) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string][]Contact, len(users)), shared: append([]Contact(nil), shared...)}
	for user, list := range users {
		d.users[user] = append([]Contact(nil), list...)
	}
	return d
}

// LoadStaticDirectory 从 YAML 文件加载联系人。
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("联系人文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析联系人文件路径失败: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取联系人文件失败: %w", err)
	}
	var file staticFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析联系人文件失败: %w", err)
	}
	return NewStaticDirectory(file.Users, file.Shared), nil
}

// Add 为用户追加联系人。
func (d *StaticDirectory) Add(userID string, c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = append(d.users[userID], c)
}

// List 返回用户可见的全部联系人，用户私有联系人在前。
func (d *StaticDirectory) List(_ context.Context, userID string) ([]Contact, error) {
	if d == nil {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Contact, 0, len(d.users[userID])+len(d.shared))
	out = append(out, d.users[userID]...)
	out = append(out, d.shared...)
	return out, nil
}

// Lookup 先做精确匹配，再做唯一子串匹配。
func (d *StaticDirectory) Lookup(ctx context.Context, userID, name string) (Contact, bool, error) {
	list, err := d.List(ctx, userID)
	if err != nil {
		return Contact{}, false, err
	}
	if c, ok := FindExact(list, name); ok {
		return c, true, nil
	}
	if c, ok := FindSubstring(list, name); ok {
		return c, true, nil
	}
	return Contact{}, false, nil
}
