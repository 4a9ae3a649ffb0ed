// Package contacts 提供联系人目录与全局名称注册表，供收款人解析使用。
package contacts

import (
	"context"
	"strings"
)

// Contact 是用户通讯录中的一条记录。
type Contact struct {
	Name         string `json:"name" yaml:"name"`
	InternalName string `json:"internalName,omitempty" yaml:"internal_name"`
	Alias        string `json:"alias,omitempty" yaml:"alias"`
	Address      string `json:"address" yaml:"address"`
}

// Matches 判断 token 是否与名称、别名或内部名称完全一致（大小写不敏感）。
func (c Contact) Matches(token string) bool {
	token = normalize(token)
	if token == "" {
		return false
	}
	for _, candidate := range []string{c.InternalName, c.Name, c.Alias} {
		if candidate != "" && normalize(candidate) == token {
			return true
		}
	}
	return false
}

// Contains 判断 token 是否为名称或别名的子串。
func (c Contact) Contains(token string) bool {
	token = normalize(token)
	if token == "" {
		return false
	}
	for _, candidate := range []string{c.Name, c.Alias, c.InternalName} {
		if candidate != "" && strings.Contains(normalize(candidate), token) {
			return true
		}
	}
	return false
}

// Directory 是按用户划分的联系人目录。
type Directory interface {
	Lookup(ctx context.Context, userID, name string) (Contact, bool, error)
	List(ctx context.Context, userID string) ([]Contact, error)
}

// Entry 是全局注册表中的一条名称记录。
type Entry struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
}

// Registry 是跨用户的全局名称注册表。
type Registry interface {
	Resolve(ctx context.Context, name string) (Entry, bool, error)
}

// FindByAddress 在联系人列表中按地址查找。
func FindByAddress(known []Contact, address string) (Contact, bool) {
	for _, c := range known {
		if c.Address != "" && strings.EqualFold(c.Address, address) {
			return c, true
		}
	}
	return Contact{}, false
}

// FindExact 在联系人列表中按名称、别名、内部名称精确查找。
func FindExact(known []Contact, token string) (Contact, bool) {
	for _, c := range known {
		if c.Matches(token) {
			return c, true
		}
	}
	return Contact{}, false
}

// FindSubstring 在联系人列表中做子串匹配，只有唯一命中时才返回。
func FindSubstring(known []Contact, token string) (Contact, bool) {
	var (
		found Contact
		hits  int
	)
	for _, c := range known {
		if c.Contains(token) {
			found = c
			hits++
		}
	}
	if hits != 1 {
		return Contact{}, false
	}
	return found, true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
