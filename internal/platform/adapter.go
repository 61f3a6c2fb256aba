// Package platform 定义平台适配器接口以及各平台共用的合并工具。
package platform

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"feedmod/pkg/model"
)

// Adapter 平台响应与统一帖子模型之间的双向映射
type Adapter interface {
	Platform() model.Platform
	// CanHandle 按域名判断 URL 是否属于该平台
	CanHandle(rawURL string) bool
	// ExtractPosts 解析失败时返回空列表
	ExtractPosts(raw string) []model.Post
	// UpdateResponseWithProcessedPosts 仅改写命中ID的目标字段，解析失败返回原文
	UpdateResponseWithProcessedPosts(original string, processed []model.ProcessedPost) string
}

// Registry 适配器注册表
type Registry struct {
	adapters []Adapter
}

// NewRegistry 创建注册表，按传入顺序匹配
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// ForURL 返回第一个能处理该 URL 的适配器
func (r *Registry) ForURL(rawURL string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.CanHandle(rawURL) {
			return a, true
		}
	}
	return nil, false
}

// ForPlatform 按平台查找适配器
func (r *Registry) ForPlatform(p model.Platform) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Platform() == p {
			return a, true
		}
	}
	return nil, false
}

// Index 构建 ID 到处理结果的映射；重复ID以最后一个为准
func Index(processed []model.ProcessedPost) map[string]model.ProcessedPost {
	m := make(map[string]model.ProcessedPost, len(processed))
	for _, p := range processed {
		if p.ID == "" {
			continue
		}
		m[p.ID] = p
	}
	return m
}

// EscapeKey 转义 gjson/sjson 路径中的特殊字符
func EscapeKey(k string) string {
	if !strings.ContainsAny(k, `.*?|#@\:!=<>%`) {
		return k
	}
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Join 拼接路径段
func Join(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// SetString 在路径存在且值不同时写入字符串
func SetString(json, path, value string) string {
	cur := gjson.Get(json, path)
	if !cur.Exists() || (cur.Type == gjson.String && cur.Str == value) {
		return json
	}
	out, err := sjson.Set(json, path, value)
	if err != nil {
		return json
	}
	return out
}

// Optional 字段存在且为字符串时返回指针
func Optional(r gjson.Result) *string {
	if r.Type != gjson.String {
		return nil
	}
	s := r.Str
	return &s
}
