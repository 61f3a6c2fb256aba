package platform

import "strings"

type slot struct {
	path  string
	index int
	orig  string
}

// MediaSet 收集一个帖子的媒体URL及其在原始JSON中的全部位置。
// 同一逻辑图片的多个位置（多分辨率、重复引用）共享同一个下标，
// 合并时一个处理后的URL写入该下标对应的所有位置。
type MediaSet struct {
	urls  []string
	index map[string]int
	slots []slot
}

// NewMediaSet 创建媒体集合
func NewMediaSet() *MediaSet {
	return &MediaSet{index: make(map[string]int)}
}

// Add 登记一个提取出的媒体URL，返回其下标；空URL返回 -1
func (m *MediaSet) Add(path, raw string) int {
	u := NormalizeURL(raw)
	if u == "" {
		return -1
	}
	i, ok := m.index[u]
	if !ok {
		i = len(m.urls)
		m.urls = append(m.urls, u)
		m.index[u] = i
	}
	if path != "" {
		m.slots = append(m.slots, slot{path: path, index: i, orig: raw})
	}
	return i
}

// Alias 为已有下标追加一个位置，用于同一图片的其他分辨率
func (m *MediaSet) Alias(path string, index int, raw string) {
	if index < 0 || index >= len(m.urls) || path == "" {
		return
	}
	m.slots = append(m.slots, slot{path: path, index: index, orig: raw})
}

// AddKnown URL 已登记时追加位置，否则忽略
func (m *MediaSet) AddKnown(path, raw string) {
	if i, ok := m.index[NormalizeURL(raw)]; ok {
		m.Alias(path, i, raw)
	}
}

// URLs 去重后的媒体URL，保持出现顺序
func (m *MediaSet) URLs() []string {
	return append([]string{}, m.urls...)
}

// Apply 将处理后的URL按下标写回所有位置
func (m *MediaSet) Apply(json string, processed []string) string {
	for _, s := range m.slots {
		if s.index >= len(processed) {
			continue
		}
		v := processed[s.index]
		if v == "" || v == s.orig || v == m.urls[s.index] {
			continue
		}
		json = SetString(json, s.path, v)
	}
	return json
}

// NormalizeURL 还原 HTML 实体转义的 &amp;
func NormalizeURL(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), "&amp;", "&")
}
