// Package marker 将哨兵标记区间转换为带样式的 HTML 片段。
//
// 每种标记有独立的起止哨兵，处理器之间互不影响，执行顺序不改变结果。
// 未配对的标记保持原样输出。
package marker

import (
	"html"
	"regexp"
	"strings"
	"sync"
)

// 内置标记哨兵
const (
	BlurStart    = "__BLUR_START__"
	BlurEnd      = "__BLUR_END__"
	OverlayStart = "__OVERLAY_START__"
	OverlayEnd   = "__OVERLAY_END__"
	OverlaySep   = "|"
	RewriteStart = "__REWRITE_START__"
	RewriteEnd   = "__REWRITE_END__"

	DefaultWarning = "Sensitive content"
)

// Handler 单种标记的检测与转换
type Handler interface {
	Name() string
	// Detect 仅做子串判断，不得使用正则
	Detect(text string) bool
	Transform(text string) string
}

// RegionHandler 基于 START…END 的区间处理器
type RegionHandler struct {
	name   string
	start  string
	re     *regexp.Regexp
	render func(inner string) string
}

// NewRegionHandler 创建区间处理器，render 接收区间内文本并返回替换片段
func NewRegionHandler(name, start, end string, render func(inner string) string) *RegionHandler {
	return &RegionHandler{
		name:   name,
		start:  start,
		re:     regexp.MustCompile(`(?s)` + regexp.QuoteMeta(start) + `(.*?)` + regexp.QuoteMeta(end)),
		render: render,
	}
}

func (h *RegionHandler) Name() string { return h.name }

func (h *RegionHandler) Detect(text string) bool { return strings.Contains(text, h.start) }

func (h *RegionHandler) Transform(text string) string {
	return h.re.ReplaceAllStringFunc(text, func(m string) string {
		sub := h.re.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return h.render(sub[1])
	})
}

// Registry 标记处理器注册表
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler

	// onTransform 每次调用 Transform 前触发
	onTransform func(name string)
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry { return &Registry{} }

// Default 创建包含 blur、overlay、rewrite 的注册表
func Default() *Registry {
	r := NewRegistry()
	r.Register(BlurHandler())
	r.Register(OverlayHandler())
	r.Register(RewriteHandler())
	return r
}

// Register 注册处理器，同名覆盖
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.handlers {
		if r.handlers[i].Name() == h.Name() {
			r.handlers[i] = h
			return
		}
	}
	r.handlers = append(r.handlers, h)
}

// Names 已注册的处理器名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Name())
	}
	return out
}

// HasAnyMarkers 是否包含任一已知起始哨兵
func (r *Registry) HasAnyMarkers(text string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Detect(text) {
			return true
		}
	}
	return false
}

// Process 依次执行命中的处理器，输入视为 HTML 片段
func (r *Registry) Process(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if !h.Detect(text) {
			continue
		}
		if r.onTransform != nil {
			r.onTransform(h.Name())
		}
		text = h.Transform(text)
	}
	return text
}

// ProcessText 先转义纯文本再处理标记
func (r *Registry) ProcessText(text string) string {
	if !r.HasAnyMarkers(text) {
		return text
	}
	return r.Process(html.EscapeString(text))
}

// BlurHandler 模糊处理器
func BlurHandler() *RegionHandler {
	return NewRegionHandler("blur", BlurStart, BlurEnd, func(inner string) string {
		return `<span class="diymod-blur" style="filter: blur(5px); cursor: pointer;" title="Click to reveal">` + inner + `</span>`
	})
}

// OverlayHandler 遮罩处理器，区间内以第一个分隔符拆分为警告与内容
func OverlayHandler() *RegionHandler {
	return NewRegionHandler("overlay", OverlayStart, OverlayEnd, func(inner string) string {
		warning, content, ok := strings.Cut(inner, OverlaySep)
		if !ok {
			warning, content = DefaultWarning, inner
		}
		warning = strings.TrimSpace(warning)
		if warning == "" {
			warning = DefaultWarning
		}
		var b strings.Builder
		b.WriteString(`<div class="diymod-overlay" data-warning="`)
		b.WriteString(attrEscape(warning))
		b.WriteString(`"><div class="diymod-overlay-warning"><span class="diymod-overlay-label">`)
		b.WriteString(warning)
		b.WriteString(`</span><button type="button" class="diymod-overlay-toggle">Show</button></div>`)
		b.WriteString(`<div class="diymod-overlay-content" hidden>`)
		b.WriteString(content)
		b.WriteString(`</div></div>`)
		return b.String()
	})
}

// RewriteHandler 改写处理器
func RewriteHandler() *RegionHandler {
	return NewRegionHandler("rewrite", RewriteStart, RewriteEnd, func(inner string) string {
		return `<span class="diymod-rewrite"><span class="diymod-rewrite-label">Modified</span>` + inner + `</span>`
	})
}

func attrEscape(s string) string {
	return strings.NewReplacer(`"`, "&#34;", "<", "&lt;", ">", "&gt;").Replace(s)
}
