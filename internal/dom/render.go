package dom

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"feedmod/internal/marker"
	"feedmod/internal/platform"
)

// ParseFragment 以 body 为上下文解析 HTML 片段，文档根为该 body 元素
func ParseFragment(s string, opts Options) (*Document, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), body)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	return NewDocument(body, opts), nil
}

// IsFullDocument 开头 512 字节内出现 <html 视为完整文档
func IsFullDocument(s string) bool {
	head := s
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(strings.ToLower(head), "<html")
}

// RenderMarkers 一次性处理 HTML 响应体中的文本标记与图片配置；
// 延迟图片保留属性，交给页面侧处理器轮询。不含标记时原样返回。
func RenderMarkers(s string, reg *marker.Registry) string {
	if reg == nil {
		reg = marker.Default()
	}
	if !reg.HasAnyMarkers(s) && !strings.Contains(s, marker.ImageAttr) {
		return s
	}
	full := IsFullDocument(s)
	var (
		doc *Document
		err error
	)
	if full {
		doc, err = Parse(s, Options{})
	} else {
		doc, err = ParseFragment(s, Options{})
	}
	if err != nil {
		return s
	}
	NewProcessor(doc, ProcessorConfig{Registry: reg}).ProcessAll()
	if full {
		return doc.Render()
	}
	return InnerHTML(doc.Root())
}

// AttachImageConfigs 给 src 命中的 img 写入干预配置属性，configs 以图片地址为键
func AttachImageConfigs(s string, configs map[string]string) string {
	if len(configs) == 0 {
		return s
	}
	full := IsFullDocument(s)
	var (
		doc *Document
		err error
	)
	if full {
		doc, err = Parse(s, Options{})
	} else {
		doc, err = ParseFragment(s, Options{})
	}
	if err != nil {
		return s
	}
	hit := 0
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		n := sel.Get(0)
		src, _ := Attr(n, "src")
		if cfg, ok := configs[platform.NormalizeURL(src)]; ok {
			doc.SetAttr(n, marker.ImageAttr, cfg)
			hit++
		}
	})
	if hit == 0 {
		return s
	}
	if full {
		return doc.Render()
	}
	return InnerHTML(doc.Root())
}
