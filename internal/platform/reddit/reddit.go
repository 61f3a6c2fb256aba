// Package reddit 解析 Reddit 的 Listing、帖子详情与单条 thing 响应，
// 以及新版页面返回的 shreddit-post HTML 片段。
package reddit

import (
	"html"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"feedmod/internal/platform"
	"feedmod/pkg/model"
)

// shape 响应形态
type shape int

const (
	shapeUnknown shape = iota
	shapeListing
	shapeDetail
	shapeThing
	shapeHTML
)

// Adapter Reddit 适配器
type Adapter struct{}

// New 创建 Reddit 适配器
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() model.Platform { return model.PlatformReddit }

// CanHandle 匹配 reddit.com 及其子域
func (a *Adapter) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "reddit.com" || strings.HasSuffix(host, ".reddit.com")
}

// thing 响应中的一个 t1/t3 节点，path 指向包含 kind/data 的对象
type thing struct {
	path string
	kind string
	data gjson.Result
}

func detect(raw string) shape {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<") {
		return shapeHTML
	}
	if !gjson.Valid(raw) {
		return shapeUnknown
	}
	root := gjson.Parse(raw)
	switch {
	case root.IsArray():
		return shapeDetail
	case root.Get("kind").Str == "Listing":
		return shapeListing
	case root.Get("kind").Exists() && root.Get("data").IsObject():
		return shapeThing
	}
	return shapeUnknown
}

// things 按文档顺序遍历所有帖子与评论
func things(raw string) []thing {
	var out []thing
	switch detect(raw) {
	case shapeListing:
		walkListing(gjson.Parse(raw), "", &out)
	case shapeDetail:
		gjson.Parse(raw).ForEach(func(k, v gjson.Result) bool {
			if v.Get("kind").Str == "Listing" {
				walkListing(v, k.String(), &out)
			}
			return true
		})
	case shapeThing:
		walkThing(gjson.Parse(raw), "", &out)
	}
	return out
}

func walkListing(listing gjson.Result, prefix string, out *[]thing) {
	listing.Get("data.children").ForEach(func(k, child gjson.Result) bool {
		walkThing(child, platform.Join(prefix, "data.children", k.String()), out)
		return true
	})
}

func walkThing(t gjson.Result, p string, out *[]thing) {
	kind := t.Get("kind").Str
	if kind == "more" || kind == "Listing" {
		return
	}
	data := t.Get("data")
	if !data.IsObject() {
		return
	}
	*out = append(*out, thing{path: p, kind: kind, data: data})
	if replies := data.Get("replies"); replies.IsObject() {
		walkListing(replies, platform.Join(p, "data.replies"), out)
	}
}

func thingID(d gjson.Result) string {
	if id := d.Get("name").Str; id != "" {
		return id
	}
	return d.Get("id").String()
}

// ExtractPosts 提取帖子，解析失败返回空列表
func (a *Adapter) ExtractPosts(raw string) []model.Post {
	if detect(raw) == shapeHTML {
		return extractHTML(raw)
	}
	posts := []model.Post{}
	for _, t := range things(raw) {
		id := thingID(t.data)
		if id == "" {
			continue
		}
		p := model.Post{
			ID:        id,
			Title:     platform.Optional(t.data.Get("title")),
			Platform:  model.PlatformReddit,
			MediaURLs: collectMedia(t).URLs(),
			Metadata:  metadata(t),
		}
		if t.kind == "t1" {
			p.Body = platform.Optional(t.data.Get("body"))
		} else {
			p.Body = platform.Optional(t.data.Get("selftext"))
		}
		posts = append(posts, p)
	}
	return posts
}

func metadata(t thing) map[string]any {
	m := map[string]any{"kind": t.kind}
	for _, k := range []string{"subreddit", "author", "permalink", "score", "num_comments", "over_18"} {
		if v := t.data.Get(k); v.Exists() {
			m[k] = v.Value()
		}
	}
	return m
}

// collectMedia 收集直链图片、预览图（含多分辨率）与图集
func collectMedia(t thing) *platform.MediaSet {
	ms := platform.NewMediaSet()
	dp := platform.Join(t.path, "data")

	if u := t.data.Get("url"); u.Type == gjson.String && isImageURL(u.Str) {
		ms.Add(platform.Join(dp, "url"), u.Str)
		if o := t.data.Get("url_overridden_by_dest"); o.Type == gjson.String {
			ms.AddKnown(platform.Join(dp, "url_overridden_by_dest"), o.Str)
		}
	}

	t.data.Get("preview.images").ForEach(func(ik, img gjson.Result) bool {
		ip := platform.Join(dp, "preview.images", ik.String())
		src := img.Get("source.url")
		if src.Type != gjson.String {
			return true
		}
		idx := ms.Add(platform.Join(ip, "source.url"), src.Str)
		img.Get("resolutions").ForEach(func(rk, res gjson.Result) bool {
			if u := res.Get("url"); u.Type == gjson.String {
				ms.Alias(platform.Join(ip, "resolutions", rk.String(), "url"), idx, u.Str)
			}
			return true
		})
		return true
	})

	meta := t.data.Get("media_metadata")
	if !meta.IsObject() {
		return ms
	}
	addMeta := func(id string) {
		item := meta.Get(platform.EscapeKey(id))
		if !item.IsObject() {
			return
		}
		mp := platform.Join(dp, "media_metadata", platform.EscapeKey(id))
		key := "s.u"
		if item.Get(key).Type != gjson.String {
			key = "s.gif"
		}
		s := item.Get(key)
		if s.Type != gjson.String {
			return
		}
		idx := ms.Add(platform.Join(mp, key), s.Str)
		item.Get("p").ForEach(func(pk, pv gjson.Result) bool {
			if u := pv.Get("u"); u.Type == gjson.String {
				ms.Alias(platform.Join(mp, "p", pk.String(), "u"), idx, u.Str)
			}
			return true
		})
	}
	if items := t.data.Get("gallery_data.items"); items.IsArray() {
		items.ForEach(func(_, it gjson.Result) bool {
			addMeta(it.Get("media_id").String())
			return true
		})
	} else {
		meta.ForEach(func(k, _ gjson.Result) bool {
			addMeta(k.String())
			return true
		})
	}
	return ms
}

func isImageURL(raw string) bool {
	u, err := url.Parse(platform.NormalizeURL(raw))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "i.redd.it" || host == "i.imgur.com" {
		return true
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// UpdateResponseWithProcessedPosts 按ID合并处理结果，其余字节保持不变
func (a *Adapter) UpdateResponseWithProcessedPosts(original string, processed []model.ProcessedPost) string {
	if len(processed) == 0 {
		return original
	}
	sh := detect(original)
	if sh == shapeHTML {
		return updateHTML(original, processed)
	}
	if sh == shapeUnknown {
		return original
	}
	byID := platform.Index(processed)
	out := original
	for _, t := range things(original) {
		pp, ok := byID[thingID(t.data)]
		if !ok {
			continue
		}
		dp := platform.Join(t.path, "data")
		if pp.ProcessedTitle != nil {
			out = platform.SetString(out, platform.Join(dp, "title"), *pp.ProcessedTitle)
		}
		if pp.ProcessedBody != nil {
			field := "selftext"
			if t.kind == "t1" {
				field = "body"
			}
			out = platform.SetString(out, platform.Join(dp, field), *pp.ProcessedBody)
			if h := t.data.Get(field + "_html"); h.Type == gjson.String {
				out = platform.SetString(out, platform.Join(dp, field+"_html"), bodyHTML(*pp.ProcessedBody))
			}
		}
		if len(pp.ProcessedMediaURLs) > 0 {
			out = collectMedia(t).Apply(out, pp.ProcessedMediaURLs)
		}
	}
	if !gjson.Valid(out) {
		return original
	}
	return out
}

// bodyHTML 按 Reddit 的 *_html 字段格式生成实体转义后的 HTML
func bodyHTML(body string) string {
	var b strings.Builder
	b.WriteString(`<div class="md">`)
	for _, para := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(para))
		b.WriteString("</p>")
	}
	b.WriteString("</div>")
	return html.EscapeString(b.String())
}
