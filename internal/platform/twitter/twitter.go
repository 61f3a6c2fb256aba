// Package twitter 解析 Twitter/X 的 globalObjects、GraphQL 时间线与 v1.1 响应。
package twitter

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"feedmod/internal/platform"
	"feedmod/pkg/model"
)

type shape int

const (
	shapeUnknown shape = iota
	shapeGlobalObjects
	shapeGraphQL
	shapeStatuses
	shapeArray
)

// 递归查找 instructions 的最大深度
const maxInstructionDepth = 8

var hosts = []string{"twitter.com", "x.com"}

// Adapter Twitter 适配器
type Adapter struct{}

// New 创建 Twitter 适配器
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Platform() model.Platform { return model.PlatformTwitter }

// CanHandle 匹配 twitter.com、x.com、api.twitter.com 及其子域
func (a *Adapter) CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// tweet 一条推文在响应中的位置
type tweet struct {
	// legacy 指向含 full_text/entities 的对象
	legacy string
	// note 指向长推文的文本，可能为空
	note string
	id   string
	obj  gjson.Result
	root gjson.Result
}

func detect(raw string) shape {
	if !gjson.Valid(raw) {
		return shapeUnknown
	}
	root := gjson.Parse(raw)
	switch {
	case root.IsArray():
		return shapeArray
	case root.Get("globalObjects.tweets").IsObject():
		return shapeGlobalObjects
	case root.Get("statuses").IsArray():
		return shapeStatuses
	case root.Get("data").IsObject():
		return shapeGraphQL
	}
	return shapeUnknown
}

func tweets(raw string) []tweet {
	var out []tweet
	root := gjson.Parse(raw)
	switch detect(raw) {
	case shapeGlobalObjects:
		root.Get("globalObjects.tweets").ForEach(func(k, v gjson.Result) bool {
			addV1(platform.Join("globalObjects.tweets", platform.EscapeKey(k.String())), v, &out)
			return true
		})
	case shapeStatuses:
		root.Get("statuses").ForEach(func(k, v gjson.Result) bool {
			addV1(platform.Join("statuses", k.String()), v, &out)
			return true
		})
	case shapeArray:
		root.ForEach(func(k, v gjson.Result) bool {
			addV1(k.String(), v, &out)
			return true
		})
	case shapeGraphQL:
		findInstructions(root.Get("data"), "data", 0, func(p string, ins gjson.Result) {
			walkInstructions(ins, p, &out)
		})
	}
	return out
}

func addV1(p string, v gjson.Result, out *[]tweet) {
	if !v.IsObject() {
		return
	}
	id := v.Get("id_str").Str
	if id == "" {
		id = v.Get("id").String()
	}
	if id == "" {
		return
	}
	*out = append(*out, tweet{legacy: p, id: id, obj: v, root: v})
}

// findInstructions 深度优先查找所有 instructions 数组
func findInstructions(v gjson.Result, p string, depth int, fn func(string, gjson.Result)) {
	if depth > maxInstructionDepth || !v.IsObject() {
		return
	}
	v.ForEach(func(k, child gjson.Result) bool {
		key := k.String()
		cp := platform.Join(p, platform.EscapeKey(key))
		if key == "instructions" && child.IsArray() {
			fn(cp, child)
			return true
		}
		findInstructions(child, cp, depth+1, fn)
		return true
	})
}

func walkInstructions(ins gjson.Result, p string, out *[]tweet) {
	ins.ForEach(func(ik, in gjson.Result) bool {
		ip := platform.Join(p, ik.String())
		in.Get("entries").ForEach(func(ek, e gjson.Result) bool {
			walkEntry(e, platform.Join(ip, "entries", ek.String()), out)
			return true
		})
		if e := in.Get("entry"); e.IsObject() {
			walkEntry(e, platform.Join(ip, "entry"), out)
		}
		in.Get("moduleItems").ForEach(func(mk, it gjson.Result) bool {
			walkItem(it.Get("item"), platform.Join(ip, "moduleItems", mk.String(), "item"), out)
			return true
		})
		return true
	})
}

func walkEntry(e gjson.Result, p string, out *[]tweet) {
	content := e.Get("content")
	cp := platform.Join(p, "content")
	if ic := content.Get("itemContent"); ic.IsObject() {
		addResult(ic.Get("tweet_results.result"), platform.Join(cp, "itemContent.tweet_results.result"), out)
	}
	content.Get("items").ForEach(func(k, it gjson.Result) bool {
		walkItem(it.Get("item"), platform.Join(cp, "items", k.String(), "item"), out)
		return true
	})
}

func walkItem(it gjson.Result, p string, out *[]tweet) {
	addResult(it.Get("itemContent.tweet_results.result"), platform.Join(p, "itemContent.tweet_results.result"), out)
}

func addResult(r gjson.Result, p string, out *[]tweet) {
	if !r.IsObject() {
		return
	}
	if r.Get("__typename").Str == "TweetWithVisibilityResults" {
		r = r.Get("tweet")
		p = platform.Join(p, "tweet")
	}
	legacy := r.Get("legacy")
	if !legacy.IsObject() {
		return
	}
	id := legacy.Get("id_str").Str
	if id == "" {
		id = r.Get("rest_id").String()
	}
	if id == "" {
		return
	}
	t := tweet{legacy: platform.Join(p, "legacy"), id: id, obj: legacy, root: r}
	if n := r.Get("note_tweet.note_tweet_results.result.text"); n.Type == gjson.String {
		t.note = platform.Join(p, "note_tweet.note_tweet_results.result.text")
	}
	*out = append(*out, t)
}

func textField(obj gjson.Result) string {
	if obj.Get("full_text").Type == gjson.String {
		return "full_text"
	}
	if obj.Get("text").Type == gjson.String {
		return "text"
	}
	return ""
}

// ExtractPosts 提取推文，解析失败返回空列表
func (a *Adapter) ExtractPosts(raw string) []model.Post {
	posts := []model.Post{}
	for _, t := range tweets(raw) {
		p := model.Post{
			ID:        t.id,
			Platform:  model.PlatformTwitter,
			MediaURLs: collectMedia(t).URLs(),
			Metadata:  map[string]any{},
		}
		if t.note != "" {
			p.Body = platform.Optional(t.root.Get("note_tweet.note_tweet_results.result.text"))
		} else if f := textField(t.obj); f != "" {
			p.Body = platform.Optional(t.obj.Get(f))
		}
		if sn := t.root.Get("core.user_results.result.legacy.screen_name"); sn.Exists() {
			p.Metadata["screen_name"] = sn.String()
		} else if sn := t.obj.Get("user.screen_name"); sn.Exists() {
			p.Metadata["screen_name"] = sn.String()
		}
		for _, k := range []string{"favorite_count", "retweet_count", "lang", "created_at"} {
			if v := t.obj.Get(k); v.Exists() {
				p.Metadata[k] = v.Value()
			}
		}
		posts = append(posts, p)
	}
	return posts
}

// collectMedia 优先 extended_entities.media，entities.media 中的相同地址一并改写
func collectMedia(t tweet) *platform.MediaSet {
	ms := platform.NewMediaSet()
	primary, secondary := "extended_entities.media", "entities.media"
	if !t.obj.Get(primary).IsArray() {
		primary, secondary = secondary, ""
	}
	t.obj.Get(primary).ForEach(func(k, m gjson.Result) bool {
		addMedia(ms, platform.Join(t.legacy, primary, k.String()), m, false)
		return true
	})
	if secondary != "" {
		t.obj.Get(secondary).ForEach(func(k, m gjson.Result) bool {
			addMedia(ms, platform.Join(t.legacy, secondary, k.String()), m, true)
			return true
		})
	}
	return ms
}

func addMedia(ms *platform.MediaSet, p string, m gjson.Result, knownOnly bool) {
	switch m.Get("type").Str {
	case "video", "animated_gif":
		best, bestPath := bestVariant(m, p)
		if best == "" {
			return
		}
		if knownOnly {
			ms.AddKnown(bestPath, best)
			return
		}
		ms.Add(bestPath, best)
	default:
		https := m.Get("media_url_https")
		plain := m.Get("media_url")
		switch {
		case knownOnly:
			if https.Type == gjson.String {
				ms.AddKnown(platform.Join(p, "media_url_https"), https.Str)
			}
			if plain.Type == gjson.String {
				ms.AddKnown(platform.Join(p, "media_url"), plain.Str)
			}
		case https.Type == gjson.String:
			idx := ms.Add(platform.Join(p, "media_url_https"), https.Str)
			if plain.Type == gjson.String {
				ms.Alias(platform.Join(p, "media_url"), idx, plain.Str)
			}
		case plain.Type == gjson.String:
			ms.Add(platform.Join(p, "media_url"), plain.Str)
		}
	}
}

// bestVariant 选取码率最高的视频变体
func bestVariant(m gjson.Result, p string) (string, string) {
	var (
		best     string
		bestPath string
		bitrate  int64 = -1
	)
	m.Get("video_info.variants").ForEach(func(k, v gjson.Result) bool {
		u := v.Get("url")
		if u.Type != gjson.String {
			return true
		}
		br := int64(0)
		if b := v.Get("bitrate"); b.Exists() {
			br = b.Int()
		} else if ct := v.Get("content_type").Str; ct != "" && ct != "video/mp4" {
			br = -1
		}
		if br > bitrate || best == "" {
			best, bestPath, bitrate = u.Str, platform.Join(p, "video_info.variants", k.String(), "url"), br
		}
		return true
	})
	return best, bestPath
}

// UpdateResponseWithProcessedPosts 按ID合并处理结果
func (a *Adapter) UpdateResponseWithProcessedPosts(original string, processed []model.ProcessedPost) string {
	if len(processed) == 0 || detect(original) == shapeUnknown {
		return original
	}
	byID := platform.Index(processed)
	out := original
	for _, t := range tweets(original) {
		pp, ok := byID[t.id]
		if !ok {
			continue
		}
		if pp.ProcessedBody != nil {
			if f := textField(t.obj); f != "" {
				out = platform.SetString(out, platform.Join(t.legacy, f), *pp.ProcessedBody)
			}
			if t.note != "" {
				out = platform.SetString(out, t.note, *pp.ProcessedBody)
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
