package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"

	"feedmod/internal/platform"
	"feedmod/pkg/model"
)

// DecodeProcessedPosts 识别帖子级处理结果：{"processed_posts":[...]} 或元素均带 id
// 与 processed_* 字段的数组。processed_media_urls 的元素可以是字符串，也可以是
// {url, config}，config 按图片地址返回。
func DecodeProcessedPosts(s string) ([]model.ProcessedPost, map[string]string, bool) {
	if !gjson.Valid(s) {
		return nil, nil, false
	}
	root := gjson.Parse(s)
	var list gjson.Result
	switch {
	case root.IsObject() && root.Get("processed_posts").IsArray():
		list = root.Get("processed_posts")
	case root.IsArray():
		list = root
	default:
		return nil, nil, false
	}

	items := list.Array()
	if len(items) == 0 {
		return nil, nil, root.IsObject()
	}
	posts := make([]model.ProcessedPost, 0, len(items))
	configs := map[string]string{}
	for _, it := range items {
		if !isProcessedPost(it) {
			return nil, nil, false
		}
		pp := model.ProcessedPost{
			ID:             it.Get("id").String(),
			ProcessedTitle: platform.Optional(it.Get("processed_title")),
			ProcessedBody:  platform.Optional(it.Get("processed_body")),
		}
		it.Get("processed_media_urls").ForEach(func(_, v gjson.Result) bool {
			switch {
			case v.Type == gjson.String:
				pp.ProcessedMediaURLs = append(pp.ProcessedMediaURLs, v.Str)
			case v.IsObject():
				u := v.Get("url").String()
				pp.ProcessedMediaURLs = append(pp.ProcessedMediaURLs, u)
				if cfg := v.Get("config"); cfg.Exists() && u != "" {
					if cfg.Type == gjson.String {
						configs[platform.NormalizeURL(u)] = cfg.Str
					} else {
						configs[platform.NormalizeURL(u)] = cfg.Raw
					}
				}
			}
			return true
		})
		posts = append(posts, pp)
	}
	return posts, configs, true
}

func isProcessedPost(v gjson.Result) bool {
	if !v.IsObject() || !v.Get("id").Exists() {
		return false
	}
	found := false
	v.ForEach(func(k, _ gjson.Result) bool {
		if strings.HasPrefix(k.Str, "processed_") {
			found = true
			return false
		}
		return true
	})
	return found
}
