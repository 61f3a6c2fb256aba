package reddit

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"feedmod/internal/platform"
	"feedmod/pkg/model"
)

const (
	postSelector  = "shreddit-post"
	titleSelector = `a[slot="title"]`
	bodySelector  = `a[slot="text-body"], div[slot="text-body"]`
)

func parseHTML(raw string) (*goquery.Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, false
	}
	return doc, true
}

func htmlPostID(s *goquery.Selection) string {
	id, _ := s.Attr("id")
	return strings.TrimSpace(id)
}

// extractHTML 解析 shreddit-post 元素，广告元素不在选择器内
func extractHTML(raw string) []model.Post {
	posts := []model.Post{}
	doc, ok := parseHTML(raw)
	if !ok {
		return posts
	}
	doc.Find(postSelector).Each(func(_ int, s *goquery.Selection) {
		id := htmlPostID(s)
		if id == "" {
			return
		}
		p := model.Post{ID: id, Platform: model.PlatformReddit, MediaURLs: []string{}}
		if t := s.Find(titleSelector).First(); t.Length() > 0 {
			p.Title = model.StringPtr(strings.TrimSpace(t.Text()))
		} else if attr, ok := s.Attr("post-title"); ok {
			p.Title = model.StringPtr(attr)
		}
		if b := s.Find(bodySelector).First(); b.Length() > 0 {
			p.Body = model.StringPtr(strings.TrimSpace(b.Text()))
		}
		seen := map[string]struct{}{}
		s.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			src := platform.NormalizeURL(img.AttrOr("src", ""))
			if !strings.Contains(src, "redd.it") && !strings.Contains(src, "reddit.com") {
				return
			}
			if _, dup := seen[src]; dup {
				return
			}
			seen[src] = struct{}{}
			p.MediaURLs = append(p.MediaURLs, src)
		})
		p.Metadata = map[string]any{"kind": "html"}
		if sub, ok := s.Attr("subreddit-prefixed-name"); ok {
			p.Metadata["subreddit"] = sub
		}
		if author, ok := s.Attr("author"); ok {
			p.Metadata["author"] = author
		}
		posts = append(posts, p)
	})
	return posts
}

// updateHTML 改写 shreddit-post 的标题、正文文本与图片地址
func updateHTML(original string, processed []model.ProcessedPost) string {
	doc, ok := parseHTML(original)
	if !ok {
		return original
	}
	byID := platform.Index(processed)
	changed := false
	doc.Find(postSelector).Each(func(_ int, s *goquery.Selection) {
		pp, ok := byID[htmlPostID(s)]
		if !ok {
			return
		}
		if pp.ProcessedTitle != nil {
			if t := s.Find(titleSelector).First(); t.Length() > 0 {
				t.SetText(*pp.ProcessedTitle)
				changed = true
			}
			if _, ok := s.Attr("post-title"); ok {
				s.SetAttr("post-title", *pp.ProcessedTitle)
				changed = true
			}
		}
		if pp.ProcessedBody != nil {
			if b := s.Find(bodySelector).First(); b.Length() > 0 {
				b.SetText(*pp.ProcessedBody)
				changed = true
			}
		}
		if len(pp.ProcessedMediaURLs) == 0 {
			return
		}
		index := map[string]int{}
		s.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			src := platform.NormalizeURL(img.AttrOr("src", ""))
			if !strings.Contains(src, "redd.it") && !strings.Contains(src, "reddit.com") {
				return
			}
			i, seen := index[src]
			if !seen {
				i = len(index)
				index[src] = i
			}
			if i < len(pp.ProcessedMediaURLs) && pp.ProcessedMediaURLs[i] != "" {
				img.SetAttr("src", pp.ProcessedMediaURLs[i])
				img.RemoveAttr("srcset")
				changed = true
			}
		})
	})
	if !changed {
		return original
	}
	var (
		out string
		err error
	)
	if strings.Contains(strings.ToLower(original[:min(len(original), 512)]), "<html") {
		out, err = doc.Html()
	} else {
		out, err = doc.Find("body").Html()
	}
	if err != nil {
		return original
	}
	return out
}
