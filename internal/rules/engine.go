package rules

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"feedmod/internal/config"
	"feedmod/pkg/model"
)

// Rule 单个平台的订阅规则
type Rule struct {
	Platform  model.Platform
	Hosts     []string
	Endpoints map[string]struct{}
}

// Match 匹配结果
type Match struct {
	Platform model.Platform
	Endpoint string
}

// Engine 订阅匹配引擎
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// New 根据订阅配置创建引擎
func New(subs []config.Subscription) *Engine {
	e := &Engine{}
	e.Update(subs)
	return e
}

// Update 替换订阅配置
func (e *Engine) Update(subs []config.Subscription) {
	rs := make([]Rule, 0, len(subs))
	for _, s := range subs {
		rs = append(rs, Rule{
			Platform:  model.Platform(s.Platform),
			Hosts:     append([]string(nil), s.Hosts...),
			Endpoints: EndpointSet(s.Endpoints...),
		})
	}
	e.mu.Lock()
	e.rules = rs
	e.mu.Unlock()
}

// Match 判断 URL 是否命中任一订阅
func (e *Engine) Match(rawURL string) (Match, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Match{}, false
	}
	endpoint := lastSegment(u.Path)
	if endpoint == "" {
		return Match{}, false
	}
	host := strings.ToLower(u.Hostname())

	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.rules {
		r := &e.rules[i]
		if !matchHost(host, r.Hosts) {
			continue
		}
		if _, ok := r.Endpoints[endpoint]; ok {
			return Match{Platform: r.Platform, Endpoint: endpoint}, true
		}
	}
	return Match{}, false
}

// EndpointSet 构造端点集合
func EndpointSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// ShouldInterceptURL 取 URL 最后一个非空路径段判断是否在订阅集合中，URL 非法时不拦截
func ShouldInterceptURL(rawURL string, endpoints map[string]struct{}) bool {
	if rawURL == "" || len(endpoints) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	seg := lastSegment(u.Path)
	if seg == "" {
		return false
	}
	_, ok := endpoints[seg]
	return ok
}

// EndpointOf 返回 URL 的端点名
func EndpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return lastSegment(u.Path)
}

func lastSegment(p string) string {
	parts := strings.Split(p, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

func matchHost(host string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if glob(host, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.ContainsAny(pattern, "*?") {
		re, err := globCache.get(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return s == pattern
}

type regexCache struct {
	m sync.Map
}

var globCache regexCache

func (c *regexCache) get(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	c.m.Store(pattern, re)
	return re, nil
}
