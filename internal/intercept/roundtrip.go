package intercept

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"feedmod/internal/rules"
	"feedmod/pkg/traffic"
)

var (
	// ErrAlreadyInstalled 同名中间件重复注册
	ErrAlreadyInstalled = errors.New("intercept: middleware already installed")
	// ErrBodyTooLarge 响应体超过读取上限，不再拦截
	ErrBodyTooLarge = errors.New("intercept: response body too large")
)

// maxBodySize 单个响应体读取上限
var maxBodySize int64 = 32 << 20

// RoundTripperFunc 函数形式的 http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Middleware 包装下一层 RoundTripper
type Middleware func(next http.RoundTripper) http.RoundTripper

// Chain 按注册顺序组合中间件，后注册的包裹先注册的
type Chain struct {
	mu    sync.Mutex
	base  http.RoundTripper
	names []string
	mws   []Middleware
}

// NewChain 以 base 为最内层创建链，nil 使用 http.DefaultTransport
func NewChain(base http.RoundTripper) *Chain {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Chain{base: base}
}

// Use 注册中间件，同名重复注册返回 ErrAlreadyInstalled
func (c *Chain) Use(name string, m Middleware) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.names {
		if n == name {
			return fmt.Errorf("%w: %s", ErrAlreadyInstalled, name)
		}
	}
	c.names = append(c.names, name)
	c.mws = append(c.mws, m)
	return nil
}

// Names 已注册的中间件，按注册顺序
func (c *Chain) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

// RoundTripper 构建组合后的 RoundTripper
func (c *Chain) RoundTripper() http.RoundTripper {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt := c.base
	for _, m := range c.mws {
		rt = m(rt)
	}
	return rt
}

// Middleware 返回捕获订阅端点响应的中间件
func (i *Interceptor) Middleware(engine *rules.Engine) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			match, ok := engine.Match(req.URL.String())
			if !ok {
				return next.RoundTrip(req)
			}
			captured := traffic.FromHTTPRequest(req)

			resp, err := next.RoundTrip(req)
			if err != nil {
				return resp, err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return resp, nil
			}

			body, decoded, err := readBody(resp)
			if errors.Is(err, ErrBodyTooLarge) {
				i.log.Warn("响应体超过上限，原样放行", "url", captured.URL, "limit", maxBodySize)
				return resp, nil
			}
			if err != nil {
				i.log.Err(err, "读取响应体失败，原样返回", "url", captured.URL)
				return traffic.Rebuild(resp, body), nil
			}
			if decoded {
				resp.Header.Del("Content-Encoding")
				resp.Uncompressed = true
			} else if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
				i.log.Debug("不支持的内容编码，原样返回", "url", captured.URL, "encoding", enc)
				return traffic.Rebuild(resp, body), nil
			}

			i.log.Debug("捕获订阅响应", "url", captured.URL, "endpoint", match.Endpoint,
				"platform", match.Platform, "headers", len(captured.Headers))
			out, _ := i.Intercept(req.Context(), captured.URL, match.Endpoint, string(body))
			return traffic.Rebuild(resp, []byte(out)), nil
		})
	}
}

// readBody 读取全部响应体，gzip 编码时解压；出错时返回已读取的原始字节。
// 超过上限时返回 ErrBodyTooLarge，并把已读部分接回 resp.Body
func readBody(resp *http.Response) ([]byte, bool, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err == nil && int64(len(raw)) > maxBodySize {
		resp.Body = &rejoined{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), Closer: resp.Body}
		return nil, false, ErrBodyTooLarge
	}
	resp.Body.Close()
	if err != nil {
		return raw, false, err
	}
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return raw, false, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return raw, false, err
	}
	defer zr.Close()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return raw, false, err
	}
	return plain, true, nil
}

// rejoined 已读前缀与剩余流拼接，关闭时关闭原始响应体
type rejoined struct {
	io.Reader
	io.Closer
}
