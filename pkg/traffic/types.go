package traffic

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Header 小写键的头部集合
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Request 中立的请求模型，CDP 与 RoundTripper 两条拦截路径共用
type Request struct {
	ID           string // 事务唯一ID
	URL          string
	Method       string
	Headers      Header
	ResourceType string // 资源类型 (如 Document, XHR, Fetch)
}

// Response 中立的响应模型
type Response struct {
	StatusCode int
	Headers    Header
	Body       []byte
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{Headers: make(Header)}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// OK 是否为 2xx
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ContentType 返回去掉参数的 Content-Type
func (r *Response) ContentType() string {
	ct, _, _ := strings.Cut(r.Headers.Get("content-type"), ";")
	return strings.TrimSpace(strings.ToLower(ct))
}

// FromHTTPRequest 转换标准库请求，多值头部以逗号合并
func FromHTTPRequest(req *http.Request) *Request {
	out := NewRequest()
	out.URL = req.URL.String()
	out.Method = req.Method
	for k, vs := range req.Header {
		out.Headers.Set(k, strings.Join(vs, ", "))
	}
	return out
}

// FromHTTPResponse 转换标准库响应，body 由调用方读取后传入
func FromHTTPResponse(resp *http.Response, body []byte) *Response {
	out := NewResponse()
	out.StatusCode = resp.StatusCode
	for k, vs := range resp.Header {
		out.Headers.Set(k, strings.Join(vs, ", "))
	}
	out.Body = body
	return out
}

// Rebuild 用新的响应体替换原响应，同步 Content-Length
func Rebuild(resp *http.Response, body []byte) *http.Response {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}
