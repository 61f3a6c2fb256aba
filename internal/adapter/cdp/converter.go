package cdp

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"

	"feedmod/pkg/traffic"
)

// rebuiltHeaders 改写响应体后失效、需要丢弃的头部
var rebuiltHeaders = map[string]struct{}{
	"content-length":    {},
	"content-encoding":  {},
	"transfer-encoding": {},
}

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	return req
}

// ToNeutralResponse 将 CDP 事件转换为中立 Response 模型
func ToNeutralResponse(ev *fetch.RequestPausedReply, body []byte) *traffic.Response {
	res := traffic.NewResponse()
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, h := range ev.ResponseHeaders {
		res.Headers.Set(h.Name, h.Value)
	}
	res.Body = body
	return res
}

// DecodeBody 解码 GetResponseBody 的返回
func DecodeBody(reply *fetch.GetResponseBodyReply) ([]byte, error) {
	if reply == nil {
		return nil, nil
	}
	if reply.Base64Encoded {
		return base64.StdEncoding.DecodeString(reply.Body)
	}
	return []byte(reply.Body), nil
}

// ToHeaderEntries 将中立 Header 转换为 CDP 头部条目，去掉与原响应体绑定的头部
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		if _, drop := rebuiltHeaders[strings.ToLower(k)]; drop {
			continue
		}
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// IsResponseStage 事件是否处于响应阶段
func IsResponseStage(ev *fetch.RequestPausedReply) bool {
	return ev.ResponseStatusCode != nil
}
