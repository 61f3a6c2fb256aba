package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feedmod/pkg/model"
)

var (
	ErrNotConnected = errors.New("transport: websocket not connected")
	ErrAbandoned    = errors.New("transport: websocket abandoned after max reconnect attempts")
	ErrClosed       = errors.New("transport: closed")
	ErrConnLost     = errors.New("transport: websocket connection lost")
	ErrDisabled     = errors.New("transport: websocket disabled")
)

// 消息类型
const (
	MsgProcessFeed        = "process_feed"
	MsgProcessingResponse = "processing_response"
	MsgError              = "error"
	MsgImageProcessed     = "image_processed"
	MsgConnectionAck      = "connection_ack"
	MsgPing               = "ping"
)

// FeedRequest 一次后端处理请求
type FeedRequest struct {
	URL       string
	Platform  model.Platform
	Response  string
	StartTime time.Time
	UserID    string
	TabID     int
}

// FeedResult 后端处理结果
type FeedResult struct {
	Response       string
	ProcessingTime string
	// Via 实际承载请求的通道：ws 或 http
	Via string
}

// BackendError 后端返回的错误
type BackendError struct {
	RequestID string
	Message   string
	Status    int
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	}
	return "backend error: " + e.Message
}

// ImageProcessed 后端主动推送的图片处理完成通知
type ImageProcessed struct {
	ImageURL       string   `json:"image_url"`
	ProcessedValue string   `json:"processed_value"`
	Filters        []string `json:"filters,omitempty"`
}

type outbound struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	Data      *outboundFeed `json:"data,omitempty"`
}

type outboundFeed struct {
	URL       string `json:"url"`
	Platform  string `json:"platform"`
	Response  string `json:"response"`
	StartTime int64  `json:"startTime"`
	UserID    string `json:"userId"`
}

type inbound struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId"`
	Data           json.RawMessage `json:"data"`
	Error          string          `json:"error"`
	ImageURL       string          `json:"image_url"`
	ProcessedValue string          `json:"processed_value"`
	Filters        []string        `json:"filters"`
}

// feedPayload 同时用于 WebSocket 的 data 与 HTTP 的响应体
type feedPayload struct {
	Feed struct {
		Response json.RawMessage `json:"response"`
	} `json:"feed"`
	ProcessingTime string `json:"processingTime"`
}

// decodeFeed 解析 {feed:{response}}；response 可能是字符串也可能是已解码的 JSON
func decodeFeed(data []byte) (FeedResult, error) {
	var p feedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return FeedResult{}, fmt.Errorf("decode feed: %w", err)
	}
	if len(p.Feed.Response) == 0 || string(p.Feed.Response) == "null" {
		return FeedResult{}, fmt.Errorf("decode feed: missing feed.response")
	}
	var s string
	if err := json.Unmarshal(p.Feed.Response, &s); err != nil {
		s = string(p.Feed.Response)
	}
	return FeedResult{Response: s, ProcessingTime: p.ProcessingTime}, nil
}
