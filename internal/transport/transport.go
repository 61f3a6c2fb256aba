// Package transport 与处理后端通信：优先使用每用户一条的 WebSocket，
// 任何失败都回退到 HTTP，每个请求只结算一次。
package transport

import (
	"context"
	"errors"
	"time"

	"feedmod/internal/config"
	"feedmod/internal/logger"
	"feedmod/internal/metrics"
	"feedmod/internal/pending"
	"feedmod/pkg/model"
)

// FeedProcessor 处理一次响应
type FeedProcessor interface {
	ProcessFeed(ctx context.Context, req FeedRequest) (FeedResult, error)
}

// Transport WebSocket 优先、HTTP 兜底
type Transport struct {
	ws      *Connector
	http    *HTTPClient
	metrics *metrics.Metrics
	log     logger.Logger
}

// Config 传输层组件
type Config struct {
	// WS 为 nil 时只走 HTTP
	WS      *Connector
	HTTP    *HTTPClient
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// New 组合传输层
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Transport{ws: cfg.WS, http: cfg.HTTP, metrics: cfg.Metrics, log: cfg.Logger}
}

// FromConfig 按配置为指定用户创建传输层
func FromConfig(c *config.Config, userID string, onImage func(ImageProcessed), m *metrics.Metrics, l logger.Logger) *Transport {
	if l == nil {
		l = logger.NewNop()
	}
	h := NewHTTPClient(HTTPConfig{
		BaseURL:          c.Backend.HTTPURL,
		UserID:           userID,
		TabID:            c.User.TabID,
		ExtensionVersion: c.User.ExtensionVersion,
		Timeout:          c.Backend.RequestTimeout,
		Logger:           l,
	})
	var ws *Connector
	if c.WebSocketEnabled() {
		ws = NewConnector(ConnectorConfig{
			BaseURL:          c.Backend.WSURL,
			UserID:           userID,
			RequestTimeout:   c.Transport.WSRequestTimeout,
			BaseDelay:        c.Transport.ReconnectBaseDelay,
			MaxDelay:         c.Transport.ReconnectMaxDelay,
			MaxAttempts:      c.Transport.MaxReconnectAttempts,
			OnImageProcessed: onImage,
			Metrics:          m,
			Logger:           l,
		})
	}
	return New(Config{WS: ws, HTTP: h, Metrics: m, Logger: l})
}

// HTTP 底层 HTTP 客户端，用于图片轮询与过滤器管理
func (t *Transport) HTTP() *HTTPClient { return t.http }

// WebSocketState 当前 WebSocket 状态，未启用时返回 StateAbandoned
func (t *Transport) WebSocketState() State {
	if t.ws == nil {
		return StateAbandoned
	}
	return t.ws.State()
}

// ProcessFeed 先尝试 WebSocket，失败后改走 HTTP
func (t *Transport) ProcessFeed(ctx context.Context, req FeedRequest) (FeedResult, error) {
	if req.StartTime.IsZero() {
		req.StartTime = time.Now()
	}
	if t.ws != nil {
		start := time.Now()
		res, err := t.ws.ProcessFeed(ctx, req)
		if err == nil {
			t.metrics.ObserveTransport("ws", "ok", time.Since(start))
			return res, nil
		}
		if ctx.Err() != nil {
			t.metrics.ObserveTransport("ws", "canceled", time.Since(start))
			return FeedResult{}, ctx.Err()
		}
		t.metrics.ObserveTransport("ws", outcome(err), time.Since(start))
		t.log.Debug("WebSocket 处理失败，回退 HTTP", "url", req.URL, "error", err)
	}
	if t.http == nil {
		return FeedResult{}, ErrDisabled
	}
	start := time.Now()
	res, err := t.http.ProcessFeed(ctx, req)
	if err != nil {
		t.metrics.ObserveTransport("http", outcome(err), time.Since(start))
		return FeedResult{}, err
	}
	t.metrics.ObserveTransport("http", "ok", time.Since(start))
	return res, nil
}

// PollImage 查询一次图片处理结果
func (t *Transport) PollImage(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
	if t.http == nil {
		return model.ImagePollResult{}, ErrDisabled
	}
	return t.http.PollImage(ctx, req.ImageURL, req.Filters)
}

// Close 关闭 WebSocket
func (t *Transport) Close() error {
	if t.ws == nil {
		return nil
	}
	return t.ws.Close()
}

func outcome(err error) string {
	var be *BackendError
	switch {
	case errors.As(err, &be):
		return "backend_error"
	case errors.Is(err, ErrConnLost):
		return "conn_lost"
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrAbandoned):
		return "unavailable"
	case errors.Is(err, pending.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
