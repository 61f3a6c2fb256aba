// Package handler 处理响应阶段的拦截事件：读取响应体交给拦截器，
// 拿到处理结果则以之完成请求，否则放行原响应。
package handler

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	cdpadapter "feedmod/internal/adapter/cdp"
	"feedmod/internal/intercept"
	"feedmod/internal/logger"
	"feedmod/internal/rules"
	"feedmod/pkg/model"
)

// FetchClient Fetch 域中用到的命令，*cdp.Client 的 Fetch 字段满足该接口
type FetchClient interface {
	GetResponseBody(ctx context.Context, args *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error)
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
	ContinueResponse(ctx context.Context, args *fetch.ContinueResponseArgs) error
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
}

// Handler 事件处理器，负责订阅匹配、调用拦截器与回写结果
type Handler struct {
	engine         *rules.Engine
	interceptor    *intercept.Interceptor
	events         chan<- model.Event
	processTimeout time.Duration
	log            logger.Logger
}

// Config 配置选项
type Config struct {
	Engine         *rules.Engine
	Interceptor    *intercept.Interceptor
	Events         chan<- model.Event
	ProcessTimeout time.Duration
	Logger         logger.Logger
}

// New 创建事件处理器
func New(cfg Config) *Handler {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 35 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Handler{
		engine:         cfg.Engine,
		interceptor:    cfg.Interceptor,
		events:         cfg.Events,
		processTimeout: cfg.ProcessTimeout,
		log:            cfg.Logger,
	}
}

// SetEngine 设置订阅引擎
func (h *Handler) SetEngine(engine *rules.Engine) {
	h.engine = engine
}

// SetProcessTimeout 设置单个事件的处理超时
func (h *Handler) SetProcessTimeout(d time.Duration) {
	if d > 0 {
		h.processTimeout = d
	}
}

// Handle 处理一次拦截事件，返回拦截结果
func (h *Handler) Handle(ctx context.Context, targetID model.TargetID, client FetchClient, ev *fetch.RequestPausedReply) string {
	ctx, cancel := context.WithTimeout(ctx, h.processTimeout)
	defer cancel()
	l := h.log.With("target", string(targetID), "interceptID", string(ev.RequestID))

	if !cdpadapter.IsResponseStage(ev) {
		h.continueRequest(ctx, client, ev, l)
		return model.ResultPassed
	}

	var (
		m  rules.Match
		ok bool
	)
	if h.engine != nil {
		m, ok = h.engine.Match(ev.Request.URL)
	}
	if !ok || h.interceptor == nil {
		h.continueResponse(ctx, client, ev, l)
		return model.ResultPassed
	}

	req := cdpadapter.ToNeutralRequest(ev)
	res := cdpadapter.ToNeutralResponse(ev, nil)
	if !res.OK() {
		l.Debug("非 2xx 响应，直接放行", "status", res.StatusCode, "url", req.URL)
		h.continueResponse(ctx, client, ev, l)
		return model.ResultPassed
	}

	reply, err := client.GetResponseBody(ctx, &fetch.GetResponseBodyArgs{RequestID: ev.RequestID})
	if err != nil {
		l.Err(err, "获取响应体失败，直接放行", "url", req.URL)
		h.continueResponse(ctx, client, ev, l)
		h.sendEvent(model.Event{Type: "degraded", Target: targetID, URL: req.URL, Endpoint: m.Endpoint, Result: model.ResultFallback})
		return model.ResultFallback
	}
	body, err := cdpadapter.DecodeBody(reply)
	if err != nil {
		l.Err(err, "解码响应体失败，直接放行", "url", req.URL)
		h.continueResponse(ctx, client, ev, l)
		return model.ResultFallback
	}

	out, modified := h.interceptor.Intercept(ctx, req.URL, m.Endpoint, string(body))
	if !modified {
		h.continueResponse(ctx, client, ev, l)
		return model.ResultPassed
	}

	err = client.FulfillRequest(ctx, &fetch.FulfillRequestArgs{
		RequestID:       ev.RequestID,
		ResponseCode:    res.StatusCode,
		ResponseHeaders: cdpadapter.ToHeaderEntries(res.Headers),
		Body:            []byte(out),
	})
	if err != nil {
		l.Err(err, "回写处理结果失败，放行原响应", "url", req.URL)
		h.continueResponse(ctx, client, ev, l)
		return model.ResultFallback
	}
	l.Debug("已回写处理结果", "url", req.URL, "endpoint", m.Endpoint, "size", len(out))
	return model.ResultModified
}

// ContinueRequest 放行请求阶段事件，供调用方降级时使用
func (h *Handler) ContinueRequest(ctx context.Context, client FetchClient, ev *fetch.RequestPausedReply) {
	if cdpadapter.IsResponseStage(ev) {
		h.continueResponse(ctx, client, ev, h.log)
		return
	}
	h.continueRequest(ctx, client, ev, h.log)
}

func (h *Handler) continueRequest(ctx context.Context, client FetchClient, ev *fetch.RequestPausedReply, l logger.Logger) {
	if err := client.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		l.Err(err, "放行请求失败")
	}
}

func (h *Handler) continueResponse(ctx context.Context, client FetchClient, ev *fetch.RequestPausedReply, l logger.Logger) {
	if err := client.ContinueResponse(ctx, &fetch.ContinueResponseArgs{RequestID: ev.RequestID}); err != nil {
		l.Err(err, "放行响应失败")
	}
}

// sendEvent 非阻塞发送事件
func (h *Handler) sendEvent(evt model.Event) {
	if h.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case h.events <- evt:
	default:
	}
}
