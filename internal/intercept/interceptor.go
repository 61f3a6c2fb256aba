// Package intercept 捕获订阅端点的响应，经消息桥交给后台处理，
// 在超时前收到处理结果则替换响应，否则原样返回。
package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"feedmod/internal/bridge"
	"feedmod/internal/logger"
	"feedmod/internal/metrics"
	"feedmod/internal/pending"
	"feedmod/pkg/model"
)

// Interceptor 单个拦截实例，请求ID计数器归实例所有
type Interceptor struct {
	prefix  string
	counter atomic.Uint64
	bridge  *bridge.Bridge
	timeout time.Duration
	events  chan<- model.Event
	metrics *metrics.Metrics
	log     logger.Logger
}

// Config 拦截器配置
type Config struct {
	// Prefix 请求ID前缀，区分同一进程内的多个实例
	Prefix  string
	Bridge  *bridge.Bridge
	Timeout time.Duration
	Events  chan<- model.Event
	Metrics *metrics.Metrics
	Logger  logger.Logger
}

// New 创建拦截器
func New(cfg Config) *Interceptor {
	if cfg.Prefix == "" {
		cfg.Prefix = "req"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Interceptor{
		prefix:  cfg.Prefix,
		bridge:  cfg.Bridge,
		timeout: cfg.Timeout,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// NextID 生成单调递增的请求ID
func (i *Interceptor) NextID() string {
	return fmt.Sprintf("%s-%d", i.prefix, i.counter.Add(1))
}

// Intercept 投递响应并等待处理结果；返回的字符串总是可用的响应体，
// 第二个返回值表示是否被替换
func (i *Interceptor) Intercept(ctx context.Context, url, endpoint, body string) (string, bool) {
	id := i.NextID()
	start := time.Now()
	log := i.log.With("requestID", id, "endpoint", endpoint)

	ch, err := i.bridge.Await(id, i.timeout)
	if err != nil {
		log.Err(err, "登记等待条目失败，使用原始响应")
		i.finish(id, url, endpoint, model.ResultFallback, start)
		return body, false
	}

	req := model.InterceptedRequest{ID: id, URL: url, StartTime: start, Type: endpoint, Response: body}
	if err := i.bridge.SaveBatch(req); err != nil {
		<-ch
		log.Warn("投递批次失败，使用原始响应", "error", err)
		i.finish(id, url, endpoint, model.ResultFallback, start)
		return body, false
	}
	log.Debug("已投递拦截响应", "url", url, "size", len(body))

	select {
	case r := <-ch:
		switch {
		case errors.Is(r.Err, pending.ErrTimeout):
			log.Warn("等待处理结果超时，使用原始响应", "timeout", i.timeout)
			i.finish(id, url, endpoint, model.ResultFallback, start)
			return body, false
		case r.Err != nil:
			log.Warn("处理失败，使用原始响应", "error", r.Err)
			i.finish(id, url, endpoint, model.ResultFallback, start)
			return body, false
		case r.Value.Response == "" || r.Value.Response == body:
			i.finish(id, url, endpoint, model.ResultPassed, start)
			return body, false
		}
		i.finish(id, url, endpoint, model.ResultModified, start)
		return r.Value.Response, true
	case <-ctx.Done():
		i.bridge.Cancel(id)
		log.Debug("调用方已取消，使用原始响应")
		i.finish(id, url, endpoint, model.ResultFallback, start)
		return body, false
	}
}

func (i *Interceptor) finish(id, url, endpoint, result string, start time.Time) {
	i.metrics.ObserveIntercept(endpoint, result)
	if i.events == nil {
		return
	}
	evt := model.Event{
		Type:      "intercepted",
		RequestID: id,
		URL:       url,
		Endpoint:  endpoint,
		Result:    result,
		Duration:  time.Since(start),
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case i.events <- evt:
	default:
	}
}
