// Package metrics 拦截、传输与延迟图片任务的 Prometheus 指标。
// 方法均可在 nil 接收者上调用。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 私有注册表上的指标集合
type Metrics struct {
	registry *prometheus.Registry

	Intercepted *prometheus.CounterVec
	Transport   *prometheus.CounterVec
	Latency     *prometheus.HistogramVec
	Deferred    *prometheus.CounterVec
	Reconnects  prometheus.Counter
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Intercepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmod_intercepted_total",
				Help: "Intercepted feed responses by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		Transport: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmod_transport_requests_total",
				Help: "Backend processing requests by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedmod_transport_duration_seconds",
				Help:    "Backend round trip duration",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"transport"},
		),
		Deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedmod_deferred_jobs_total",
				Help: "Deferred image jobs by terminal or intermediate state",
			},
			[]string{"state"},
		),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedmod_ws_reconnects_total",
			Help: "WebSocket reconnect attempts",
		}),
	}
	m.registry.MustRegister(m.Intercepted, m.Transport, m.Latency, m.Deferred, m.Reconnects)
	return m
}

// ObserveIntercept 记录一次拦截结果
func (m *Metrics) ObserveIntercept(endpoint, result string) {
	if m == nil {
		return
	}
	m.Intercepted.WithLabelValues(endpoint, result).Inc()
}

// ObserveTransport 记录一次后端请求
func (m *Metrics) ObserveTransport(transport, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Transport.WithLabelValues(transport, outcome).Inc()
	if outcome == "ok" {
		m.Latency.WithLabelValues(transport).Observe(d.Seconds())
	}
}

// ObserveDeferred 记录延迟任务状态变化
func (m *Metrics) ObserveDeferred(state string) {
	if m == nil {
		return
	}
	m.Deferred.WithLabelValues(state).Inc()
}

// ObserveReconnect 记录一次重连尝试
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// Registry 返回私有注册表
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
