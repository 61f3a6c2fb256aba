// Package service 按配置组装拦截端与后台端，对外提供启动、附加页面与停止。
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feedmod/internal/bridge"
	"feedmod/internal/cdp"
	"feedmod/internal/config"
	"feedmod/internal/deferred"
	"feedmod/internal/dom"
	"feedmod/internal/handler"
	"feedmod/internal/intercept"
	"feedmod/internal/logger"
	"feedmod/internal/marker"
	"feedmod/internal/metrics"
	"feedmod/internal/pipeline"
	"feedmod/internal/platform"
	"feedmod/internal/platform/reddit"
	"feedmod/internal/platform/twitter"
	"feedmod/internal/rules"
	"feedmod/internal/session"
	"feedmod/internal/storage"
	"feedmod/internal/transport"
	"feedmod/pkg/model"
)

var (
	ErrAlreadyStarted = errors.New("service: already started")
	ErrNotStarted     = errors.New("service: not started")
)

// Options 外部注入的组件，均可为空
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Store   *storage.Store
}

// Service 一个用户的完整拦截服务
type Service struct {
	cfg     *config.Config
	userID  string
	log     logger.Logger
	metrics *metrics.Metrics
	store   *storage.Store

	events      chan model.Event
	engine      *rules.Engine
	markers     *marker.Registry
	adapters    *platform.Registry
	bridge      *bridge.Bridge
	interceptor *intercept.Interceptor
	poller      *deferred.Poller
	sessions    *session.Manager
	cdp         *cdp.Manager
	filters     *transport.HTTPClient

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	group      *errgroup.Group
	metricsSrv *http.Server
}

// New 按配置创建服务，不建立任何网络连接
func New(cfg *config.Config, opts Options) *Service {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	userID := cfg.User.ID
	if userID == "" {
		userID = uuid.NewString()
		l.Warn("未配置用户ID，使用临时ID", "userID", userID)
	}

	s := &Service{
		cfg:      cfg,
		userID:   userID,
		log:      l,
		metrics:  m,
		store:    opts.Store,
		events:   make(chan model.Event, 256),
		engine:   rules.New(cfg.Intercept.Subscriptions),
		markers:  marker.Default(),
		adapters: platform.NewRegistry(reddit.New(), twitter.New()),
	}
	s.bridge = bridge.New(bridge.Config{QueueSize: cfg.Intercept.QueueSize, Logger: l})
	s.interceptor = intercept.New(intercept.Config{
		Prefix:  "feedmod",
		Bridge:  s.bridge,
		Timeout: cfg.Intercept.Timeout,
		Events:  s.events,
		Metrics: m,
		Logger:  l,
	})
	s.poller = deferred.New(deferred.Config{
		Poll: func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error) {
			return s.bridge.RequestImagePoll(ctx, req, cfg.Polling.AttemptTimeout)
		},
		Interval:       cfg.PollInterval(),
		AttemptTimeout: cfg.Polling.AttemptTimeout,
		MaxPolls:       cfg.Polling.MaxPolls,
		Metrics:        m,
		Logger:         l,
	})
	s.sessions = session.NewManager(func(id string) *transport.Transport {
		return transport.FromConfig(cfg, id, s.onImageProcessed, m, l)
	}, l)
	s.cdp = cdp.New(cdp.Config{
		DevToolsURL:   cfg.CDP.DevToolsURL,
		Subscriptions: cfg.Intercept.Subscriptions,
		Handler: handler.New(handler.Config{
			Engine:         s.engine,
			Interceptor:    s.interceptor,
			Events:         s.events,
			ProcessTimeout: time.Duration(cfg.CDP.ProcessTimeoutMS) * time.Millisecond,
			Logger:         l,
		}),
		Events:          s.events,
		Concurrency:     cfg.CDP.Concurrency,
		PendingCapacity: cfg.CDP.PendingCapacity,
		Logger:          l,
	})
	s.filters = transport.NewHTTPClient(transport.HTTPConfig{
		BaseURL:          cfg.Backend.HTTPURL,
		UserID:           userID,
		TabID:            cfg.User.TabID,
		ExtensionVersion: cfg.User.ExtensionVersion,
		Timeout:          cfg.Backend.RequestTimeout,
		Logger:           l,
	})
	return s
}

// UserID 服务所属用户
func (s *Service) UserID() string { return s.userID }

// Start 启动后台处理；Metrics.Listen 非空时同时暴露 /metrics
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	sess := s.sessions.Acquire(s.userID)
	bg := pipeline.New(pipeline.Config{
		Bridge:      s.bridge,
		Adapters:    s.adapters,
		Backend:     sess.Transport,
		Markers:     s.markers,
		Store:       s.store,
		Concurrency: s.cfg.Intercept.Concurrency,
		UserID:      s.userID,
		TabID:       s.cfg.User.TabID,
		Logger:      s.log,
	})

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return bg.Run(ctx) })

	if addr := s.cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		srv := s.metricsSrv
		s.group.Go(func() error {
			s.log.Info("指标服务已启动", "listen", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	s.started = true
	s.log.Info("服务已启动", "userID", s.userID, "session", string(sess.ID))
	return nil
}

// ListTargets 列出浏览器页面
func (s *Service) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	return s.cdp.ListTargets(ctx)
}

// AttachTarget 附加页面并确保拦截已开启
func (s *Service) AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error) {
	if !s.isStarted() {
		return "", ErrNotStarted
	}
	id, err := s.cdp.AttachTarget(ctx, target)
	if err != nil {
		return "", err
	}
	if err := s.cdp.Enable(); err != nil && !errors.Is(err, cdp.ErrAlreadyEnabled) {
		return id, err
	}
	return id, nil
}

// DetachTarget 断开页面
func (s *Service) DetachTarget(target model.TargetID) error {
	return s.cdp.DetachTarget(target)
}

// RoundTripper 返回在 base 外层包裹拦截中间件的 RoundTripper
func (s *Service) RoundTripper(base http.RoundTripper) (http.RoundTripper, error) {
	chain := intercept.NewChain(base)
	if err := chain.Use("feedmod", s.interceptor.Middleware(s.engine)); err != nil {
		return nil, err
	}
	return chain.RoundTripper(), nil
}

// NewProcessor 为文档创建使用服务轮询器的标记处理器
func (s *Service) NewProcessor(doc *dom.Document) *dom.Processor {
	return dom.NewProcessor(doc, dom.ProcessorConfig{Registry: s.markers, Poller: s.poller, Logger: s.log})
}

// Events 拦截事件流
func (s *Service) Events() <-chan model.Event { return s.events }

// Filters 后端过滤器接口
func (s *Service) Filters() *transport.HTTPClient { return s.filters }

// Metrics 指标集合
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Stats 拦截统计，未配置存储时返回空统计
func (s *Service) Stats(ctx context.Context) (model.Stats, error) {
	if s.store == nil {
		return model.Stats{ByResult: map[string]int64{}}, nil
	}
	return s.store.Stats(ctx)
}

// Stop 停止全部组件，未结算的等待条目以放行结束
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.cdp.Close()
	s.bridge.Close()
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = s.metricsSrv.Shutdown(ctx)
		cancel()
	}
	s.cancel()
	err := s.group.Wait()
	s.poller.Stop()
	s.sessions.Release(s.userID)
	for _, sess := range s.sessions.List() {
		s.log.Warn("会话仍有引用，强制关闭", "sessionID", string(sess.ID), "userID", sess.UserID, "refs", sess.Refs())
	}
	s.sessions.CloseAll()
	s.log.Info("服务已停止")
	return err
}

func (s *Service) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// onImageProcessed 后端推送的图片结果直接结束对应的轮询任务
func (s *Service) onImageProcessed(ev transport.ImageProcessed) {
	if n := s.poller.Push(ev.ImageURL, ev.ProcessedValue); n > 0 {
		s.log.Debug("推送结果已结束轮询任务", "url", ev.ImageURL, "jobs", n)
	}
}
