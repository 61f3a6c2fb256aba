// Package cdp 通过 Chrome DevTools 协议附加浏览器页面，在 Fetch 域的响应阶段
// 拦截订阅端点的响应并交给处理器。
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"

	"feedmod/internal/config"
	"feedmod/internal/handler"
	"feedmod/internal/intercept"
	"feedmod/internal/logger"
	"feedmod/pkg/model"
)

var (
	ErrNoTarget       = errors.New("cdp: no page target")
	ErrNotAttached    = errors.New("cdp: target not attached")
	ErrAlreadyEnabled = fmt.Errorf("%w: cdp fetch interception", intercept.ErrAlreadyInstalled)
)

// targetSession 单个页面的连接
type targetSession struct {
	id     model.TargetID
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager 管理被附加的页面与拦截开关
type Manager struct {
	devtoolsURL   string
	subscriptions []config.Subscription
	handler       *handler.Handler
	events        chan<- model.Event
	pool          *workerPool
	log           logger.Logger

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession

	enabledMu sync.RWMutex
	enabled   bool
}

// Config 管理器配置
type Config struct {
	DevToolsURL   string
	Subscriptions []config.Subscription
	Handler       *handler.Handler
	Events        chan<- model.Event
	// Concurrency 为 0 时每个事件独立协程处理
	Concurrency     int
	PendingCapacity int
	Logger          logger.Logger
}

// New 创建管理器
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	m := &Manager{
		devtoolsURL:   cfg.DevToolsURL,
		subscriptions: cfg.Subscriptions,
		handler:       cfg.Handler,
		events:        cfg.Events,
		log:           cfg.Logger,
		targets:       make(map[model.TargetID]*targetSession),
	}
	if cfg.Concurrency > 0 {
		m.pool = newWorkerPool(cfg.Concurrency, cfg.PendingCapacity)
	}
	return m
}

// ListTargets 列出可附加的页面
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		out = append(out, model.TargetInfo{ID: model.TargetID(t.ID), Type: string(t.Type), URL: t.URL, Title: t.Title})
	}
	return out, nil
}

// AttachTarget 附加页面，target 为空时选择第一个页面；已启用拦截时立即生效
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || string(t.ID) == string(target) {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", ErrNoTarget
	}
	id := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	if _, ok := m.targets[id]; ok {
		m.targetsMu.Unlock()
		return id, nil
	}
	m.targetsMu.Unlock()

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	tctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{id: id, conn: conn, client: cdp.NewClient(conn), ctx: tctx, cancel: cancel}

	m.targetsMu.Lock()
	m.targets[id] = ts
	m.targetsMu.Unlock()
	m.log.Info("已附加页面", "target", string(id), "url", sel.URL)

	if m.isEnabled() {
		if err := m.enableTarget(ts); err != nil {
			m.DetachTarget(id)
			return "", err
		}
	}
	return id, nil
}

// DetachTarget 断开页面
func (m *Manager) DetachTarget(id model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[id]
	delete(m.targets, id)
	m.targetsMu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	m.closeTargetSession(ts)
	m.log.Info("已断开页面", "target", string(id))
	return nil
}

// Targets 已附加的页面ID
func (m *Manager) Targets() []model.TargetID {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetID, 0, len(m.targets))
	for id := range m.targets {
		out = append(out, id)
	}
	return out
}

// Enable 对所有已附加页面开启响应阶段拦截，重复开启返回 ErrAlreadyEnabled
func (m *Manager) Enable() error {
	m.enabledMu.Lock()
	if m.enabled {
		m.enabledMu.Unlock()
		return ErrAlreadyEnabled
	}
	m.enabled = true
	m.enabledMu.Unlock()

	var errs []error
	for _, ts := range m.snapshot() {
		if err := m.enableTarget(ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disable 关闭拦截，已附加的页面保持连接
func (m *Manager) Disable() error {
	m.enabledMu.Lock()
	m.enabled = false
	m.enabledMu.Unlock()

	var errs []error
	for _, ts := range m.snapshot() {
		ctx, cancel := context.WithTimeout(ts.ctx, 3*time.Second)
		if err := ts.client.Fetch.Disable(ctx); err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", ts.id, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Close 断开全部页面并停止工作池
func (m *Manager) Close() {
	m.enabledMu.Lock()
	m.enabled = false
	m.enabledMu.Unlock()

	m.targetsMu.Lock()
	all := m.targets
	m.targets = make(map[model.TargetID]*targetSession)
	m.targetsMu.Unlock()
	for _, ts := range all {
		m.closeTargetSession(ts)
	}
	if m.pool != nil {
		m.pool.stop()
	}
}

func (m *Manager) enableTarget(ts *targetSession) error {
	ctx, cancel := context.WithTimeout(ts.ctx, 5*time.Second)
	defer cancel()
	args := &fetch.EnableArgs{Patterns: Patterns(m.subscriptions)}
	if err := ts.client.Fetch.Enable(ctx, args); err != nil {
		return fmt.Errorf("enable fetch on %s: %w", ts.id, err)
	}
	go m.consume(ts)
	m.log.Info("已开启响应拦截", "target", string(ts.id), "patterns", len(args.Patterns))
	return nil
}

func (m *Manager) isEnabled() bool {
	m.enabledMu.RLock()
	defer m.enabledMu.RUnlock()
	return m.enabled
}

func (m *Manager) snapshot() []*targetSession {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		out = append(out, ts)
	}
	return out
}

func (m *Manager) closeTargetSession(ts *targetSession) {
	ts.cancel()
	if err := ts.conn.Close(); err != nil {
		m.log.Debug("关闭页面连接出错", "target", string(ts.id), "error", err)
	}
}

// Patterns 按订阅主机生成响应阶段的 URL 模式
func Patterns(subs []config.Subscription) []fetch.RequestPattern {
	seen := map[string]struct{}{}
	var out []fetch.RequestPattern
	for _, s := range subs {
		for _, h := range s.Hosts {
			p := "*://" + strings.ToLower(strings.TrimSpace(h)) + "/*"
			if _, dup := seen[p]; dup || h == "" {
				continue
			}
			seen[p] = struct{}{}
			pattern := p
			out = append(out, fetch.RequestPattern{URLPattern: &pattern, RequestStage: fetch.RequestStageResponse})
		}
	}
	if len(out) == 0 {
		all := "*"
		out = append(out, fetch.RequestPattern{URLPattern: &all, RequestStage: fetch.RequestStageResponse})
	}
	return out
}
