// Package pipeline 是后台端：消费消息桥上的批次与图片轮询请求，
// 调用后端处理后把结果交回拦截端。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"feedmod/internal/bridge"
	"feedmod/internal/dom"
	"feedmod/internal/logger"
	"feedmod/internal/marker"
	"feedmod/internal/platform"
	"feedmod/internal/storage"
	"feedmod/internal/transport"
	"feedmod/pkg/model"
)

// ErrNoAdapter URL 不属于任何已注册平台
var ErrNoAdapter = errors.New("pipeline: no adapter for url")

// Backend 提供处理与图片轮询的后端
type Backend interface {
	transport.FeedProcessor
	PollImage(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error)
}

// Background 后台处理循环
type Background struct {
	bridge      *bridge.Bridge
	adapters    *platform.Registry
	backend     Backend
	markers     *marker.Registry
	store       *storage.Store
	concurrency int
	userID      string
	tabID       int
	log         logger.Logger
}

// Config 后台处理配置
type Config struct {
	Bridge   *bridge.Bridge
	Adapters *platform.Registry
	Backend  Backend
	Markers  *marker.Registry
	// Store 为 nil 时不保存历史
	Store       *storage.Store
	Concurrency int
	UserID      string
	TabID       int
	Logger      logger.Logger
}

// New 创建处理循环
func New(cfg Config) *Background {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Markers == nil {
		cfg.Markers = marker.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Background{
		bridge:      cfg.Bridge,
		adapters:    cfg.Adapters,
		backend:     cfg.Backend,
		markers:     cfg.Markers,
		store:       cfg.Store,
		concurrency: cfg.Concurrency,
		userID:      cfg.UserID,
		tabID:       cfg.TabID,
		log:         cfg.Logger,
	}
}

// Run 阻塞消费，直到 ctx 取消或消息桥关闭；返回前等待在途任务结束
func (p *Background) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(p.concurrency))

	spawn := func(fn func(context.Context)) bool {
		if err := sem.Acquire(ctx, 1); err != nil {
			return false
		}
		g.Go(func() error {
			defer sem.Release(1)
			fn(ctx)
			return nil
		})
		return true
	}

	p.log.Info("后台处理已启动", "concurrency", p.concurrency)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-p.bridge.Done():
				return nil
			case req := <-p.bridge.Batches():
				if !spawn(func(c context.Context) { p.HandleBatch(c, req) }) {
					p.bridge.FeedReady(model.FeedReady{ID: req.ID, URL: req.URL})
					return nil
				}
			case pr := <-p.bridge.PollRequests():
				if !spawn(func(c context.Context) { p.HandlePoll(c, pr) }) {
					p.bridge.PollFailed(pr.RequestID, ctx.Err())
					return nil
				}
			}
		}
	})
	err := g.Wait()
	p.log.Info("后台处理已停止")
	return err
}

// HandleBatch 处理一个批次并回传 FeedReady；失败时回传空响应
func (p *Background) HandleBatch(ctx context.Context, req model.InterceptedRequest) {
	start := time.Now()
	log := p.log.With("requestID", req.ID, "endpoint", req.Type)
	rec := &storage.InterceptionRecord{RequestID: req.ID, URL: req.URL, Endpoint: req.Type}

	out, via, err := p.process(ctx, req, rec)
	ev := model.FeedReady{ID: req.ID, URL: req.URL}
	switch {
	case err != nil:
		log.Warn("处理失败，回传空结果", "error", err)
		rec.Result = model.ResultFallback
		rec.Error = err.Error()
	case out == "" || out == req.Response:
		rec.Result = model.ResultPassed
	default:
		rec.Result = model.ResultModified
		ev.Response = out
	}
	if !p.bridge.FeedReady(ev) {
		log.Debug("拦截端已不再等待", "result", rec.Result)
	}

	rec.Transport = via
	rec.DurationMS = time.Since(start).Milliseconds()
	if err := p.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		log.Err(err, "保存拦截记录失败")
	}
	log.Debug("批次处理完成", "result", rec.Result, "posts", rec.PostCount, "via", via, "elapsed", time.Since(start))
}

func (p *Background) process(ctx context.Context, req model.InterceptedRequest, rec *storage.InterceptionRecord) (string, string, error) {
	a, ok := p.adapters.ForURL(req.URL)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoAdapter, req.URL)
	}
	rec.Platform = string(a.Platform())

	posts := a.ExtractPosts(req.Response)
	rec.PostCount = len(posts)
	isJSON := gjson.Valid(req.Response)
	if isJSON && len(posts) == 0 {
		return req.Response, "", nil
	}

	res, err := p.backend.ProcessFeed(ctx, transport.FeedRequest{
		URL:       req.URL,
		Platform:  a.Platform(),
		Response:  req.Response,
		StartTime: req.StartTime,
		UserID:    p.userID,
		TabID:     p.tabID,
	})
	if err != nil {
		return "", "", err
	}

	out := p.merge(a, req.Response, res.Response, isJSON)
	if !isJSON {
		out = dom.RenderMarkers(out, p.markers)
	}
	return out, res.Via, nil
}

// merge 后端返回帖子级结果时合并回原响应，否则直接采用处理后的文本
func (p *Background) merge(a platform.Adapter, original, processed string, isJSON bool) string {
	if processed == "" {
		return original
	}
	if posts, configs, ok := DecodeProcessedPosts(processed); ok {
		out := a.UpdateResponseWithProcessedPosts(original, posts)
		if !isJSON {
			out = dom.AttachImageConfigs(out, configs)
		}
		return out
	}
	if gjson.Valid(processed) || !isJSON {
		return processed
	}
	p.log.Warn("处理结果不是合法 JSON，保留原始响应", "size", len(processed))
	return original
}

// HandlePoll 执行一次图片轮询并回传结果
func (p *Background) HandlePoll(ctx context.Context, req model.ImagePollRequest) {
	res, err := p.backend.PollImage(ctx, req)
	if err != nil {
		p.log.Debug("图片轮询失败", "url", req.ImageURL, "error", err)
		p.bridge.PollFailed(req.RequestID, err)
		return
	}
	p.bridge.PollResult(req.RequestID, res)
}
