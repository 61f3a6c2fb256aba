package api

import (
	"context"
	"net/http"

	"feedmod/internal/config"
	"feedmod/internal/dom"
	"feedmod/internal/logger"
	"feedmod/internal/service"
	"feedmod/internal/storage"
	"feedmod/pkg/model"
)

// FilterClient 过滤器管理接口
type FilterClient interface {
	ListFilters(ctx context.Context) ([]model.Filter, error)
	CreateFilter(ctx context.Context, f model.Filter) (model.Filter, error)
	UpdateFilter(ctx context.Context, f model.Filter) (model.Filter, error)
	DeleteFilter(ctx context.Context, id int) error
}

// Service 服务接口
type Service interface {
	// Start 启动后台处理
	Start(ctx context.Context) error

	// Stop 停止服务
	Stop() error

	// UserID 服务所属用户
	UserID() string

	// ListTargets 列出浏览器页面
	ListTargets(ctx context.Context) ([]model.TargetInfo, error)

	// AttachTarget 附加页面并开启拦截，target 为空时选择第一个页面
	AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error)

	// DetachTarget 断开页面
	DetachTarget(target model.TargetID) error

	// RoundTripper 包裹 base 的拦截 RoundTripper
	RoundTripper(base http.RoundTripper) (http.RoundTripper, error)

	// NewProcessor 为文档创建标记处理器
	NewProcessor(doc *dom.Document) *dom.Processor

	// Events 订阅拦截事件
	Events() <-chan model.Event

	// Stats 拦截统计
	Stats(ctx context.Context) (model.Stats, error)

	// Filters 过滤器管理
	Filters() FilterClient
}

type facade struct {
	*service.Service
}

func (f facade) Filters() FilterClient { return f.Service.Filters() }

// NewService 创建并返回服务接口实现，store 可为空
func NewService(cfg *config.Config, l logger.Logger, store *storage.Store) Service {
	return facade{service.New(cfg, service.Options{Logger: l, Store: store})}
}
