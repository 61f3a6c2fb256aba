package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"feedmod/internal/logger"
	"feedmod/internal/pending"
	"feedmod/pkg/model"
)

var (
	ErrQueueFull = errors.New("bridge: queue full")
	ErrClosed    = errors.New("bridge: closed")
)

// Bridge 连接拦截端（页面）与处理端（后台）的消息通道
type Bridge struct {
	batches chan model.InterceptedRequest
	feeds   *pending.Table[model.FeedReady]

	polls       chan model.ImagePollRequest
	pollResults *pending.Table[model.ImagePollResult]

	done chan struct{}
	log  logger.Logger
}

// Config 配置选项
type Config struct {
	QueueSize int
	Logger    logger.Logger
}

// New 创建消息桥
func New(cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Bridge{
		batches:     make(chan model.InterceptedRequest, cfg.QueueSize),
		feeds:       pending.New[model.FeedReady](),
		polls:       make(chan model.ImagePollRequest, cfg.QueueSize),
		pollResults: pending.New[model.ImagePollResult](),
		done:        make(chan struct{}),
		log:         cfg.Logger,
	}
}

// Await 为请求ID登记等待条目，每个ID同时至多一个
func (b *Bridge) Await(id string, timeout time.Duration) (<-chan pending.Result[model.FeedReady], error) {
	return b.feeds.Register(id, timeout)
}

// SaveBatch 投递被拦截的响应；队列已满时立即以 ErrQueueFull 结算对应等待条目
func (b *Bridge) SaveBatch(req model.InterceptedRequest) error {
	select {
	case <-b.done:
		b.feeds.Reject(req.ID, ErrClosed)
		return ErrClosed
	default:
	}
	select {
	case b.batches <- req:
		return nil
	default:
		b.log.Warn("批次队列已满，直接放行", "requestID", req.ID, "url", req.URL)
		b.feeds.Reject(req.ID, ErrQueueFull)
		return ErrQueueFull
	}
}

// Batches 后台端读取批次
func (b *Bridge) Batches() <-chan model.InterceptedRequest { return b.batches }

// FeedReady 后台端回传处理结果；对应条目已超时则丢弃
func (b *Bridge) FeedReady(ev model.FeedReady) bool {
	waited, _ := b.feeds.Age(ev.ID)
	ok := b.feeds.Resolve(ev.ID, ev)
	if ok {
		b.log.Debug("收到处理结果", "requestID", ev.ID, "waited", waited)
	} else {
		b.log.Debug("丢弃过期的处理结果", "requestID", ev.ID)
	}
	return ok
}

// Cancel 取消等待
func (b *Bridge) Cancel(id string) { b.feeds.Cancel(id) }

// PendingFeeds 未结算的请求数
func (b *Bridge) PendingFeeds() int { return b.feeds.Len() }

// RequestImagePoll 发起一次图片轮询并等待结果，timeout 为单次尝试超时
func (b *Bridge) RequestImagePoll(ctx context.Context, req model.ImagePollRequest, timeout time.Duration) (model.ImagePollResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ch, err := b.pollResults.Register(req.RequestID, timeout)
	if err != nil {
		return model.ImagePollResult{}, err
	}
	select {
	case b.polls <- req:
	case <-b.done:
		b.pollResults.Reject(req.RequestID, ErrClosed)
	default:
		b.pollResults.Reject(req.RequestID, ErrQueueFull)
	}

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		b.pollResults.Cancel(req.RequestID)
		return model.ImagePollResult{}, ctx.Err()
	}
}

// PollRequests 后台端读取轮询请求
func (b *Bridge) PollRequests() <-chan model.ImagePollRequest { return b.polls }

// PollResult 后台端回传轮询结果
func (b *Bridge) PollResult(requestID string, res model.ImagePollResult) bool {
	return b.pollResults.Resolve(requestID, res)
}

// PollFailed 后台端回传轮询失败
func (b *Bridge) PollFailed(requestID string, err error) bool {
	return b.pollResults.Reject(requestID, err)
}

// Close 关闭消息桥并结算全部等待条目
func (b *Bridge) Close() {
	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	b.feeds.RejectAll(ErrClosed)
	b.pollResults.RejectAll(ErrClosed)
}

// Done 关闭信号
func (b *Bridge) Done() <-chan struct{} { return b.done }
