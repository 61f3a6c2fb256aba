package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	"feedmod/pkg/model"
)

// workerPool 固定数量的工作协程与有界等待队列
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	quit  chan struct{}
}

func newWorkerPool(workers, capacity int) *workerPool {
	if capacity <= 0 {
		capacity = workers * 4
	}
	p := &workerPool{tasks: make(chan func(), capacity), quit: make(chan struct{})}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.tasks:
			fn()
		}
	}
}

// submit 队列已满或已停止时返回 false
func (p *workerPool) submit(fn func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

func (p *workerPool) stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// handle 处理一次拦截事件
func (m *Manager) handle(ts *targetSession, ev *fetch.RequestPausedReply) {
	start := time.Now()
	result := m.handler.Handle(ts.ctx, ts.id, ts.client.Fetch, ev)
	m.log.Debug("拦截事件处理完成", "target", string(ts.id), "url", ev.Request.URL, "result", result, "duration", time.Since(start))
}

// dispatchPaused 根据并发配置调度单次拦截事件处理
func (m *Manager) dispatchPaused(ts *targetSession, ev *fetch.RequestPausedReply) {
	if m.pool == nil {
		go m.handle(ts, ev)
		return
	}
	submitted := m.pool.submit(func() {
		m.handle(ts, ev)
	})
	if !submitted {
		m.degradeAndContinue(ts, ev, "并发队列已满")
	}
}

// consume 持续接收拦截事件并按并发限制分发处理
func (m *Manager) consume(ts *targetSession) {
	rp, err := ts.client.Fetch.RequestPaused(ts.ctx)
	if err != nil {
		m.log.Err(err, "订阅拦截事件流失败", "target", string(ts.id))
		m.handleTargetStreamClosed(ts, err)
		return
	}
	defer rp.Close()

	m.log.Info("开始消费拦截事件流", "target", string(ts.id))
	for {
		ev, err := rp.Recv()
		if err != nil {
			if ts.ctx.Err() == nil {
				m.log.Err(err, "接收拦截事件失败", "target", string(ts.id))
			}
			m.handleTargetStreamClosed(ts, err)
			return
		}
		m.dispatchPaused(ts, ev)
	}
}

// handleTargetStreamClosed 事件流中断时移除对应页面
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	if !m.isEnabled() || ts.ctx.Err() != nil {
		return
	}
	m.log.Warn("拦截流被中断，自动移除页面", "target", string(ts.id), "error", err)

	m.targetsMu.Lock()
	cur, ok := m.targets[ts.id]
	if ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	if ok && cur == ts {
		m.closeTargetSession(ts)
	}
}

// degradeAndContinue 统一的降级处理：直接放行
func (m *Manager) degradeAndContinue(ts *targetSession, ev *fetch.RequestPausedReply, reason string) {
	m.log.Warn("执行降级策略：直接放行", "target", string(ts.id), "reason", reason, "interceptID", ev.RequestID)
	ctx, cancel := context.WithTimeout(ts.ctx, time.Second)
	defer cancel()
	m.handler.ContinueRequest(ctx, ts.client.Fetch, ev)
	m.sendEvent(model.Event{Type: "degraded", Target: ts.id, URL: ev.Request.URL, Result: model.ResultFallback})
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (m *Manager) sendEvent(evt model.Event) {
	if m.events == nil {
		return
	}
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}
