// Package deferred 轮询尚未产出结果的图片处理任务。
//
// 状态流转：DEFERRED -> (POLLING -> NOT_FOUND -> POLLING ...) -> COMPLETED | EXPIRED。
// 轮询间隔固定，次数受 MaxPolls 约束；同一键同时只有一个轮询循环。
package deferred

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedmod/internal/logger"
	"feedmod/internal/marker"
	"feedmod/internal/metrics"
	"feedmod/pkg/model"
)

// State 任务状态
type State string

const (
	StateDeferred  State = "DEFERRED"
	StatePolling   State = "POLLING"
	StateNotFound  State = "NOT_FOUND"
	StateCompleted State = "COMPLETED"
	StateExpired   State = "EXPIRED"
)

// ErrStopped 轮询器已停止
var ErrStopped = errors.New("deferred: poller stopped")

// PollFunc 执行一次轮询
type PollFunc func(ctx context.Context, req model.ImagePollRequest) (model.ImagePollResult, error)

// Job 一个延迟图片任务的快照
type Job struct {
	Key         string
	OriginalURL string
	Filters     []string
	PollCount   int
	MaxPolls    int
	State       State
	CreatedAt   time.Time
}

// Outcome 任务终态
type Outcome struct {
	Job            Job
	ProcessedValue string
}

// Completed 是否拿到了处理结果
func (o Outcome) Completed() bool { return o.Job.State == StateCompleted }

// Config 轮询器配置
type Config struct {
	Poll           PollFunc
	Interval       time.Duration
	AttemptTimeout time.Duration
	MaxPolls       int
	Metrics        *metrics.Metrics
	Logger         logger.Logger
}

type entry struct {
	job    Job
	pushed chan string
}

// Poller 延迟任务跟踪表，任务只归本实例所有
type Poller struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logger.Logger
}

// New 创建轮询器
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		cfg:    cfg,
		jobs:   make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
		log:    cfg.Logger.With("component", "deferred"),
	}
}

// Submit 为图片创建任务并开始轮询；同一键已在跟踪时返回 false 且不启动新循环。
// done 在任务进入终态时调用一次，运行在轮询协程中。
func (p *Poller) Submit(originalURL string, filters []string, done func(Outcome)) bool {
	key := marker.JobKey(originalURL, filters)
	p.mu.Lock()
	if _, ok := p.jobs[key]; ok {
		p.mu.Unlock()
		return false
	}
	select {
	case <-p.ctx.Done():
		p.mu.Unlock()
		return false
	default:
	}
	e := &entry{
		job: Job{
			Key:         key,
			OriginalURL: originalURL,
			Filters:     append([]string(nil), filters...),
			MaxPolls:    p.cfg.MaxPolls,
			State:       StateDeferred,
			CreatedAt:   time.Now(),
		},
		pushed: make(chan string, 1),
	}
	p.jobs[key] = e
	p.wg.Add(1)
	p.mu.Unlock()

	p.cfg.Metrics.ObserveDeferred(string(StateDeferred))
	p.log.Debug("延迟图片任务已创建", "url", originalURL, "filters", filters)
	go p.loop(e, done)
	return true
}

// Tracked 该键是否正在跟踪
func (p *Poller) Tracked(originalURL string, filters []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.jobs[marker.JobKey(originalURL, filters)]
	return ok
}

// Job 返回任务快照
func (p *Poller) Job(originalURL string, filters []string) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.jobs[marker.JobKey(originalURL, filters)]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Len 跟踪中的任务数
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Push 后端主动推送结果时提前结束对应URL的全部任务，返回命中的任务数
func (p *Poller) Push(originalURL, processedValue string) int {
	if processedValue == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.jobs {
		if e.job.OriginalURL != originalURL {
			continue
		}
		select {
		case e.pushed <- processedValue:
			n++
		default:
		}
	}
	return n
}

// Stop 停止全部轮询并等待循环退出，未完成的任务按过期处理
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) update(e *entry, fn func(*Job)) Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&e.job)
	return e.job
}

func (p *Poller) finish(e *entry, state State, value string, done func(Outcome)) {
	p.mu.Lock()
	e.job.State = state
	job := e.job
	delete(p.jobs, job.Key)
	p.mu.Unlock()

	p.cfg.Metrics.ObserveDeferred(string(state))
	if state == StateCompleted {
		p.log.Debug("延迟图片任务完成", "url", job.OriginalURL, "polls", job.PollCount)
	} else {
		p.log.Info("延迟图片任务过期", "url", job.OriginalURL, "polls", job.PollCount)
	}
	if done != nil {
		done(Outcome{Job: job, ProcessedValue: value})
	}
}

func (p *Poller) loop(e *entry, done func(Outcome)) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.finish(e, StateExpired, "", done)
			return
		case v := <-e.pushed:
			p.finish(e, StateCompleted, v, done)
			return
		case <-timer.C:
		}

		job := p.update(e, func(j *Job) {
			j.PollCount++
			j.State = StatePolling
		})
		value, ok := p.attempt(job)
		if ok {
			p.finish(e, StateCompleted, value, done)
			return
		}
		if job.PollCount >= job.MaxPolls {
			p.finish(e, StateExpired, "", done)
			return
		}
		p.update(e, func(j *Job) { j.State = StateNotFound })
		p.cfg.Metrics.ObserveDeferred(string(StateNotFound))
		timer.Reset(p.cfg.Interval)
	}
}

// attempt 单次轮询，带独立超时；任何错误都视为未找到
func (p *Poller) attempt(job Job) (string, bool) {
	if p.cfg.Poll == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.AttemptTimeout)
	defer cancel()

	res, err := p.cfg.Poll(ctx, model.ImagePollRequest{ImageURL: job.OriginalURL, Filters: job.Filters})
	if err != nil {
		p.log.Debug("图片轮询失败", "url", job.OriginalURL, "attempt", job.PollCount, "error", err)
		return "", false
	}
	if res.Status == model.ImageCompleted && res.ProcessedValue != "" {
		return res.ProcessedValue, true
	}
	if res.Status == model.ImageError {
		p.log.Debug("后端返回图片处理错误", "url", job.OriginalURL, "error", res.Error)
	}
	return "", false
}
