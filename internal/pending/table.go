// Package pending 提供按关联ID索引的等待表，每个条目恰好结算一次：
// 匹配响应、显式错误或超时。
package pending

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout     = errors.New("pending: timeout")
	ErrDuplicateID = errors.New("pending: duplicate id")
	ErrCanceled    = errors.New("pending: canceled")
)

// Result 结算结果
type Result[T any] struct {
	Value T
	Err   error
}

type entry[T any] struct {
	ch      chan Result[T]
	timer   *time.Timer
	created time.Time
}

// Table 关联等待表
type Table[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

// New 创建等待表
func New[T any]() *Table[T] {
	return &Table[T]{entries: make(map[string]*entry[T])}
}

// Register 登记等待条目；timeout 大于0时到期自动以 ErrTimeout 结算
func (t *Table[T]) Register(id string, timeout time.Duration) (<-chan Result[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok {
		return nil, ErrDuplicateID
	}
	e := &entry[T]{ch: make(chan Result[T], 1), created: time.Now()}
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			t.settle(id, Result[T]{Err: ErrTimeout})
		})
	}
	t.entries[id] = e
	return e.ch, nil
}

// Resolve 以值结算，条目不存在（已超时或未登记）时返回 false
func (t *Table[T]) Resolve(id string, v T) bool {
	return t.settle(id, Result[T]{Value: v})
}

// Reject 以错误结算
func (t *Table[T]) Reject(id string, err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	return t.settle(id, Result[T]{Err: err})
}

// Cancel 以 ErrCanceled 结算
func (t *Table[T]) Cancel(id string) bool {
	return t.settle(id, Result[T]{Err: ErrCanceled})
}

// RejectAll 以同一错误结算全部条目，返回结算数量
func (t *Table[T]) RejectAll(err error) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.Reject(id, err) {
			n++
		}
	}
	return n
}

// Len 当前未结算条目数
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Age 条目已等待时长
func (t *Table[T]) Age(id string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return time.Since(e.created), true
}

func (t *Table[T]) settle(id string, r Result[T]) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ch <- r
	return true
}
