// Package session 按用户维护会话，同一用户的所有页面共用一个传输层，
// 因此每个用户至多一条 WebSocket。
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedmod/internal/logger"
	"feedmod/internal/transport"
	"feedmod/pkg/model"
)

// Factory 为用户创建传输层
type Factory func(userID string) *transport.Transport

// Session 一个用户的会话
type Session struct {
	ID        model.SessionID
	UserID    string
	Transport *transport.Transport
	Created   time.Time

	refs int
}

// Refs 当前引用数
func (s *Session) Refs() int { return s.refs }

// Manager 全局会话管理器
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(factory Factory, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		log:      l,
	}
}

// Acquire 返回用户的会话，不存在时创建；每次调用都需要对应一次 Release
func (m *Manager) Acquire(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok {
		s.refs++
		return s
	}
	s := &Session{
		ID:        model.SessionID(uuid.NewString()),
		UserID:    userID,
		Transport: m.factory(userID),
		Created:   time.Now(),
		refs:      1,
	}
	m.sessions[userID] = s
	m.log.Info("创建用户会话", "sessionID", string(s.ID), "userID", userID)
	return s
}

// Get 获取会话
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Release 释放一次引用，最后一个引用释放时关闭传输层
func (m *Manager) Release(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	m.mu.Unlock()

	if err := s.Transport.Close(); err != nil {
		m.log.Err(err, "关闭传输层失败", "userID", userID)
	}
	m.log.Info("销毁用户会话", "sessionID", string(s.ID), "userID", userID)
}

// List 返回所有活动会话，按用户ID排序
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// CloseAll 忽略引用数，关闭全部会话
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range all {
		if err := s.Transport.Close(); err != nil {
			m.log.Err(err, "关闭传输层失败", "userID", id)
		}
	}
}
