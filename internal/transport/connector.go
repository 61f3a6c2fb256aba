package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"feedmod/internal/logger"
	"feedmod/internal/metrics"
	"feedmod/internal/pending"
)

// State 连接状态
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateAbandoned
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateAbandoned:
		return "abandoned"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectorConfig WebSocket 连接器配置
type ConnectorConfig struct {
	// BaseURL 形如 ws://host/ws，实际连接 BaseURL/{userID}
	BaseURL        string
	UserID         string
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	// OnImageProcessed 收到图片处理完成推送时回调，在读循环中同步执行
	OnImageProcessed func(ImageProcessed)
	Metrics          *metrics.Metrics
	Logger           logger.Logger
}

// Connector 每个用户一条懒建立的 WebSocket 连接，请求按关联ID匹配响应
type Connector struct {
	cfg     ConnectorConfig
	dialer  *websocket.Dialer
	pending *pending.Table[FeedResult]
	group   singleflight.Group
	state   atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	log    logger.Logger
}

// NewConnector 创建连接器，首次请求时才建立连接
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		pending: pending.New[FeedResult](),
		ctx:     ctx,
		cancel:  cancel,
		log:     cfg.Logger.With("component", "ws", "userID", cfg.UserID),
	}
	c.state.Store(int32(StateIdle))
	return c
}

// State 当前连接状态
func (c *Connector) State() State { return State(c.state.Load()) }

// Pending 未结算的请求数
func (c *Connector) Pending() int { return c.pending.Len() }

// endpoint 拼接用户连接地址
func (c *Connector) endpoint() (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.UserID == "" {
		return "", fmt.Errorf("websocket url or user id not configured")
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(c.cfg.UserID)
	return u.String(), nil
}

// connect 建立连接；并发调用共享同一次建立过程
func (c *Connector) connect() (*websocket.Conn, error) {
	v, err, _ := c.group.Do(c.cfg.UserID, func() (any, error) {
		c.mu.Lock()
		if c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		c.mu.Unlock()

		addr, err := c.endpoint()
		if err != nil {
			return nil, err
		}
		conn, resp, err := c.dialer.DialContext(c.ctx, addr, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (status %d)", addr, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}

		c.mu.Lock()
		if State(c.state.Load()) == StateClosed {
			c.mu.Unlock()
			conn.Close()
			return nil, ErrClosed
		}
		c.conn = conn
		c.state.Store(int32(StateConnected))
		c.mu.Unlock()

		c.log.Info("WebSocket 已连接", "url", addr)
		go c.readLoop(conn)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

// ensure 返回可用连接，重连期间或已放弃时直接失败
func (c *Connector) ensure() (*websocket.Conn, error) {
	switch c.State() {
	case StateClosed:
		return nil, ErrClosed
	case StateAbandoned:
		return nil, ErrAbandoned
	case StateReconnecting:
		return nil, ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	conn, err := c.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return conn, nil
}

// ProcessFeed 通过 WebSocket 发送处理请求并等待关联响应
func (c *Connector) ProcessFeed(ctx context.Context, req FeedRequest) (FeedResult, error) {
	conn, err := c.ensure()
	if err != nil {
		return FeedResult{}, err
	}

	id := uuid.NewString()
	ch, err := c.pending.Register(id, c.cfg.RequestTimeout)
	if err != nil {
		return FeedResult{}, err
	}

	msg := outbound{
		Type:      MsgProcessFeed,
		RequestID: id,
		Data: &outboundFeed{
			URL:       req.URL,
			Platform:  string(req.Platform),
			Response:  req.Response,
			StartTime: req.StartTime.UnixMilli(),
			UserID:    c.cfg.UserID,
		},
	}
	if err := c.write(conn, msg); err != nil {
		c.pending.Reject(id, fmt.Errorf("%w: %v", ErrNotConnected, err))
		c.dropConn(conn, err)
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return FeedResult{}, r.Err
		}
		r.Value.Via = "ws"
		return r.Value, nil
	case <-ctx.Done():
		c.pending.Cancel(id)
		return FeedResult{}, ctx.Err()
	}
}

func (c *Connector) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop 读取入站消息直到连接断开
func (c *Connector) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch 按类型与关联ID分发消息；未知ID视为迟到响应直接丢弃
func (c *Connector) dispatch(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("无法解析的 WebSocket 消息", "error", err, "size", len(data))
		return
	}
	switch msg.Type {
	case MsgProcessingResponse:
		res, err := decodeFeed(msg.Data)
		var ok bool
		if err != nil {
			ok = c.pending.Reject(msg.RequestID, err)
		} else {
			ok = c.pending.Resolve(msg.RequestID, res)
		}
		if !ok {
			c.log.Debug("丢弃无对应请求的响应", "requestID", msg.RequestID)
		}
	case MsgError:
		if !c.pending.Reject(msg.RequestID, &BackendError{RequestID: msg.RequestID, Message: msg.Error}) {
			c.log.Debug("丢弃无对应请求的错误", "requestID", msg.RequestID)
		}
	case MsgImageProcessed:
		if c.cfg.OnImageProcessed != nil && msg.ImageURL != "" {
			c.cfg.OnImageProcessed(ImageProcessed{ImageURL: msg.ImageURL, ProcessedValue: msg.ProcessedValue, Filters: msg.Filters})
		}
	default:
		c.log.Debug("忽略 WebSocket 消息", "type", msg.Type)
	}
}

// dropConn 移除断开的连接，结算其上全部等待请求并启动重连
func (c *Connector) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := State(c.state.Load()) == StateClosed
	if !closed {
		c.state.Store(int32(StateReconnecting))
	}
	c.mu.Unlock()
	conn.Close()

	if n := c.pending.RejectAll(fmt.Errorf("%w: %v", ErrConnLost, cause)); n > 0 {
		c.log.Warn("连接断开，结算等待中的请求", "count", n)
	}
	if closed {
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("WebSocket 被服务端关闭，准备重连")
	} else {
		c.log.Warn("WebSocket 读取失败，准备重连", "error", cause)
	}
	go c.reconnect()
}

// reconnect 指数退避重连，超过最大次数后放弃 WebSocket
func (c *Connector) reconnect() {
	err := retry.New(
		retry.Attempts(uint(c.cfg.MaxAttempts)),
		retry.Delay(c.cfg.BaseDelay),
		retry.MaxDelay(c.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(c.ctx),
		retry.OnRetry(func(n uint, err error) {
			c.cfg.Metrics.ObserveReconnect()
			c.log.Debug("重连失败", "attempt", n+1, "error", err)
		}),
	).Do(func() error {
		_, err := c.connect()
		return err
	})
	if err == nil {
		c.log.Info("WebSocket 重连成功")
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return
	}
	c.mu.Lock()
	if State(c.state.Load()) != StateClosed {
		c.state.Store(int32(StateAbandoned))
	}
	c.mu.Unlock()
	c.log.Err(err, "超过最大重连次数，后续请求只走 HTTP", "attempts", c.cfg.MaxAttempts)
}

// Close 关闭连接并结算全部等待请求
func (c *Connector) Close() error {
	c.mu.Lock()
	c.state.Store(int32(StateClosed))
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	c.pending.RejectAll(ErrClosed)
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
