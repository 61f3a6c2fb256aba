package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedmod/internal/logger"
	"feedmod/pkg/model"
)

// HTTPConfig HTTP 客户端配置
type HTTPConfig struct {
	BaseURL          string
	UserID           string
	TabID            int
	ExtensionVersion string
	Timeout          time.Duration
	Client           *http.Client
	Logger           logger.Logger
}

// HTTPClient 后端 HTTP 接口
type HTTPClient struct {
	base    string
	userID  string
	tabID   int
	version string
	client  *http.Client
	log     logger.Logger
}

// NewHTTPClient 创建 HTTP 客户端
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		tabID:   cfg.TabID,
		version: cfg.ExtensionVersion,
		client:  cfg.Client,
		log:     cfg.Logger.With("component", "http"),
	}
}

type getFeedRequest struct {
	TabID            int    `json:"tab_id"`
	UserID           string `json:"user_id"`
	URL              string `json:"url"`
	ExtensionVersion string `json:"extension_version"`
	Data             string `json:"data"`
}

type feedInfo struct {
	FeedInfo struct {
		Response string `json:"response"`
	} `json:"feed_info"`
}

// ProcessFeed 通过 POST /get_feed 处理一次响应
func (c *HTTPClient) ProcessFeed(ctx context.Context, req FeedRequest) (FeedResult, error) {
	var info feedInfo
	info.FeedInfo.Response = req.Response
	data, err := json.Marshal(info)
	if err != nil {
		return FeedResult{}, fmt.Errorf("marshal feed info: %w", err)
	}
	userID := req.UserID
	if userID == "" {
		userID = c.userID
	}
	tabID := req.TabID
	if tabID == 0 {
		tabID = c.tabID
	}
	body := getFeedRequest{
		TabID:            tabID,
		UserID:           userID,
		URL:              req.URL,
		ExtensionVersion: c.version,
		Data:             string(data),
	}

	raw, err := c.do(ctx, http.MethodPost, "/get_feed", nil, body)
	if err != nil {
		return FeedResult{}, err
	}
	res, err := decodeFeed(raw)
	if err != nil {
		return FeedResult{}, err
	}
	res.Via = "http"
	return res, nil
}

// PollImage GET /get_img_result 查询图片处理结果
func (c *HTTPClient) PollImage(ctx context.Context, imageURL string, filters []string) (model.ImagePollResult, error) {
	f, err := json.Marshal(filters)
	if err != nil {
		return model.ImagePollResult{}, fmt.Errorf("marshal filters: %w", err)
	}
	q := url.Values{}
	q.Set("img_url", imageURL)
	q.Set("filters", string(f))

	raw, err := c.do(ctx, http.MethodGet, "/get_img_result", q, nil)
	if err != nil {
		return model.ImagePollResult{}, err
	}
	var res model.ImagePollResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.ImagePollResult{}, fmt.Errorf("decode image result: %w", err)
	}
	return res, nil
}

// Ping 检查后端可用性
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil, nil)
	return err
}

// ListFilters 列出用户过滤器
func (c *HTTPClient) ListFilters(ctx context.Context) ([]model.Filter, error) {
	q := url.Values{}
	q.Set("user_id", c.userID)
	raw, err := c.do(ctx, http.MethodGet, "/filters", q, nil)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Filters []model.Filter `json:"filters"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Filters != nil {
		return wrapped.Filters, nil
	}
	var list []model.Filter
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	return list, nil
}

// CreateFilter 新建过滤器
func (c *HTTPClient) CreateFilter(ctx context.Context, f model.Filter) (model.Filter, error) {
	f.UserID = c.userID
	raw, err := c.do(ctx, http.MethodPost, "/filters", nil, f)
	if err != nil {
		return model.Filter{}, err
	}
	return decodeFilter(raw, f)
}

// UpdateFilter 更新过滤器
func (c *HTTPClient) UpdateFilter(ctx context.Context, f model.Filter) (model.Filter, error) {
	if f.ID == 0 {
		return model.Filter{}, fmt.Errorf("update filter: missing id")
	}
	f.UserID = c.userID
	raw, err := c.do(ctx, http.MethodPut, "/filters/"+strconv.Itoa(f.ID), nil, f)
	if err != nil {
		return model.Filter{}, err
	}
	return decodeFilter(raw, f)
}

// DeleteFilter 删除过滤器
func (c *HTTPClient) DeleteFilter(ctx context.Context, id int) error {
	q := url.Values{}
	q.Set("user_id", c.userID)
	_, err := c.do(ctx, http.MethodDelete, "/filters/"+strconv.Itoa(id), q, nil)
	return err
}

// decodeFilter 兼容 {filter:{...}} 与裸对象两种返回
func decodeFilter(raw []byte, fallback model.Filter) (model.Filter, error) {
	var wrapped struct {
		Filter *model.Filter `json:"filter"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Filter != nil {
		return *wrapped.Filter, nil
	}
	var f model.Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return model.Filter{}, fmt.Errorf("decode filter: %w", err)
	}
	if f.FilterText == "" {
		f.FilterText = fallback.FilterText
		f.ContentType = fallback.ContentType
		f.Duration = fallback.Duration
	}
	return f, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body any) ([]byte, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug("后端返回错误状态", "method", method, "path", path, "status", resp.StatusCode)
		return nil, &BackendError{Message: errorMessage(raw), Status: resp.StatusCode}
	}
	return raw, nil
}

// errorMessage 提取 FastAPI 风格的 detail 字段
func errorMessage(raw []byte) string {
	var e struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if s, ok := e.Detail.(string); ok && s != "" {
			return s
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
