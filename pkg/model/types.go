package model

import "time"

type SessionID string
type TargetID string

// Platform 平台标识
type Platform string

const (
	PlatformReddit  Platform = "reddit"
	PlatformTwitter Platform = "twitter"
)

// InterceptedRequest 被拦截的响应记录，创建后不再修改
type InterceptedRequest struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	StartTime time.Time `json:"startTime"`
	Type      string    `json:"type"` // 订阅的端点名
	Response  string    `json:"response"`
}

// FeedReady 处理完成事件，Response 为空表示使用原始响应
type FeedReady struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	Response string `json:"response"`
}

// Post 平台无关的帖子结构
type Post struct {
	ID        string         `json:"id"`
	Title     *string        `json:"title,omitempty"`
	Body      *string        `json:"body,omitempty"`
	MediaURLs []string       `json:"media_urls"`
	Platform  Platform       `json:"platform"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ProcessedPost 后端返回的处理结果，ID 必须对应同批次的 Post.ID
type ProcessedPost struct {
	ID                 string   `json:"id"`
	ProcessedTitle     *string  `json:"processed_title,omitempty"`
	ProcessedBody      *string  `json:"processed_body,omitempty"`
	ProcessedMediaURLs []string `json:"processed_media_urls,omitempty"`
}

// ImagePollStatus 图片轮询状态
type ImagePollStatus string

const (
	ImageCompleted ImagePollStatus = "COMPLETED"
	ImageNotFound  ImagePollStatus = "NOT FOUND"
	ImageError     ImagePollStatus = "ERROR"
)

// ImagePollRequest 图片结果轮询请求
type ImagePollRequest struct {
	RequestID string   `json:"requestId"`
	ImageURL  string   `json:"img_url"`
	Filters   []string `json:"filters"`
}

// ImagePollResult 图片结果轮询响应
type ImagePollResult struct {
	Status         ImagePollStatus `json:"status"`
	ProcessedValue string          `json:"processed_value,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Filter 用户过滤器
type Filter struct {
	ID          int    `json:"id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	FilterText  string `json:"filter_text"`
	ContentType string `json:"content_type"`
	Duration    string `json:"duration"`
}

// 拦截结果
const (
	ResultModified = "modified"
	ResultPassed   = "passed"
	ResultFallback = "fallback"
)

// Event 拦截事件
type Event struct {
	Type      string        `json:"type"`
	Session   SessionID     `json:"session,omitempty"`
	Target    TargetID      `json:"target,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	URL       string        `json:"url"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Result    string        `json:"result,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}

// Stats 拦截统计
type Stats struct {
	Total    int64            `json:"total"`
	Modified int64            `json:"modified"`
	Fallback int64            `json:"fallback"`
	ByResult map[string]int64 `json:"byResult"`
}

// StringPtr 返回字符串指针
func StringPtr(s string) *string { return &s }
