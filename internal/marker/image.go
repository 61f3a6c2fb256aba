package marker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ImageAttr 图片干预配置所在的属性名
const ImageAttr = "diy-mod-image"

// ImageType 图片干预类型
type ImageType string

const (
	ImageOverlay    ImageType = "overlay"
	ImageBlur       ImageType = "blur"
	ImageProcessed  ImageType = "processed"
	ImageCartoonish ImageType = "cartoonish"
	ImageEdit       ImageType = "edit"
)

// 延迟处理状态
const (
	StatusDeferred  = "DEFERRED"
	StatusCompleted = "COMPLETED"
)

// Box 图片上的矩形区域
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Key 坐标去重键
func (b Box) Key() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return f(b.X1) + "," + f(b.Y1) + "," + f(b.X2) + "," + f(b.Y2)
}

// ImageConfig 图片干预配置
type ImageConfig struct {
	Type           ImageType `json:"type"`
	Coordinates    []Box     `json:"coordinates,omitempty"`
	URL            string    `json:"url,omitempty"`
	OverlayURL     string    `json:"overlay_url,omitempty"`
	Status         string    `json:"status,omitempty"`
	Filters        []string  `json:"filters,omitempty"`
	BestFilterName string    `json:"best_filter_name,omitempty"`
	ProcessedValue string    `json:"processed_value,omitempty"`
}

// ParseImageConfig 解析属性值
func ParseImageConfig(raw string) (ImageConfig, error) {
	var c ImageConfig
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return c, fmt.Errorf("empty image config")
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("parse image config: %w", err)
	}
	if c.Type == "" {
		return c, fmt.Errorf("image config without type")
	}
	return c, nil
}

// Encode 编码为属性值
func (c ImageConfig) Encode() string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsDeferred 是否为尚未产出结果的延迟任务
func (c ImageConfig) IsDeferred() bool {
	return (c.Type == ImageCartoonish || c.Type == ImageEdit) && strings.EqualFold(c.Status, StatusDeferred)
}

// PollFilters 轮询时使用的过滤器：优先使用命中的具体过滤器
func (c ImageConfig) PollFilters() []string {
	if c.BestFilterName != "" {
		return []string{c.BestFilterName}
	}
	return append([]string(nil), c.Filters...)
}

// JobKey 延迟任务键，originalURL + filters
func JobKey(originalURL string, filters []string) string {
	return originalURL + "\x00" + strings.Join(filters, "\x00")
}
