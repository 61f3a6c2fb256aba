package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Subscription 平台订阅：主机通配与端点名单
type Subscription struct {
	Platform  string   `yaml:"platform"`
	Hosts     []string `yaml:"hosts"`
	Endpoints []string `yaml:"endpoints"`
}

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Backend struct {
		HTTPURL        string        `yaml:"http_url" envconfig:"HTTP_URL"`
		WSURL          string        `yaml:"ws_url" envconfig:"WS_URL"`
		RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	} `yaml:"backend"`

	User struct {
		ID               string `yaml:"id" envconfig:"ID"`
		TabID            int    `yaml:"tab_id" envconfig:"TAB_ID"`
		ExtensionVersion string `yaml:"extension_version"`
	} `yaml:"user"`

	Intercept struct {
		Timeout       time.Duration  `yaml:"timeout" envconfig:"TIMEOUT"`
		QueueSize     int            `yaml:"queue_size"`
		Concurrency   int            `yaml:"concurrency"`
		Subscriptions []Subscription `yaml:"subscriptions" ignored:"true"`
	} `yaml:"intercept"`

	Transport struct {
		WSRequestTimeout     time.Duration `yaml:"ws_request_timeout"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" envconfig:"MAX_RECONNECT_ATTEMPTS"`
		DisableWebSocket     bool          `yaml:"disable_websocket" envconfig:"DISABLE_WEBSOCKET"`
	} `yaml:"transport"`

	Polling struct {
		Environment    string        `yaml:"environment" envconfig:"ENV"`
		IntervalDev    time.Duration `yaml:"interval_dev"`
		IntervalProd   time.Duration `yaml:"interval_prod"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		MaxPolls       int           `yaml:"max_polls"`
	} `yaml:"polling"`

	CDP struct {
		DevToolsURL      string `yaml:"devtools_url" envconfig:"DEVTOOLS_URL"`
		ProcessTimeoutMS int    `yaml:"process_timeout_ms"`
		Concurrency      int    `yaml:"concurrency"`
		PendingCapacity  int    `yaml:"pending_capacity"`
	} `yaml:"cdp"`

	Proxy struct {
		Listen   string `yaml:"listen" envconfig:"LISTEN"`
		Upstream string `yaml:"upstream" envconfig:"UPSTREAM"`
	} `yaml:"proxy"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" envconfig:"DSN"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" envconfig:"LEVEL"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Metrics struct {
		Listen string `yaml:"listen" envconfig:"LISTEN"`
	} `yaml:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}

	c.Backend.HTTPURL = "http://127.0.0.1:8001"
	c.Backend.WSURL = "ws://127.0.0.1:8001/ws"
	c.Backend.RequestTimeout = 60 * time.Second

	c.User.ExtensionVersion = "1.0.0"

	c.Intercept.Timeout = 30 * time.Second
	c.Intercept.QueueSize = 64
	c.Intercept.Concurrency = 4
	c.Intercept.Subscriptions = DefaultSubscriptions()

	c.Transport.WSRequestTimeout = 10 * time.Second
	c.Transport.ReconnectBaseDelay = time.Second
	c.Transport.ReconnectMaxDelay = 30 * time.Second
	c.Transport.MaxReconnectAttempts = 5

	c.Polling.Environment = "production"
	c.Polling.IntervalDev = 2 * time.Second
	c.Polling.IntervalProd = 10 * time.Second
	c.Polling.AttemptTimeout = 5 * time.Second
	c.Polling.MaxPolls = 30

	c.CDP.DevToolsURL = "http://127.0.0.1:9222"
	c.CDP.ProcessTimeoutMS = 35000
	c.CDP.Concurrency = 8
	c.CDP.PendingCapacity = 256

	c.Proxy.Listen = "127.0.0.1:8088"

	c.Sqlite.Dsn = "feedmod.sqlite3"
	c.Sqlite.Prefix = "feedmod_"

	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "feedmod.log"

	return c
}

// DefaultSubscriptions 默认订阅的端点
func DefaultSubscriptions() []Subscription {
	return []Subscription{
		{
			Platform: "reddit",
			Hosts:    []string{"reddit.com", "*.reddit.com"},
			Endpoints: []string{
				"best", "hot", "new", "top", "rising",
				".json", "best.json", "hot.json", "new.json", "top.json", "rising.json",
				"home-feed", "popular-feed", "all-feed", "more-posts",
			},
		},
		{
			Platform: "twitter",
			Hosts:    []string{"twitter.com", "*.twitter.com", "x.com", "*.x.com"},
			Endpoints: []string{
				"HomeTimeline", "HomeLatestTimeline", "TweetDetail", "SearchTimeline",
				"UserTweets", "home.json", "adaptive.json", "tweets.json",
			},
		},
	}
}

// Load 读取配置文件并叠加环境变量，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envconfig.Process("feedmod", c); err != nil {
		return nil, fmt.Errorf("env config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验必要字段
func (c *Config) Validate() error {
	if c.Backend.HTTPURL == "" {
		return fmt.Errorf("backend.http_url is required")
	}
	if c.Intercept.Timeout <= 0 {
		return fmt.Errorf("intercept.timeout must be positive")
	}
	if c.WebSocketEnabled() && c.Transport.WSRequestTimeout >= c.Intercept.Timeout {
		return fmt.Errorf("transport.ws_request_timeout (%s) must be shorter than intercept.timeout (%s)",
			c.Transport.WSRequestTimeout, c.Intercept.Timeout)
	}
	if c.Polling.MaxPolls <= 0 {
		return fmt.Errorf("polling.max_polls must be positive")
	}
	switch c.Polling.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("polling.environment must be development or production, got %q", c.Polling.Environment)
	}
	return nil
}

// PollInterval 根据运行环境返回轮询间隔
func (c *Config) PollInterval() time.Duration {
	if c.Polling.Environment == "development" {
		return c.Polling.IntervalDev
	}
	return c.Polling.IntervalProd
}

// WebSocketEnabled 是否配置并启用了 WebSocket 通道
func (c *Config) WebSocketEnabled() bool {
	return !c.Transport.DisableWebSocket && c.Backend.WSURL != ""
}
