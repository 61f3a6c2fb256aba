package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 日志接口，kv 为交替的键值对
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level      string
	Writer     []string // console, file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type zlog struct {
	z zerolog.Logger
}

// New 根据配置创建 zerolog 日志
func New(opts Options) (Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		level = lv
	}

	var writers []io.Writer
	for _, w := range opts.Writer {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
		case "file":
			if opts.File == "" {
				opts.File = "feedmod.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    nonZero(opts.MaxSizeMB, 50),
				MaxBackups: nonZero(opts.MaxBackups, 3),
				MaxAge:     nonZero(opts.MaxAgeDays, 7),
				Compress:   true,
			})
		default:
			return nil, fmt.Errorf("unknown log writer %q", w)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{z: z}, nil
}

// NewWriter 基于任意 writer 创建 JSON 日志，主要用于测试
func NewWriter(w io.Writer, level zerolog.Level) Logger {
	return &zlog{z: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

func (l *zlog) Debug(msg string, kv ...any) { l.z.Debug().Fields(kv).Msg(msg) }
func (l *zlog) Info(msg string, kv ...any)  { l.z.Info().Fields(kv).Msg(msg) }
func (l *zlog) Warn(msg string, kv ...any)  { l.z.Warn().Fields(kv).Msg(msg) }
func (l *zlog) Error(msg string, kv ...any) { l.z.Error().Fields(kv).Msg(msg) }

func (l *zlog) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(kv).Msg(msg)
}

func (l *zlog) With(kv ...any) Logger {
	return &zlog{z: l.z.With().Fields(kv).Logger()}
}

type nop struct{}

// NewNop 返回丢弃所有输出的日志
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)      {}
func (nop) Info(string, ...any)       {}
func (nop) Warn(string, ...any)       {}
func (nop) Error(string, ...any)      {}
func (nop) Err(error, string, ...any) {}
func (n nop) With(...any) Logger      { return n }

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
