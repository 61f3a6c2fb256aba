// Package storage 在 sqlite 中保存拦截历史，用于统计与排查。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"feedmod/internal/ctxkeys"
	"feedmod/internal/logger"
	"feedmod/pkg/model"
)

// InterceptionRecord 一次拦截的处理结果
type InterceptionRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RequestID  string    `gorm:"size:64;index" json:"requestId"`
	URL        string    `json:"url"`
	Endpoint   string    `gorm:"size:64;index" json:"endpoint"`
	Platform   string    `gorm:"size:16" json:"platform"`
	PostCount  int       `json:"postCount"`
	Result     string    `gorm:"size:16;index" json:"result"`
	Transport  string    `gorm:"size:8" json:"transport,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// Store 拦截历史仓库
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Options 打开选项
type Options struct {
	DSN    string
	Prefix string
	Logger logger.Logger
}

// Open 打开数据库并迁移表结构
func Open(opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("storage: empty dsn")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:         NewGormLogger(opts.Logger),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", opts.DSN, err)
	}
	if err := db.AutoMigrate(&InterceptionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: opts.Logger}, nil
}

// Save 写入一条记录；nil Store 直接忽略
func (s *Store) Save(ctx context.Context, rec *InterceptionRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, rec.RequestID)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save interception %s: %w", rec.RequestID, err)
	}
	return nil
}

// Recent 按时间倒序返回最近的记录
func (s *Store) Recent(ctx context.Context, limit int) ([]InterceptionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []InterceptionRecord
	err := s.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&out).Error
	return out, err
}

// ByRequestID 按请求ID查找，多条时返回最新一条
func (s *Store) ByRequestID(ctx context.Context, id string) (*InterceptionRecord, error) {
	var rec InterceptionRecord
	err := s.db.WithContext(ctx).Where("request_id = ?", id).Order("id desc").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Stats 按结果聚合
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var rows []struct {
		Result string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&InterceptionRecord{}).
		Select("result, count(*) as n").Group("result").Scan(&rows).Error
	if err != nil {
		return model.Stats{}, err
	}
	st := model.Stats{ByResult: make(map[string]int64, len(rows))}
	for _, r := range rows {
		st.ByResult[r.Result] = r.N
		st.Total += r.N
	}
	st.Modified = st.ByResult[model.ResultModified]
	st.Fallback = st.ByResult[model.ResultFallback]
	return st, nil
}

// Prune 删除早于 before 的记录
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&InterceptionRecord{})
	return res.RowsAffected, res.Error
}

// Close 关闭底层连接
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
