package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"feedmod/internal/ctxkeys"
	"feedmod/internal/logger"
	"feedmod/pkg/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DSN: filepath.Join(t.TempDir(), "test.sqlite3"), Prefix: "t_"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndRecent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"req-1", "req-2", "req-3"} {
		require.NoError(t, s.Save(ctx, &InterceptionRecord{
			RequestID: id,
			Endpoint:  "HomeTimeline",
			Result:    model.ResultModified,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "req-3", got[0].RequestID)
	assert.Equal(t, "req-2", got[1].RequestID)

	rec, err := s.ByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "HomeTimeline", rec.Endpoint)
}

func TestStats(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, r := range []string{model.ResultModified, model.ResultModified, model.ResultFallback, model.ResultPassed} {
		require.NoError(t, s.Save(ctx, &InterceptionRecord{RequestID: "x", Result: r}))
	}
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, int64(2), st.Modified)
	assert.Equal(t, int64(1), st.Fallback)
	assert.Equal(t, int64(1), st.ByResult[model.ResultPassed])
}

func TestPrune(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &InterceptionRecord{RequestID: "old", CreatedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, s.Save(ctx, &InterceptionRecord{RequestID: "new"}))

	n, err := s.Prune(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.ByRequestID(ctx, "old")
	assert.Error(t, err)
}

func TestNilStoreSave(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Save(context.Background(), &InterceptionRecord{}))
	assert.NoError(t, s.Close())
}

func TestOpenEmptyDSN(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestGormLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	g := NewGormLogger(logger.NewWriter(&buf, zerolog.DebugLevel))
	ctx := context.WithValue(context.Background(), ctxkeys.TraceIDKey{}, "req-9")
	sql := func() (string, int64) { return "SELECT 1", 1 }

	g.Trace(ctx, time.Now(), sql, nil)
	assert.Empty(t, buf.String())

	g.Trace(ctx, time.Now(), sql, errors.New("boom"))
	assert.Contains(t, buf.String(), "req-9")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	g.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	buf.Reset()
	g.LogMode(gormlogger.Info).Trace(ctx, time.Now(), sql, nil)
	assert.Contains(t, buf.String(), "SELECT 1")

	buf.Reset()
	g.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, errors.New("boom"))
	assert.Empty(t, buf.String())
}
