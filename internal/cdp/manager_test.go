package cdp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmod/internal/config"
	"feedmod/internal/intercept"
	"feedmod/pkg/model"
)

func TestPatternsFromSubscriptions(t *testing.T) {
	ps := Patterns([]config.Subscription{
		{Hosts: []string{"reddit.com", "*.reddit.com"}},
		{Hosts: []string{"*.Reddit.com", "x.com"}},
	})
	require.Len(t, ps, 3)
	assert.Equal(t, "*://reddit.com/*", *ps[0].URLPattern)
	assert.Equal(t, "*://*.reddit.com/*", *ps[1].URLPattern)
	assert.Equal(t, "*://x.com/*", *ps[2].URLPattern)
	for _, p := range ps {
		assert.Equal(t, fetch.RequestStageResponse, p.RequestStage)
	}

	all := Patterns(nil)
	require.Len(t, all, 1)
	assert.Equal(t, "*", *all[0].URLPattern)
}

func TestEnableTwiceIsRejected(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Enable())
	err := m.Enable()
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
	assert.True(t, errors.Is(err, intercept.ErrAlreadyInstalled))

	require.NoError(t, m.Disable())
	assert.NoError(t, m.Enable())
	m.Close()
}

func TestDetachUnknownTarget(t *testing.T) {
	m := New(Config{})
	assert.ErrorIs(t, m.DetachTarget("nope"), ErrNotAttached)
	assert.Empty(t, m.Targets())
}

func TestListTargetsKeepsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"A","type":"page","title":"Home / X","url":"https://x.com/home","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/page/A"},
			{"id":"B","type":"service_worker","title":"sw","url":"https://x.com/sw.js"}
		]`))
	}))
	defer srv.Close()

	m := New(Config{DevToolsURL: srv.URL})
	got, err := m.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.TargetInfo{{ID: "A", Type: "page", URL: "https://x.com/home", Title: "Home / X"}}, got)
}

func TestAttachWithoutPagesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	m := New(Config{DevToolsURL: srv.URL})
	_, err := m.AttachTarget(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestWorkerPoolBoundsQueue(t *testing.T) {
	p := newWorkerPool(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int32

	require.True(t, p.submit(func() { close(started); <-release; ran.Add(1) }))
	<-started
	require.True(t, p.submit(func() { ran.Add(1) }))
	assert.False(t, p.submit(func() { ran.Add(1) }))

	close(release)
	assert.Eventually(t, func() bool { return ran.Load() == 2 }, time.Second, 5*time.Millisecond)
	p.stop()
	assert.False(t, p.submit(func() {}))
}
