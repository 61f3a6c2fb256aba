package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmod/internal/bridge"
	"feedmod/internal/config"
	"feedmod/internal/intercept"
	"feedmod/internal/rules"
	"feedmod/pkg/model"
)

type fakeFetch struct {
	mu        sync.Mutex
	body      *fetch.GetResponseBodyReply
	bodyErr   error
	bodyCalls int
	continued []string
	fulfilled []*fetch.FulfillRequestArgs
}

func (f *fakeFetch) GetResponseBody(context.Context, *fetch.GetResponseBodyArgs) (*fetch.GetResponseBodyReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodyCalls++
	return f.body, f.bodyErr
}

func (f *fakeFetch) ContinueRequest(context.Context, *fetch.ContinueRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, "request")
	return nil
}

func (f *fakeFetch) ContinueResponse(context.Context, *fetch.ContinueResponseArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, "response")
	return nil
}

func (f *fakeFetch) FulfillRequest(_ context.Context, args *fetch.FulfillRequestArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, args)
	return nil
}

// newHandler 后台协程对每个批次回传 transform 的结果
func newHandler(t *testing.T, transform func(string) string) *Handler {
	t.Helper()
	b := bridge.New(bridge.Config{})
	t.Cleanup(b.Close)
	go func() {
		for {
			select {
			case <-b.Done():
				return
			case req := <-b.Batches():
				b.FeedReady(model.FeedReady{ID: req.ID, Response: transform(req.Response)})
			}
		}
	}()
	return New(Config{
		Engine:      rules.New(config.DefaultSubscriptions()),
		Interceptor: intercept.New(intercept.Config{Bridge: b, Timeout: time.Second}),
	})
}

func paused(url string, status int) *fetch.RequestPausedReply {
	ev := &fetch.RequestPausedReply{
		RequestID: "interception-1",
		Request:   network.Request{URL: url, Method: "GET"},
	}
	if status > 0 {
		ev.ResponseStatusCode = &status
		ev.ResponseHeaders = []fetch.HeaderEntry{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Content-Length", Value: "2"},
		}
	}
	return ev
}

const timelineURL = "https://x.com/i/api/graphql/abc/HomeTimeline?variables=%7B%7D"

func TestFulfillsWithProcessedBody(t *testing.T) {
	h := newHandler(t, func(s string) string { return `{"changed":true}` })
	f := &fakeFetch{body: &fetch.GetResponseBodyReply{Body: "{}"}}

	got := h.Handle(context.Background(), "T1", f, paused(timelineURL, 200))
	assert.Equal(t, model.ResultModified, got)
	require.Len(t, f.fulfilled, 1)
	args := f.fulfilled[0]
	assert.Equal(t, `{"changed":true}`, string(args.Body))
	assert.Equal(t, 200, args.ResponseCode)
	assert.Equal(t, []fetch.HeaderEntry{{Name: "content-type", Value: "application/json"}}, args.ResponseHeaders)
	assert.Empty(t, f.continued)
}

func TestBase64BodyIsDecoded(t *testing.T) {
	var seen string
	h := newHandler(t, func(s string) string { seen = s; return s })
	f := &fakeFetch{body: &fetch.GetResponseBodyReply{Body: base64.StdEncoding.EncodeToString([]byte(`{"a":1}`)), Base64Encoded: true}}

	got := h.Handle(context.Background(), "T1", f, paused(timelineURL, 200))
	assert.Equal(t, model.ResultPassed, got)
	assert.Equal(t, `{"a":1}`, seen)
	assert.Equal(t, []string{"response"}, f.continued)
}

func TestUnsubscribedURLContinues(t *testing.T) {
	h := newHandler(t, func(s string) string { return "x" })
	f := &fakeFetch{}

	got := h.Handle(context.Background(), "T1", f, paused("https://example.com/static/app.js", 200))
	assert.Equal(t, model.ResultPassed, got)
	assert.Zero(t, f.bodyCalls)
	assert.Equal(t, []string{"response"}, f.continued)
}

func TestRequestStageContinuesRequest(t *testing.T) {
	h := newHandler(t, func(s string) string { return "x" })
	f := &fakeFetch{}

	h.Handle(context.Background(), "T1", f, paused(timelineURL, 0))
	assert.Equal(t, []string{"request"}, f.continued)
}

func TestNon2xxContinues(t *testing.T) {
	h := newHandler(t, func(s string) string { return "x" })
	f := &fakeFetch{}

	h.Handle(context.Background(), "T1", f, paused(timelineURL, 404))
	assert.Zero(t, f.bodyCalls)
	assert.Equal(t, []string{"response"}, f.continued)
}

func TestBodyErrorFallsBack(t *testing.T) {
	events := make(chan model.Event, 1)
	h := newHandler(t, func(s string) string { return "x" })
	h.events = events
	f := &fakeFetch{bodyErr: errors.New("no body")}

	got := h.Handle(context.Background(), "T1", f, paused(timelineURL, 200))
	assert.Equal(t, model.ResultFallback, got)
	assert.Equal(t, []string{"response"}, f.continued)
	evt := <-events
	assert.Equal(t, "degraded", evt.Type)
	assert.Equal(t, model.TargetID("T1"), evt.Target)
	assert.Equal(t, "HomeTimeline", evt.Endpoint)
}
