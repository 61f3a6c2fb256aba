package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedmod/internal/logger"
	"feedmod/internal/pending"
	"feedmod/pkg/model"
)

func TestSaveBatchAndFeedReady(t *testing.T) {
	b := New(Config{QueueSize: 2})
	defer b.Close()

	ch, err := b.Await("r-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.SaveBatch(model.InterceptedRequest{ID: "r-1", Response: "body"}))

	req := <-b.Batches()
	assert.Equal(t, "r-1", req.ID)
	assert.True(t, b.FeedReady(model.FeedReady{ID: "r-1", Response: "new"}))
	assert.False(t, b.FeedReady(model.FeedReady{ID: "r-1", Response: "again"}))

	r := <-ch
	require.NoError(t, r.Err)
	assert.Equal(t, "new", r.Value.Response)
	assert.Zero(t, b.PendingFeeds())
}

func TestFeedReadyLogsWaitTime(t *testing.T) {
	var buf bytes.Buffer
	b := New(Config{Logger: logger.NewWriter(&buf, zerolog.DebugLevel)})
	defer b.Close()

	_, err := b.Await("r-1", time.Second)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.FeedReady(model.FeedReady{ID: "r-1"}))

	var waited float64
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line["message"] == "收到处理结果" {
			assert.Equal(t, "r-1", line["requestID"])
			waited, _ = line["waited"].(float64)
		}
	}
	assert.GreaterOrEqual(t, waited, float64(20))
}

func TestSaveBatchQueueFullRejects(t *testing.T) {
	b := New(Config{QueueSize: 1})
	defer b.Close()

	require.NoError(t, b.SaveBatch(model.InterceptedRequest{ID: "filler"}))
	ch, err := b.Await("r-2", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, b.SaveBatch(model.InterceptedRequest{ID: "r-2"}), ErrQueueFull)

	r := <-ch
	assert.ErrorIs(t, r.Err, ErrQueueFull)
}

func TestAwaitDuplicateID(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	_, err := b.Await("dup", time.Second)
	require.NoError(t, err)
	_, err = b.Await("dup", time.Second)
	assert.ErrorIs(t, err, pending.ErrDuplicateID)
}

func TestCloseRejectsPending(t *testing.T) {
	b := New(Config{})
	ch, err := b.Await("r-3", time.Minute)
	require.NoError(t, err)

	b.Close()
	b.Close()
	r := <-ch
	assert.ErrorIs(t, r.Err, ErrClosed)

	ch, err = b.Await("r-4", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, b.SaveBatch(model.InterceptedRequest{ID: "r-4"}), ErrClosed)
	assert.ErrorIs(t, (<-ch).Err, ErrClosed)

	select {
	case <-b.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestRequestImagePoll(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	go func() {
		req := <-b.PollRequests()
		b.PollResult(req.RequestID, model.ImagePollResult{Status: model.ImageCompleted, ProcessedValue: "p:" + req.ImageURL})
	}()
	res, err := b.RequestImagePoll(context.Background(), model.ImagePollRequest{ImageURL: "a.jpg"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.ImageCompleted, res.Status)
	assert.Equal(t, "p:a.jpg", res.ProcessedValue)
}

func TestRequestImagePollFailureAndTimeout(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	boom := errors.New("boom")
	go func() {
		req := <-b.PollRequests()
		b.PollFailed(req.RequestID, boom)
	}()
	_, err := b.RequestImagePoll(context.Background(), model.ImagePollRequest{RequestID: "p-1", ImageURL: "a.jpg"}, time.Second)
	assert.ErrorIs(t, err, boom)

	_, err = b.RequestImagePoll(context.Background(), model.ImagePollRequest{ImageURL: "b.jpg"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, pending.ErrTimeout)
}

func TestRequestImagePollContextCanceled(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.PollRequests()
		cancel()
	}()
	_, err := b.RequestImagePoll(ctx, model.ImagePollRequest{ImageURL: "a.jpg"}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
