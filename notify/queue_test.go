package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/notify"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestQueue_DeliversAsynchronously(t *testing.T) {
	sender := &recordingSender{}
	q := notify.NewQueue(sender, notify.QueueConfig{Workers: 2}, nil)
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), notify.Message{MemberID: "member-1", Title: "Session settled"}))
	}
	q.Stop()

	assert.Equal(t, 10, sender.count())
	assert.Equal(t, int64(10), q.Sent())
}

func TestQueue_RetriesThenDrops(t *testing.T) {
	// GIVEN: a sender that always fails
	// WHEN: a message is enqueued
	// THEN: it is attempted MaxAttempts times and then counted as failed

	var attempts atomic.Int32
	sender := notify.SenderFunc(func(context.Context, notify.Message) error {
		attempts.Add(1)
		return errors.New("push gateway down")
	})
	q := notify.NewQueue(sender, notify.QueueConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), notify.Message{MemberID: "member-1"}))
	q.Stop()

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(1), q.Failed())
	assert.Equal(t, int64(0), q.Sent())
}

func TestQueue_RecoversOnRetry(t *testing.T) {
	var attempts atomic.Int32
	sender := notify.SenderFunc(func(context.Context, notify.Message) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	q := notify.NewQueue(sender, notify.QueueConfig{Backoff: time.Millisecond}, nil)
	q.Start(context.Background())

	require.NoError(t, q.Enqueue(context.Background(), notify.Message{MemberID: "member-1"}))
	q.Stop()

	assert.Equal(t, int64(1), q.Sent())
}

func TestQueue_FullAndClosed(t *testing.T) {
	block := make(chan struct{})
	sender := notify.SenderFunc(func(ctx context.Context, _ notify.Message) error {
		<-block
		return nil
	})
	// Not started: nothing drains the buffer
	q := notify.NewQueue(sender, notify.QueueConfig{Buffer: 1}, nil)

	require.NoError(t, q.Enqueue(context.Background(), notify.Message{MemberID: "a"}))
	assert.ErrorIs(t, q.Enqueue(context.Background(), notify.Message{MemberID: "b"}), notify.ErrQueueFull)

	close(block)
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(context.Background(), notify.Message{MemberID: "c"}), notify.ErrQueueClosed)
}

func TestRedisSender_PushesJSON(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	key := "ledger:test:notifications:" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { rdb.Del(ctx, key) })

	sender := notify.NewRedisSender(rdb, key)
	require.NoError(t, sender.Send(ctx, notify.Message{MemberID: "member-1", EntryID: "e1", Title: "Session settled"}))

	raw, err := rdb.RPop(ctx, key).Result()
	require.NoError(t, err)
	var got notify.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "Session settled", got.Title)
}
