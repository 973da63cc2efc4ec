package watcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/feed"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
	"github.com/warp/membership-ledger/watcher"
)

func start(t *testing.T, w *watcher.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func settled(t *testing.T, w *watcher.Watcher, cond func(watcher.View) bool) watcher.View {
	t.Helper()
	var v watcher.View
	require.Eventually(t, func() bool {
		v = w.View()
		return !v.Loading && cond(v)
	}, 2*time.Second, 5*time.Millisecond)
	return v
}

func TestWatcher_RefreshesOnChange(t *testing.T) {
	// GIVEN: a member with 1,000,000 on a feed-wrapped store
	// WHEN: an entry of 150,000 is written
	// THEN: the view moves to 850,000 without waiting for a poll

	f := feed.NewMemory(16)
	s := feed.Wrap(store.NewMemory(), f, nil)
	ctx := context.Background()
	require.NoError(t, s.CreateMembership(ctx, ledger.Membership{
		ID: "m1", MemberID: "member-1", Total: ledger.Money(1000000),
		Remaining: ledger.Money(1000000), Used: decimal.Zero, Status: ledger.MembershipActive,
	}))

	w, err := watcher.New(watcher.Config{
		Deriver:      ledger.NewDeriver(s),
		Feed:         f,
		MemberID:     "member-1",
		PollInterval: time.Hour,
	})
	require.NoError(t, err)
	start(t, w)

	v := settled(t, w, func(v watcher.View) bool { return v.Generation >= 1 })
	assert.True(t, v.Balance.Remaining.Equal(ledger.Money(1000000)))
	assert.False(t, v.Stale)
	require.Eventually(t, func() bool { return f.Subscribers("member-1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.CreateEntry(ctx, ledger.Entry{
		ID: "e1", MembershipID: "m1", MemberID: "member-1", FinalPrice: ledger.Money(150000),
	}))

	v = settled(t, w, func(v watcher.View) bool { return v.Balance.Remaining.Equal(ledger.Money(850000)) })
	assert.True(t, v.Balance.Used.Equal(ledger.Money(150000)))
	assert.Nil(t, v.Err)
}

// gatedDeriver blocks its first call until released and ignores cancellation,
// so the late result must be discarded by generation.
type gatedDeriver struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (d *gatedDeriver) DeriveMemberBalance(_ context.Context, id ledger.MemberID) (ledger.MemberBalance, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if call == 1 {
		close(d.started)
		<-d.release
		return ledger.MemberBalance{MemberID: id, Remaining: ledger.Money(1000000)}, nil
	}
	return ledger.MemberBalance{MemberID: id, Remaining: ledger.Money(850000)}, nil
}

func TestWatcher_LastTriggeredWins(t *testing.T) {
	// GIVEN: a slow first recomputation
	// WHEN: an event triggers a second one that finishes first
	// THEN: the second result is shown and the late first result is discarded

	f := feed.NewMemory(16)
	d := &gatedDeriver{started: make(chan struct{}), release: make(chan struct{})}
	w, err := watcher.New(watcher.Config{Deriver: d, Feed: f, MemberID: "member-1", PollInterval: time.Hour})
	require.NoError(t, err)
	start(t, w)

	<-d.started
	assert.True(t, w.View().Loading)
	assert.True(t, w.View().Stale)

	require.NoError(t, f.Publish(context.Background(), feed.Event{MemberID: "member-1", Table: feed.TableEntries, Op: feed.OpInsert}))
	v := settled(t, w, func(v watcher.View) bool { return v.Generation == 2 })
	assert.True(t, v.Balance.Remaining.Equal(ledger.Money(850000)))

	close(d.release)
	require.Eventually(t, func() bool { return w.Discarded() == 1 }, 2*time.Second, 5*time.Millisecond)
	v = w.View()
	assert.Equal(t, uint64(2), v.Generation)
	assert.True(t, v.Balance.Remaining.Equal(ledger.Money(850000)))
}

type failingDeriver struct {
	mu   sync.Mutex
	fail bool
}

func (d *failingDeriver) DeriveMemberBalance(_ context.Context, id ledger.MemberID) (ledger.MemberBalance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return ledger.MemberBalance{}, errors.New("store unavailable")
	}
	return ledger.MemberBalance{MemberID: id, Remaining: ledger.Money(500)}, nil
}

func TestWatcher_KeepsLastGoodBalanceOnError(t *testing.T) {
	d := &failingDeriver{}
	w, err := watcher.New(watcher.Config{Deriver: d, MemberID: "member-1", PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	start(t, w)

	settled(t, w, func(v watcher.View) bool { return v.Generation >= 1 })

	d.mu.Lock()
	d.fail = true
	d.mu.Unlock()

	v := settled(t, w, func(v watcher.View) bool { return v.Err != nil })
	assert.True(t, v.Stale)
	assert.True(t, v.Balance.Remaining.Equal(ledger.Money(500)))
}

func TestWatcher_UpdatesClosedOnStop(t *testing.T) {
	w, err := watcher.New(watcher.Config{Deriver: &failingDeriver{}, MemberID: "member-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := <-w.Updates()
	assert.Equal(t, ledger.MemberID("member-1"), first.MemberID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	for range w.Updates() {
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := watcher.New(watcher.Config{MemberID: "member-1"})
	assert.Error(t, err)
	_, err = watcher.New(watcher.Config{Deriver: &failingDeriver{}})
	assert.Error(t, err)
}
