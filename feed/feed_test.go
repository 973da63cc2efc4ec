package feed_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/feed"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
)

func receive(t *testing.T, ch <-chan feed.Event) feed.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return feed.Event{}
	}
}

func assertQuiet(t *testing.T, ch <-chan feed.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemory_ScopedToMember(t *testing.T) {
	f := feed.NewMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)
	theirs, err := f.Subscribe(ctx, "member-2")
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, feed.Event{Table: feed.TableEntries, Op: feed.OpInsert, MemberID: "member-1"}))

	assert.Equal(t, ledger.MemberID("member-1"), receive(t, mine).MemberID)
	assertQuiet(t, theirs)
}

func TestMemory_DropsWhenFullAndClosesOnCancel(t *testing.T) {
	f := feed.NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Publish(context.Background(), feed.Event{MemberID: "member-1"}))
	}
	assert.Equal(t, int64(2), f.Dropped())

	cancel()
	require.Eventually(t, func() bool { return f.Subscribers("member-1") == 0 }, time.Second, 5*time.Millisecond)
	<-ch
	_, open := <-ch
	assert.False(t, open)
}

func seed(t *testing.T, s ledger.Store) {
	t.Helper()
	require.NoError(t, s.CreateMembership(context.Background(), ledger.Membership{
		ID: "m1", MemberID: "member-1", Total: ledger.Money(1000000),
		Remaining: ledger.Money(1000000), Used: decimal.Zero, Status: ledger.MembershipActive,
	}))
}

func TestWrap_PublishesWrites(t *testing.T) {
	// GIVEN: a store wrapped with a feed
	// WHEN: a membership is written and an entry created then deleted
	// THEN: each write produces one event for the owning member

	f := feed.NewMemory(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)

	s := feed.Wrap(store.NewMemory(), f, nil)
	seed(t, s)
	_, err = s.UpdateBalance(ctx, "m1", 0, ledger.Money(850000), ledger.Money(150000))
	require.NoError(t, err)
	require.NoError(t, s.CreateEntry(ctx, ledger.Entry{ID: "e1", MembershipID: "m1", MemberID: "member-1", FinalPrice: ledger.Money(150000)}))
	require.NoError(t, s.DeleteEntry(ctx, "e1"))
	require.NoError(t, s.DeleteEntry(ctx, "e1"))

	want := []struct {
		table feed.Table
		op    feed.Op
	}{
		{feed.TableMemberships, feed.OpInsert},
		{feed.TableMemberships, feed.OpUpdate},
		{feed.TableEntries, feed.OpInsert},
		{feed.TableEntries, feed.OpDelete},
	}
	for _, w := range want {
		e := receive(t, events)
		assert.Equal(t, w.table, e.Table)
		assert.Equal(t, w.op, e.Op)
		assert.Equal(t, ledger.MembershipID("m1"), e.MembershipID)
		assert.False(t, e.At.IsZero())
	}
	assertQuiet(t, events)
}

func TestWrap_FailedWriteIsSilent(t *testing.T) {
	f := feed.NewMemory(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)

	s := feed.Wrap(store.NewMemory(), f, nil)
	seed(t, s)
	receive(t, events)

	_, err = s.UpdateBalance(ctx, "m1", 7, ledger.Money(1), ledger.Money(1))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assertQuiet(t, events)
}

func TestWrap_TransactionPublishesAfterCommit(t *testing.T) {
	f := feed.NewMemory(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)

	s := feed.Wrap(store.NewMemory(), f, nil)
	seed(t, s)
	receive(t, events)

	txs, ok := s.(ledger.TxStore)
	require.True(t, ok, "memory store is transactional")

	// Rolled back: nothing published
	err = txs.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.UpdateBalance(ctx, "m1", 0, ledger.Money(850000), ledger.Money(150000))
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)
	assertQuiet(t, events)

	// Committed: published once the transaction ends
	require.NoError(t, txs.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.UpdateBalance(ctx, "m1", 0, ledger.Money(850000), ledger.Money(150000))
		if err != nil {
			return err
		}
		assertQuiet(t, events)
		return nil
	}))
	e := receive(t, events)
	assert.Equal(t, feed.OpUpdate, e.Op)
	assert.Equal(t, int64(1), e.Version)
}

type plainStore struct{ ledger.Store }

func TestWrap_NonTransactional(t *testing.T) {
	s := feed.Wrap(plainStore{store.NewMemory()}, feed.NewMemory(1), nil)
	_, ok := s.(ledger.TxStore)
	assert.False(t, ok)
}

func TestRedis_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	f := feed.NewRedis(rdb, "ledger:test:"+time.Now().Format("150405.000000000")+":", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := f.Subscribe(ctx, "member-1")
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, feed.Event{Table: feed.TableEntries, Op: feed.OpInsert, MemberID: "member-1", EntryID: "e1"}))

	e := receive(t, events)
	assert.Equal(t, ledger.EntryID("e1"), e.EntryID)
}
