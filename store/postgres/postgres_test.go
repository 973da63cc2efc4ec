package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/ledger"
)

// Tests run against a live database only when LEDGER_POSTGRES_DSN is set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// Ids are random so repeated runs against one database do not collide.
func seed(t *testing.T, s *Store, total int64) ledger.MembershipID {
	t.Helper()
	id := ledger.MembershipID("m-" + uuid.NewString())
	require.NoError(t, s.CreateMembership(context.Background(), ledger.Membership{
		ID:        id,
		MemberID:  ledger.MemberID("member-" + uuid.NewString()),
		Total:     ledger.Money(total),
		Remaining: ledger.Money(total),
		Used:      decimal.Zero,
		Status:    ledger.MembershipActive,
	}))
	return id
}

func TestPostgres_UpdateBalance_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 1000)

	m, err := s.UpdateBalance(ctx, id, 0, decimal.RequireFromString("899.5"), decimal.RequireFromString("100.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Version)
	assert.Equal(t, "899.5", m.Remaining.String())

	_, err = s.UpdateBalance(ctx, id, 0, ledger.Money(1), ledger.Money(999))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestPostgres_EntryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 1000)
	entryID := ledger.EntryID("e-" + uuid.NewString())

	require.NoError(t, s.CreateEntry(ctx, ledger.Entry{
		ID:            entryID,
		MembershipID:  id,
		MemberID:      "member-1",
		ProgramID:     "pilates",
		StaffID:       "staff-1",
		OriginalPrice: ledger.Money(100),
		DiscountRate:  decimal.NewFromInt(10),
		FinalPrice:    ledger.Money(90),
		BalanceAfter:  ledger.Money(910),
	}))

	entries, err := s.EntriesByMembership(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].FinalPrice.Equal(ledger.Money(90)))
	assert.Equal(t, ledger.AckPending, entries[0].AckStatus)

	require.NoError(t, s.Acknowledge(ctx, entryID, "sig", "digest", time.Now()))
	assert.ErrorIs(t, s.Acknowledge(ctx, entryID, "sig", "digest", time.Now()), ledger.ErrAlreadyAcknowledged)

	require.NoError(t, s.DeleteEntry(ctx, entryID))
	require.NoError(t, s.DeleteEntry(ctx, entryID))
}

func TestPostgres_WithTx_LocksMembershipRow(t *testing.T) {
	// GIVEN: two transactions reading the same membership
	// WHEN: the first holds its row lock while the second starts
	// THEN: the second only proceeds after the first commits

	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 1000)

	locked := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithTx(ctx, func(tx ledger.Store) error {
			if _, err := tx.GetMembership(ctx, id); err != nil {
				return err
			}
			close(locked)
			time.Sleep(100 * time.Millisecond)
			record("first")
			return nil
		})
	}()

	<-locked
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		_, err := tx.GetMembership(ctx, id)
		record("second")
		return err
	})
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPostgres_WithTx_Rollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 1000)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if _, err := tx.UpdateBalance(ctx, id, 0, ledger.Money(0), ledger.Money(1000)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	m, err := s.GetMembership(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.Remaining.Equal(ledger.Money(1000)))
}

func TestPostgres_ComplianceAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, s.AppendCompliance(ctx, ledger.ComplianceEntry{
		ID: id, ActorID: "staff-1", Action: ledger.ActionSettlementCompleted,
		MemberID: "member-1", MembershipID: "m1",
	}))

	_, err := s.pool.Exec(ctx, `DELETE FROM compliance_log WHERE id = $1`, id)
	assert.Error(t, err)
}
