package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	return store.NewMemory()
}

func seedMembership(t *testing.T, s *store.Memory, id, member string, total int64) ledger.Membership {
	t.Helper()
	m := ledger.Membership{
		ID:        ledger.MembershipID(id),
		MemberID:  ledger.MemberID(member),
		Total:     ledger.Money(total),
		Remaining: ledger.Money(total),
		Used:      decimal.Zero,
		Status:    ledger.MembershipActive,
		ExpiresAt: time.Now().Add(365 * 24 * time.Hour),
	}
	require.NoError(t, s.CreateMembership(context.Background(), m))
	return m
}

func seedEntry(t *testing.T, s *store.Memory, id, membership string, price int64) {
	t.Helper()
	m, err := s.GetMembership(context.Background(), ledger.MembershipID(membership))
	require.NoError(t, err)
	require.NoError(t, s.CreateEntry(context.Background(), ledger.Entry{
		ID:            ledger.EntryID(id),
		MembershipID:  m.ID,
		MemberID:      m.MemberID,
		ProgramID:     "pilates",
		StaffID:       "staff-1",
		OriginalPrice: ledger.Money(price),
		DiscountRate:  decimal.Zero,
		FinalPrice:    ledger.Money(price),
		AckStatus:     ledger.AckPending,
	}))
}

// =============================================================================
// DERIVATION TESTS
// =============================================================================

func TestDeriveBalance_SumsEntries(t *testing.T) {
	// GIVEN: total 300,000 with entries of 50,000 and 20,000
	// WHEN: deriving the balance
	// THEN: used 70,000 and remaining 230,000

	s := newTestStore(t)
	seedMembership(t, s, "m1", "member-1", 300000)
	seedEntry(t, s, "e1", "m1", 50000)
	seedEntry(t, s, "e2", "m1", 20000)

	b, err := ledger.NewDeriver(s).DeriveBalance(context.Background(), "m1")
	require.NoError(t, err)

	assert.True(t, b.Used.Equal(ledger.Money(70000)), "used: %s", b.Used)
	assert.True(t, b.Remaining.Equal(ledger.Money(230000)), "remaining: %s", b.Remaining)
	assert.Equal(t, 2, b.Entries)
	assert.True(t, b.Snapshot().Balanced())
}

func TestDeriveBalance_IgnoresCorruptedCache(t *testing.T) {
	// GIVEN: the cached fields say 300,000 remaining but entries sum to 70,000
	// WHEN: deriving the balance
	// THEN: the derived figures come from the entries and drift is reported

	s := newTestStore(t)
	m := seedMembership(t, s, "m1", "member-1", 300000)
	seedEntry(t, s, "e1", "m1", 50000)
	seedEntry(t, s, "e2", "m1", 20000)

	b, err := ledger.NewDeriver(s).DeriveBalance(context.Background(), "m1")
	require.NoError(t, err)

	assert.True(t, b.Remaining.Equal(ledger.Money(230000)))
	cached, err := s.GetMembership(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, cached.Remaining.Equal(ledger.Money(300000)), "derivation must not write")
	assert.True(t, b.Drifted(cached))
}

func TestDeriveBalance_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedMembership(t, s, "m1", "member-1", 100000)
	seedEntry(t, s, "e1", "m1", 30000)

	d := ledger.NewDeriver(s)
	first, err := d.DeriveBalance(context.Background(), "m1")
	require.NoError(t, err)
	second, err := d.DeriveBalance(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDeriveBalance_UnknownMembership(t *testing.T) {
	s := newTestStore(t)

	_, err := ledger.NewDeriver(s).DeriveBalance(context.Background(), "nope")

	var nf *ledger.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "membership", nf.Kind)
	assert.True(t, errors.Is(err, ledger.ErrMembershipNotFound))
	assert.True(t, ledger.IsNotFound(err))
}

func TestDeriveMemberBalance_ActiveOnly(t *testing.T) {
	// GIVEN: a member with two active memberships and one expired
	// WHEN: deriving the member balance
	// THEN: only active memberships are summed

	s := newTestStore(t)
	ctx := context.Background()
	seedMembership(t, s, "m1", "member-1", 100000)
	seedMembership(t, s, "m2", "member-1", 50000)
	seedMembership(t, s, "m3", "member-1", 70000)
	seedMembership(t, s, "other", "member-2", 999999)
	seedEntry(t, s, "e1", "m1", 40000)
	seedEntry(t, s, "e2", "m2", 10000)
	require.NoError(t, s.SetStatus(ctx, "m3", ledger.MembershipExpired))

	mb, err := ledger.NewDeriver(s).DeriveMemberBalance(ctx, "member-1")
	require.NoError(t, err)

	require.Len(t, mb.Memberships, 2)
	assert.Equal(t, ledger.MembershipID("m1"), mb.Memberships[0].MembershipID)
	assert.Equal(t, ledger.MembershipID("m2"), mb.Memberships[1].MembershipID)
	assert.True(t, mb.Remaining.Equal(ledger.Money(100000)), "remaining: %s", mb.Remaining)
	assert.True(t, mb.Used.Equal(ledger.Money(50000)))
	assert.True(t, mb.Total.Equal(ledger.Money(150000)))
}

func TestDeriveMemberBalance_NoMemberships(t *testing.T) {
	s := newTestStore(t)

	mb, err := ledger.NewDeriver(s).DeriveMemberBalance(context.Background(), "ghost")
	require.NoError(t, err)

	assert.True(t, mb.Remaining.IsZero())
	assert.Empty(t, mb.Memberships)
}

func TestDeriveMemberBalance_PropagatesStoreError(t *testing.T) {
	s := newTestStore(t)
	seedMembership(t, s, "m1", "member-1", 100000)
	boom := errors.New("disk on fire")
	s.Fail(store.OpEntriesByMembership, boom)

	_, err := ledger.NewDeriver(s).DeriveMemberBalance(context.Background(), "member-1")

	assert.ErrorIs(t, err, boom)
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

func TestErrorClassification(t *testing.T) {
	insufficient := &ledger.InsufficientBalanceError{
		MembershipID: "m1",
		Remaining:    ledger.Money(10000),
		Requested:    ledger.Money(20000),
		Shortfall:    ledger.Money(10000),
	}
	assert.True(t, ledger.IsClientError(insufficient))
	assert.Contains(t, insufficient.Error(), "10000")
	assert.Contains(t, insufficient.Error(), "20000")

	aborted := &ledger.TransactionAbortedError{
		MembershipID: "m1",
		Step:         "write_compliance_log",
		Reason:       ledger.AbortCompliance,
		Cause:        errors.New("log unavailable"),
	}
	assert.True(t, ledger.IsRetryable(aborted))
	assert.Contains(t, aborted.Error(), "compliance")
	assert.False(t, ledger.IsOperatorAlarm(aborted))

	irrecoverable := &ledger.IrrecoverableStateError{MembershipID: "m1"}
	assert.True(t, ledger.IsOperatorAlarm(irrecoverable))
	assert.False(t, ledger.IsRetryable(irrecoverable))

	integrity := &ledger.CriticalIntegrityError{MembershipID: "m1"}
	assert.True(t, ledger.IsOperatorAlarm(integrity))

	assert.True(t, ledger.IsRetryable(ledger.ErrConcurrentModification))
	assert.ErrorIs(t, &ledger.AuthError{Operation: "settle"}, ledger.ErrUnauthenticated)
}
