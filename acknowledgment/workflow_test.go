package acknowledgment_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/membership-ledger/acknowledgment"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
)

func setup(t *testing.T) (*store.Memory, *acknowledgment.Workflow) {
	t.Helper()
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateMembership(ctx, ledger.Membership{
		ID: "m1", MemberID: "member-1", Total: ledger.Money(300000),
		Remaining: ledger.Money(250000), Used: ledger.Money(50000), Status: ledger.MembershipActive,
	}))
	require.NoError(t, s.CreateEntry(ctx, ledger.Entry{
		ID: "e1", MembershipID: "m1", MemberID: "member-1",
		FinalPrice: ledger.Money(50000), BalanceAfter: ledger.Money(250000),
		DiscountRate: decimal.Zero, AckStatus: ledger.AckPending,
	}))
	return s, acknowledgment.New(s, nil)
}

func TestAcknowledge_RoundTrip(t *testing.T) {
	// GIVEN: a pending entry
	// WHEN: the member signs it
	// THEN: completed once, payload and digest stored, second attempt rejected

	s, w := setup(t)

	e, err := w.Acknowledge(context.Background(), "e1", "data:image/png;base64,iVBORw0KGgo=")
	require.NoError(t, err)
	assert.Equal(t, ledger.AckCompleted, e.AckStatus)
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", e.Signature)
	require.NotNil(t, e.AcknowledgedAt)
	assert.True(t, acknowledgment.Verify(e))

	_, err = w.Acknowledge(context.Background(), "e1", "another signature")
	assert.ErrorIs(t, err, ledger.ErrAlreadyAcknowledged)

	stored, err := s.GetEntry(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, e.Signature, stored.Signature, "first signature kept")
	assert.True(t, stored.FinalPrice.Equal(ledger.Money(50000)))
}

func TestAcknowledge_EmptyPayload(t *testing.T) {
	s, w := setup(t)

	for _, payload := range []string{"", "   ", "\n\t"} {
		_, err := w.Acknowledge(context.Background(), "e1", payload)

		var empty *ledger.EmptyAcknowledgmentError
		require.ErrorAs(t, err, &empty)
		assert.Equal(t, ledger.EntryID("e1"), empty.EntryID)
		assert.True(t, ledger.IsClientError(err))
	}

	e, err := s.GetEntry(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AckPending, e.AckStatus)
	assert.Empty(t, e.Signature)
}

func TestAcknowledge_UnknownEntry(t *testing.T) {
	_, w := setup(t)

	_, err := w.Acknowledge(context.Background(), "missing", "sig")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func TestDigest(t *testing.T) {
	assert.Len(t, acknowledgment.Digest("sig"), 64)
	assert.Equal(t, acknowledgment.Digest("sig"), acknowledgment.Digest("sig"))
	assert.NotEqual(t, acknowledgment.Digest("sig"), acknowledgment.Digest("sig2"))

	tampered := ledger.Entry{AckStatus: ledger.AckCompleted, Signature: "sig2", SignatureDigest: acknowledgment.Digest("sig")}
	assert.False(t, acknowledgment.Verify(tampered))
}
