package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/ledger/store"
	"github.com/warp/membership-ledger/settlement"
)

// TestSettle_LedgerInvariant drives random settlements, some with injected
// step failures, and checks after each one that
//
//	total == derived remaining + Σ final price
//	derived remaining >= 0
//	cached pair == derived pair
func TestSettle_LedgerInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		s := store.NewMemory()
		total := rapid.Int64Range(0, 500).Draw(rt, "total") * 1000
		require := func(err error) {
			if err != nil {
				rt.Fatalf("setup: %v", err)
			}
		}
		require(s.CreateMembership(ctx, ledger.Membership{
			ID: "m1", MemberID: "member-1",
			Total: ledger.Money(total), Remaining: ledger.Money(total), Used: decimal.Zero,
			Status: ledger.MembershipActive, ExpiresAt: time.Now().Add(time.Hour),
		}))
		c, err := settlement.New(settlement.Config{Store: s, Identity: staff("staff-1")})
		require(err)

		failing := []store.Op{"", store.OpUpdateBalance, store.OpCreateEntry, store.OpAppendCompliance}
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			price := rapid.Int64Range(1, 200).Draw(rt, "price") * 1000
			if op := rapid.SampledFrom(failing).Draw(rt, "fail"); op != "" {
				s.FailOnce(op, errors.New("injected"))
			}

			before, err := ledger.NewDeriver(s).DeriveBalance(ctx, "m1")
			require(err)
			res, err := c.Settle(ctx, request("m1", price))
			s.ClearHooks()

			after, derr := ledger.NewDeriver(s).DeriveBalance(ctx, "m1")
			require(derr)

			switch {
			case err == nil:
				if !after.Remaining.Equal(before.Remaining.Sub(ledger.Money(price))) {
					rt.Fatalf("remaining %s after settling %d from %s", after.Remaining, price, before.Remaining)
				}
				if !res.BalanceAfter.Equal(after.Remaining) {
					rt.Fatalf("balance_after %s != derived %s", res.BalanceAfter, after.Remaining)
				}
			case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrTransactionAborted):
				if !after.Remaining.Equal(before.Remaining) {
					rt.Fatalf("failed settlement moved remaining %s -> %s (%v)", before.Remaining, after.Remaining, err)
				}
			default:
				rt.Fatalf("unexpected error: %v", err)
			}

			es, err := s.EntriesByMembership(ctx, "m1")
			require(err)
			sum := decimal.Zero
			for _, e := range es {
				sum = sum.Add(e.FinalPrice)
			}
			if !after.Total.Equal(after.Remaining.Add(sum)) {
				rt.Fatalf("total %s != remaining %s + Σ %s", after.Total, after.Remaining, sum)
			}
			if after.Remaining.IsNegative() {
				rt.Fatalf("remaining went negative: %s", after.Remaining)
			}
			m, err := s.GetMembership(ctx, "m1")
			require(err)
			if after.Drifted(m) {
				rt.Fatalf("cache %s/%s drifted from derived %s/%s", m.Remaining, m.Used, after.Remaining, after.Used)
			}
		}
	})
}
