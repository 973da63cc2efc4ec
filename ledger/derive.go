/*
derive.go - Balance derivation from the full entry history

PURPOSE:
  Answers "how much money is left?" without trusting the cached
  Remaining/Used fields on Membership.

    Used      = Σ FinalPrice over every entry of the membership
    Remaining = Total - Used

  This is the ONLY code path the rest of the system uses to decide
  available balance. The cached fields exist for fast display and are
  refreshed as a byproduct of settlement and reconciliation.

PROPERTIES:
  - Pure: no writes, no side effects
  - Idempotent: two calls with no intervening writes return equal results
  - Self-healing: a corrupted cache never affects a derived figure

MEMBER BALANCE:
  DeriveMemberBalance sums derived balances across ACTIVE memberships.
  Memberships are derived concurrently with a bounded fan-out.

SEE ALSO:
  - settlement/coordinator.go: Sufficiency and integrity checks
  - watcher/watcher.go: Dashboard refresh on change events
  - reconcile/scheduler.go: Cache drift repair
*/
package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// BalanceSource is the read side a Deriver needs. Every Store satisfies it.
type BalanceSource interface {
	GetMembership(ctx context.Context, id MembershipID) (Membership, error)
	MembershipsByMember(ctx context.Context, memberID MemberID) ([]Membership, error)
	EntriesByMembership(ctx context.Context, id MembershipID) ([]Entry, error)
}

// Balance is the authoritative balance of one membership.
type Balance struct {
	MembershipID MembershipID
	MemberID     MemberID
	Status       MembershipStatus
	Total        decimal.Decimal
	Used         decimal.Decimal
	Remaining    decimal.Decimal
	Entries      int

	// Version is the membership version read during derivation. A
	// conditional write against it fails if anything changed since.
	Version int64
}

// Snapshot returns the derived figures in snapshot form.
func (b Balance) Snapshot() Snapshot {
	return Snapshot{Total: b.Total, Remaining: b.Remaining, Used: b.Used}
}

// Drifted reports whether the membership's cached fields disagree with
// the derived balance.
func (b Balance) Drifted(m Membership) bool {
	return !m.Remaining.Equal(b.Remaining) || !m.Used.Equal(b.Used)
}

// MemberBalance aggregates derived balances across a member's active memberships.
type MemberBalance struct {
	MemberID    MemberID
	Total       decimal.Decimal
	Used        decimal.Decimal
	Remaining   decimal.Decimal
	Memberships []Balance
}

// Deriver computes balances from the ledger.
type Deriver struct {
	Source BalanceSource

	// MaxConcurrency bounds the member-balance fan-out. Zero means 8.
	MaxConcurrency int
}

// NewDeriver creates a deriver reading from source.
func NewDeriver(source BalanceSource) *Deriver {
	return &Deriver{Source: source}
}

// DeriveBalance computes a membership's balance from its entries.
// Unknown memberships return a *NotFoundError.
func (d *Deriver) DeriveBalance(ctx context.Context, id MembershipID) (Balance, error) {
	m, err := d.Source.GetMembership(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return d.DeriveFrom(ctx, m)
}

// DeriveFrom computes the balance of an already loaded membership. Total and
// Version come from m; Used comes from the entries.
func (d *Deriver) DeriveFrom(ctx context.Context, m Membership) (Balance, error) {
	entries, err := d.Source.EntriesByMembership(ctx, m.ID)
	if err != nil {
		return Balance{}, err
	}

	used := decimal.Zero
	for _, e := range entries {
		used = used.Add(e.FinalPrice)
	}

	return Balance{
		MembershipID: m.ID,
		MemberID:     m.MemberID,
		Status:       m.Status,
		Total:        m.Total,
		Used:         used,
		Remaining:    m.Total.Sub(used),
		Entries:      len(entries),
		Version:      m.Version,
	}, nil
}

// DeriveMemberBalance sums derived balances over the member's active memberships.
// A member with no active memberships has a zero balance.
func (d *Deriver) DeriveMemberBalance(ctx context.Context, memberID MemberID) (MemberBalance, error) {
	memberships, err := d.Source.MembershipsByMember(ctx, memberID)
	if err != nil {
		return MemberBalance{}, err
	}

	var active []Membership
	for _, m := range memberships {
		if m.IsActive() {
			active = append(active, m)
		}
	}

	balances := make([]Balance, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency())
	for i, m := range active {
		g.Go(func() error {
			b, err := d.DeriveFrom(gctx, m)
			if err != nil {
				return err
			}
			balances[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MemberBalance{}, err
	}

	sort.Slice(balances, func(i, j int) bool {
		return balances[i].MembershipID < balances[j].MembershipID
	})

	result := MemberBalance{
		MemberID:    memberID,
		Total:       decimal.Zero,
		Used:        decimal.Zero,
		Remaining:   decimal.Zero,
		Memberships: balances,
	}
	for _, b := range balances {
		result.Total = result.Total.Add(b.Total)
		result.Used = result.Used.Add(b.Used)
		result.Remaining = result.Remaining.Add(b.Remaining)
	}
	return result, nil
}

func (d *Deriver) concurrency() int {
	if d.MaxConcurrency > 0 {
		return d.MaxConcurrency
	}
	return 8
}
