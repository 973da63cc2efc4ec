/*
Package ledger provides the balance ledger for prepaid memberships.

PURPOSE:
  Members hold prepaid membership balances. Staff complete service sessions
  that deduct value from a balance; each deduction is recorded as a ledger
  Entry. Members later countersign (acknowledge) completed entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Membership: a prepaid balance account with a CACHED remaining/used pair
  - Entry: one service-session deduction against a membership
  - ComplianceEntry: append-only audit record of a balance-affecting action
  - ReconciliationFlag: a persisted "manual reconciliation required" marker

SOURCE OF TRUTH:
  The cached Remaining/Used on Membership are a performance hint for display.
  The true balance is always derived from the full entry history:

    Used      = Σ entry.FinalPrice
    Remaining = Total - Used

  See derive.go. Nothing that decides "how much money is left" may read
  the cached fields.

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float
  2. Type Safety: distinct ID types prevent mixing membership/member IDs
  3. Immutability: entry financial fields never change after creation
  4. Auditability: every balance mutation has a compliance record

SEE ALSO:
  - derive.go: Balance derivation engine
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MembershipID string
type MemberID string
type EntryID string
type ProgramID string
type StaffID string
type ActorID string

// Money builds a decimal amount from an integer number of currency units.
func Money(units int64) decimal.Decimal {
	return decimal.NewFromInt(units)
}

// =============================================================================
// MEMBERSHIP - Prepaid balance account
// =============================================================================

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipExpired MembershipStatus = "expired"
)

// Membership is a prepaid balance account owned by a member.
//
// Total is immutable once created. Remaining and Used are a cache refreshed
// as a byproduct of settlement and reconciliation. Version increments on
// every cached-field write and backs compare-and-swap updates.
type Membership struct {
	ID        MembershipID
	MemberID  MemberID
	Total     decimal.Decimal
	Remaining decimal.Decimal
	Used      decimal.Decimal
	Status    MembershipStatus
	ExpiresAt time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the membership counts toward member balances.
func (m Membership) IsActive() bool {
	return m.Status == MembershipActive
}

// Snapshot captures the cached balance fields.
func (m Membership) Snapshot() Snapshot {
	return Snapshot{Total: m.Total, Remaining: m.Remaining, Used: m.Used}
}

// Snapshot is a before/after view of a membership's balance fields.
type Snapshot struct {
	Total     decimal.Decimal `json:"total"`
	Remaining decimal.Decimal `json:"remaining"`
	Used      decimal.Decimal `json:"used"`
}

// Balanced reports whether Total == Remaining + Used.
func (s Snapshot) Balanced() bool {
	return s.Total.Equal(s.Remaining.Add(s.Used))
}

// =============================================================================
// ENTRY - A completed service-session deduction
// =============================================================================

type AckStatus string

const (
	AckPending   AckStatus = "pending"
	AckCompleted AckStatus = "completed"
)

// Entry records one service-session deduction against a membership.
//
// INVARIANT: FinalPrice and BalanceAfter never change after creation.
// Only Summary/PrivateNote and the acknowledgment fields may be updated.
type Entry struct {
	ID            EntryID
	MembershipID  MembershipID
	MemberID      MemberID
	ProgramID     ProgramID
	StaffID       StaffID
	ReservationID string // optional originating reservation

	OriginalPrice decimal.Decimal
	DiscountRate  decimal.Decimal // percent, 0-100
	FinalPrice    decimal.Decimal // amount deducted
	BalanceAfter  decimal.Decimal // remaining balance right after this entry

	Summary     string // visible to the member
	PrivateNote string // staff only

	AckStatus       AckStatus
	Signature       string // acknowledgment payload (signature image)
	SignatureDigest string
	AcknowledgedAt  *time.Time

	CreatedAt time.Time
}

// =============================================================================
// COMPLIANCE LOG - Who changed which balance, and how
// =============================================================================

type ComplianceAction string

const (
	ActionSettlementCompleted ComplianceAction = "settlement_completed"
	ActionMembershipCreated   ComplianceAction = "membership_created"
	ActionCacheRepaired       ComplianceAction = "cache_repaired"
	ActionMembershipExpired   ComplianceAction = "membership_expired"
)

// ComplianceEntry is an immutable audit record of a balance-affecting action.
type ComplianceEntry struct {
	ID           string
	ActorID      ActorID
	Action       ComplianceAction
	MemberID     MemberID
	MembershipID MembershipID
	EntryID      EntryID // empty when the action has no ledger entry
	Before       Snapshot
	After        Snapshot
	CreatedAt    time.Time
}

// ComplianceFilter narrows compliance log queries. Nil fields match all.
type ComplianceFilter struct {
	MemberID     *MemberID
	MembershipID *MembershipID
	ActorID      *ActorID
	Actions      []ComplianceAction
}

// =============================================================================
// RECONCILIATION FLAG - Manual reconciliation required
// =============================================================================

type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// ReconciliationFlag marks a membership whose settlement could not be
// compensated automatically. Automated retries must stop until an operator
// resolves it.
type ReconciliationFlag struct {
	ID           string
	MembershipID MembershipID
	EntryID      EntryID
	Step         string
	Reason       string
	Status       FlagStatus
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   ActorID
}
