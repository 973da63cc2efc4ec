/*
store.go - Persistence interfaces for memberships, entries and the compliance log

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Every primitive touches exactly one entity. No multi-entity transaction
  is assumed at this level, which is why settlement is a saga.

KEY INTERFACES:
  MembershipStore: balance accounts (conditional cached-field writes)
  EntryStore:      ledger entries (create, read, compensating delete)
  ComplianceLog:   append-only audit trail
  FlagStore:       manual-reconciliation markers
  TxStore:         optional server-side transaction for stores that have one

CONDITIONAL WRITES:
  UpdateBalance takes the Version the caller observed. If another writer
  bumped it in between, the write fails with ErrConcurrentModification
  and nothing changes.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite:           SQLite
  - store/postgres:         PostgreSQL
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MembershipStore persists balance accounts.
type MembershipStore interface {
	CreateMembership(ctx context.Context, m Membership) error

	// GetMembership returns a *NotFoundError for unknown ids.
	GetMembership(ctx context.Context, id MembershipID) (Membership, error)

	MembershipsByMember(ctx context.Context, memberID MemberID) ([]Membership, error)
	AllMemberships(ctx context.Context) ([]Membership, error)

	// UpdateBalance writes the cached remaining/used pair if the stored
	// version still equals expectedVersion, and returns the updated record.
	UpdateBalance(ctx context.Context, id MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (Membership, error)

	SetStatus(ctx context.Context, id MembershipID, status MembershipStatus) error
}

// EntryStore persists ledger entries.
type EntryStore interface {
	CreateEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// EntriesByMembership returns every entry for the membership, oldest first.
	EntriesByMembership(ctx context.Context, id MembershipID) ([]Entry, error)

	// DeleteEntry exists only for settlement compensation.
	// Deleting an entry that does not exist succeeds.
	DeleteEntry(ctx context.Context, id EntryID) error

	// Acknowledge moves a pending entry to completed. Returns
	// ErrAlreadyAcknowledged if it is not pending.
	Acknowledge(ctx context.Context, id EntryID, signature, digest string, at time.Time) error

	UpdateNotes(ctx context.Context, id EntryID, summary, privateNote string) error
}

// ComplianceLog stores audit entries. Append-only.
type ComplianceLog interface {
	AppendCompliance(ctx context.Context, entry ComplianceEntry) error
	QueryCompliance(ctx context.Context, filter ComplianceFilter) ([]ComplianceEntry, error)
}

// FlagStore persists manual-reconciliation markers.
type FlagStore interface {
	RaiseFlag(ctx context.Context, flag ReconciliationFlag) error
	OpenFlags(ctx context.Context) ([]ReconciliationFlag, error)
	ResolveFlag(ctx context.Context, id string, by ActorID, at time.Time) error
}

// Store is everything the ledger needs from persistence.
type Store interface {
	MembershipStore
	EntryStore
	ComplianceLog
	FlagStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
// Reads of a membership inside fn lock that row where the backend supports it.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
