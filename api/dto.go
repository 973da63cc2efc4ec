/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They encode as JSON strings ("120000") and
  decode from either strings or numbers.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/acknowledgment"
	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/reconcile"
	"github.com/warp/membership-ledger/watcher"
)

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettleRequest completes one service session against a membership.
type SettleRequest struct {
	MembershipID  string          `json:"membership_id"`
	ProgramID     string          `json:"program_id"`
	StaffID       string          `json:"staff_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	OriginalPrice decimal.Decimal `json:"original_price"`
	DiscountRate  decimal.Decimal `json:"discount_rate"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	Summary       string          `json:"summary"`
	PrivateNote   string          `json:"private_note,omitempty"`

	// Remaining is what the client believes is left. It is never trusted.
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
}

// SettleResponse is returned on a committed settlement.
type SettleResponse struct {
	LedgerEntryID string          `json:"ledger_entry_id"`
	MembershipID  string          `json:"membership_id"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Total         decimal.Decimal `json:"total"`
	Used          decimal.Decimal `json:"used"`
}

// AcknowledgeRequest carries the member's signature payload.
type AcknowledgeRequest struct {
	Signature string `json:"signature"`
}

// NotesRequest amends an entry's free-text fields.
type NotesRequest struct {
	Summary     string `json:"summary"`
	PrivateNote string `json:"private_note"`
}

// EntryDTO represents a ledger entry. PrivateNote is only filled for staff.
type EntryDTO struct {
	ID             string          `json:"id"`
	MembershipID   string          `json:"membership_id"`
	MemberID       string          `json:"member_id"`
	ProgramID      string          `json:"program_id"`
	StaffID        string          `json:"staff_id"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	DiscountRate   decimal.Decimal `json:"discount_rate"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Summary        string          `json:"summary"`
	PrivateNote    string          `json:"private_note,omitempty"`
	AckStatus      string          `json:"ack_status"`
	SignatureValid bool            `json:"signature_valid,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toEntryDTO(e ledger.Entry, staff bool) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		MembershipID:   string(e.MembershipID),
		MemberID:       string(e.MemberID),
		ProgramID:      string(e.ProgramID),
		StaffID:        string(e.StaffID),
		ReservationID:  e.ReservationID,
		OriginalPrice:  e.OriginalPrice,
		DiscountRate:   e.DiscountRate,
		FinalPrice:     e.FinalPrice,
		BalanceAfter:   e.BalanceAfter,
		Summary:        e.Summary,
		AckStatus:      string(e.AckStatus),
		SignatureValid: acknowledgment.Verify(e),
		AcknowledgedAt: e.AcknowledgedAt,
		CreatedAt:      e.CreatedAt,
	}
	if staff {
		dto.PrivateNote = e.PrivateNote
	}
	return dto
}

// =============================================================================
// MEMBERSHIP / BALANCE
// =============================================================================

// CreateMembershipRequest purchases a membership.
type CreateMembershipRequest struct {
	ID        string          `json:"id,omitempty"`
	MemberID  string          `json:"member_id"`
	Total     decimal.Decimal `json:"total"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// MembershipDTO represents a membership as stored.
type MembershipDTO struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"member_id"`
	Total     decimal.Decimal `json:"total"`
	Remaining decimal.Decimal `json:"remaining"`
	Used      decimal.Decimal `json:"used"`
	Status    string          `json:"status"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toMembershipDTO(m ledger.Membership) MembershipDTO {
	dto := MembershipDTO{
		ID:        string(m.ID),
		MemberID:  string(m.MemberID),
		Total:     m.Total,
		Remaining: m.Remaining,
		Used:      m.Used,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
	}
	if !m.ExpiresAt.IsZero() {
		at := m.ExpiresAt
		dto.ExpiresAt = &at
	}
	return dto
}

// BalanceDTO is a derived membership balance.
type BalanceDTO struct {
	MembershipID string          `json:"membership_id"`
	MemberID     string          `json:"member_id"`
	Status       string          `json:"status"`
	Total        decimal.Decimal `json:"total"`
	Used         decimal.Decimal `json:"used"`
	Remaining    decimal.Decimal `json:"remaining"`
	Entries      int             `json:"entries"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		MembershipID: string(b.MembershipID),
		MemberID:     string(b.MemberID),
		Status:       string(b.Status),
		Total:        b.Total,
		Used:         b.Used,
		Remaining:    b.Remaining,
		Entries:      b.Entries,
	}
}

// MemberBalanceDTO aggregates a member's active memberships.
type MemberBalanceDTO struct {
	MemberID    string          `json:"member_id"`
	Total       decimal.Decimal `json:"total"`
	Used        decimal.Decimal `json:"used"`
	Remaining   decimal.Decimal `json:"remaining"`
	Memberships []BalanceDTO    `json:"memberships"`
}

func toMemberBalanceDTO(b ledger.MemberBalance) MemberBalanceDTO {
	dto := MemberBalanceDTO{
		MemberID:    string(b.MemberID),
		Total:       b.Total,
		Used:        b.Used,
		Remaining:   b.Remaining,
		Memberships: make([]BalanceDTO, len(b.Memberships)),
	}
	for i, mb := range b.Memberships {
		dto.Memberships[i] = toBalanceDTO(mb)
	}
	return dto
}

// BalanceViewDTO is one frame of the balance stream.
type BalanceViewDTO struct {
	Balance    MemberBalanceDTO `json:"balance"`
	Loading    bool             `json:"loading"`
	Stale      bool             `json:"stale"`
	Error      string           `json:"error,omitempty"`
	Generation uint64           `json:"generation"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func toBalanceViewDTO(v watcher.View) BalanceViewDTO {
	dto := BalanceViewDTO{
		Balance:    toMemberBalanceDTO(v.Balance),
		Loading:    v.Loading,
		Stale:      v.Stale,
		Generation: v.Generation,
		UpdatedAt:  v.UpdatedAt,
	}
	if dto.Balance.MemberID == "" {
		dto.Balance.MemberID = string(v.MemberID)
	}
	if v.Err != nil {
		dto.Error = publicMessage(v.Err)
	}
	return dto
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// FlagDTO is an open or resolved manual-reconciliation flag.
type FlagDTO struct {
	ID           string     `json:"id"`
	MembershipID string     `json:"membership_id"`
	EntryID      string     `json:"entry_id,omitempty"`
	Step         string     `json:"step"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

func toFlagDTO(f ledger.ReconciliationFlag) FlagDTO {
	return FlagDTO{
		ID:           f.ID,
		MembershipID: string(f.MembershipID),
		EntryID:      string(f.EntryID),
		Step:         f.Step,
		Reason:       f.Reason,
		Status:       string(f.Status),
		CreatedAt:    f.CreatedAt,
		ResolvedAt:   f.ResolvedAt,
		ResolvedBy:   string(f.ResolvedBy),
	}
}

// ReconciliationStatusDTO reports the scheduler state and last pass.
type ReconciliationStatusDTO struct {
	LastRun *reconcile.Report `json:"last_run,omitempty"`
	NextRun *time.Time        `json:"next_run,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Details   string           `json:"details,omitempty"`
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
	FlagID    string           `json:"flag_id,omitempty"`
}
