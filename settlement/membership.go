package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/ledger"
)

// OpenRequest purchases a new prepaid membership.
type OpenRequest struct {
	ID        ledger.MembershipID // optional, generated when empty
	MemberID  ledger.MemberID
	Total     decimal.Decimal
	ExpiresAt time.Time // zero means no expiry
}

// Validate checks the request shape.
func (r OpenRequest) Validate() error {
	if r.MemberID == "" {
		return fmt.Errorf("%w: member id required", ledger.ErrInvalidRequest)
	}
	if !r.Total.IsPositive() {
		return fmt.Errorf("%w: total must be positive", ledger.ErrInvalidRequest)
	}
	return nil
}

// OpenMembership creates a membership with its full total remaining and
// records a membership_created compliance entry for the verified actor.
func (c *Coordinator) OpenMembership(ctx context.Context, req OpenRequest) (ledger.Membership, error) {
	actor, ok := c.identity.CurrentActor(ctx)
	if !ok || actor == "" {
		return ledger.Membership{}, &ledger.AuthError{Operation: "open membership"}
	}
	if err := req.Validate(); err != nil {
		return ledger.Membership{}, err
	}

	now := c.clock()
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(now) {
		return ledger.Membership{}, fmt.Errorf("%w: expiry must be in the future", ledger.ErrInvalidRequest)
	}
	id := req.ID
	if id == "" {
		id = ledger.MembershipID(c.newID())
	}
	m := ledger.Membership{
		ID:        id,
		MemberID:  req.MemberID,
		Total:     req.Total,
		Remaining: req.Total,
		Used:      decimal.Zero,
		Status:    ledger.MembershipActive,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := c.store.CreateMembership(ctx, m); err != nil {
		return ledger.Membership{}, err
	}
	err := c.store.AppendCompliance(ctx, ledger.ComplianceEntry{
		ID:           c.newID(),
		ActorID:      actor,
		Action:       ledger.ActionMembershipCreated,
		MemberID:     m.MemberID,
		MembershipID: m.ID,
		After:        m.Snapshot(),
		CreatedAt:    now,
	})
	if err != nil {
		// the membership stands; an operator restores the missing audit row
		c.log.Error("membership created without compliance entry",
			"membership_id", m.ID, "actor_id", actor, "error", err)
		c.flagMissingRecord(ctx, m.ID, ledger.ActionMembershipCreated, err)
	}
	c.log.Info("membership opened", "membership_id", m.ID, "member_id", m.MemberID, "total", m.Total.String())
	return m, nil
}

// flagMissingRecord raises a reconciliation flag for a balance-affecting
// write that has no compliance record.
func (c *Coordinator) flagMissingRecord(ctx context.Context, id ledger.MembershipID, action ledger.ComplianceAction, cause error) {
	flag := ledger.ReconciliationFlag{
		ID:           c.newID(),
		MembershipID: id,
		Step:         StepWriteComplianceLog,
		Reason:       fmt.Sprintf("%s applied without compliance record: %v", action, cause),
		Status:       ledger.FlagOpen,
		CreatedAt:    c.clock(),
	}
	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compensationTimeout)
	defer cancel()
	if err := c.store.RaiseFlag(flagCtx, flag); err != nil {
		c.log.Error("could not persist reconciliation flag", "membership_id", id, "error", err)
	}
}
