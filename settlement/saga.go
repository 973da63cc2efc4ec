/*
saga.go - Step table and compensation runner for settlement

STEPS (strict order):
  mutate_membership     write newRemaining/newUsed (CAS on observed version)
  create_entry          insert the ledger entry, ack pending
  write_compliance_log  append the audit record with the verified actor

COMPENSATION TABLE:
  | Step                 | Undo                                               |
  |----------------------|----------------------------------------------------|
  | mutate_membership    | restore pre-settlement remaining/used              |
  | create_entry         | delete the entry by id                             |
  | write_compliance_log | none (terminal step)                               |

  When a step fails, undos of every completed step run in reverse order:
  undo create_entry before undo mutate_membership.

INDETERMINATE OUTCOMES:
  A step that fails with a timeout or cancellation may or may not have
  been applied. Its own undo is run too. Every undo is safe to run against
  a step that never took effect:
  - restore checks the version/values before writing
  - delete of a missing entry succeeds

DETACHED COMPENSATION:
  Undos run on context.WithoutCancel(ctx) with their own timeout, so a
  caller that hangs up mid-saga cannot strand a half-written settlement.

FAILURE CLASSES:
  - forward step failed, all undos succeeded -> TransactionAbortedError
  - an undo failed                          -> IrrecoverableStateError + flag
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/membership-ledger/ledger"
)

// Saga step names. They appear in errors, flags, logs and metrics.
const (
	StepMutateMembership   = "mutate_membership"
	StepCreateEntry        = "create_entry"
	StepWriteComplianceLog = "write_compliance_log"
)

// step is one forward action and its compensating action.
type step struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error // nil for the terminal step
}

// sagaFailure reports a forward step failure and the compensation outcome.
type sagaFailure struct {
	step           string
	cause          error
	compensateStep string // set when an undo failed
	compensateErr  error
}

func (f *sagaFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.step, f.cause)
}

func (f *sagaFailure) Unwrap() error { return f.cause }

// plan is the outcome of derivation and the pre-write checks.
type plan struct {
	membership   ledger.Membership // as read, cached fields included
	derived      ledger.Balance
	newRemaining decimal.Decimal
	newUsed      decimal.Decimal
}

func (p plan) after() ledger.Snapshot {
	return ledger.Snapshot{Total: p.derived.Total, Remaining: p.newRemaining, Used: p.newUsed}
}

// execution carries one attempt's state through the step table.
type execution struct {
	c       *Coordinator
	store   ledger.Store
	actor   ledger.ActorID
	req     Request
	plan    plan
	entryID ledger.EntryID
	now     time.Time
}

// steps returns the step table. This is the only place undos are declared.
func (x *execution) steps() []step {
	return []step{
		{name: StepMutateMembership, do: x.mutateMembership, undo: x.restoreMembership},
		{name: StepCreateEntry, do: x.createEntry, undo: x.deleteEntry},
		{name: StepWriteComplianceLog, do: x.writeComplianceLog},
	}
}

func (x *execution) mutateMembership(ctx context.Context) error {
	_, err := x.store.UpdateBalance(ctx, x.plan.membership.ID, x.plan.membership.Version, x.plan.newRemaining, x.plan.newUsed)
	return err
}

// restoreMembership puts the cached pair back to its pre-settlement values.
// Versions increase by exactly one per write, so the post-M1 version is
// known even when M1 timed out.
func (x *execution) restoreMembership(ctx context.Context) error {
	pre := x.plan.membership
	afterVersion := pre.Version + 1

	current, err := x.store.GetMembership(ctx, pre.ID)
	if err != nil {
		return err
	}
	switch {
	case current.Version == afterVersion:
		_, err := x.store.UpdateBalance(ctx, pre.ID, afterVersion, pre.Remaining, pre.Used)
		return err
	case current.Remaining.Equal(pre.Remaining) && current.Used.Equal(pre.Used):
		// M1 never landed, or an earlier restore already did
		return nil
	default:
		return fmt.Errorf("membership %s moved to version %d during compensation (expected %d)",
			pre.ID, current.Version, afterVersion)
	}
}

func (x *execution) createEntry(ctx context.Context) error {
	return x.store.CreateEntry(ctx, ledger.Entry{
		ID:            x.entryID,
		MembershipID:  x.plan.membership.ID,
		MemberID:      x.plan.membership.MemberID,
		ProgramID:     x.req.ProgramID,
		StaffID:       x.req.StaffID,
		ReservationID: x.req.ReservationID,
		OriginalPrice: x.req.OriginalPrice,
		DiscountRate:  x.req.DiscountRate,
		FinalPrice:    x.req.FinalPrice,
		BalanceAfter:  x.plan.newRemaining,
		Summary:       x.req.Summary,
		PrivateNote:   x.req.PrivateNote,
		AckStatus:     ledger.AckPending,
		CreatedAt:     x.now,
	})
}

func (x *execution) deleteEntry(ctx context.Context) error {
	return x.store.DeleteEntry(ctx, x.entryID)
}

func (x *execution) writeComplianceLog(ctx context.Context) error {
	return x.store.AppendCompliance(ctx, ledger.ComplianceEntry{
		ID:           x.c.newID(),
		ActorID:      x.actor,
		Action:       ledger.ActionSettlementCompleted,
		MemberID:     x.plan.membership.MemberID,
		MembershipID: x.plan.membership.ID,
		EntryID:      x.entryID,
		Before:       x.plan.derived.Snapshot(),
		After:        x.plan.after(),
		CreatedAt:    x.now,
	})
}

// run executes the steps in order. On failure it compensates completed
// steps in reverse and returns a *sagaFailure.
func (x *execution) run(ctx context.Context, steps []step) error {
	var done []step
	for _, s := range steps {
		err := x.c.runStep(ctx, s.name, s.do)
		if err == nil {
			done = append(done, s)
			continue
		}

		if indeterminate(err) && s.undo != nil {
			done = append(done, s)
		}
		failure := &sagaFailure{step: s.name, cause: err}
		failure.compensateStep, failure.compensateErr = x.compensate(ctx, done)
		return failure
	}
	return nil
}

// compensate runs undos newest-first and stops at the first failure.
func (x *execution) compensate(ctx context.Context, done []step) (string, error) {
	if len(done) == 0 {
		return "", nil
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := x.c.tracer.Start(ctx, "settlement.compensate")
	defer span.End()

	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		if s.undo == nil {
			continue
		}
		undoCtx, cancel := context.WithTimeout(ctx, x.c.compensationTimeout)
		err := s.undo(undoCtx)
		cancel()

		x.c.metrics.compensation(s.name, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
			return s.name, err
		}
		span.AddEvent("undo", trace.WithAttributes(attribute.String("step", s.name)))
	}
	return "", nil
}

// runStep runs fn under the step timeout inside its own span.
func (c *Coordinator) runStep(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "settlement."+name)
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()

	err := fn(stepCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

func indeterminate(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
