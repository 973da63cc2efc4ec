/*
Package settlement deducts a service session from a membership balance.

PURPOSE:
  The Coordinator runs one settlement end to end:

    1. validate actor         no actor -> AuthError, nothing written
    2. lock membership        per-membership lock held to the end
    3. derive real balance    ledger.Deriver; caller's "remaining" ignored
    4. sufficiency check      InsufficientBalanceError with both figures
    5. integrity check        CriticalIntegrityError (operator alarm)
    6. mutate_membership      CAS on the version observed in step 3
    7. create_entry           balance_after = new remaining, ack pending
    8. write_compliance_log   verified actor id from step 1
    9. success                notification queued, entry id returned

  Steps 6-8 are a saga (see saga.go). A failure compensates in reverse
  order and surfaces TransactionAbortedError. A failed compensation
  surfaces IrrecoverableStateError and raises a ReconciliationFlag.

CONCURRENCY:
  Two settlements on one membership must never both pass step 4 against
  the same derived balance. Two mechanisms enforce this:
  - Locks serializes steps 3-8 per membership within the process
  - the CAS in step 6 fails if anything else wrote the membership since
    step 3; the coordinator re-derives and retries up to
    MaxConflictRetries, then returns ErrConcurrentModification

  - in saga mode, cached fields that disagree with the derived balance
    are treated as a conflict too: another writer has passed step 6 and
    not yet step 7, so the derived figure is about to go stale. The
    coordinator backs off and re-derives. Drift that outlives the retries
    surfaces as ErrConcurrentModification until reconcile repairs it.

  Transactional mode on the Postgres store locks the membership row for
  the whole of steps 3-8 and settles through a drifted cache, repairing it.

TRANSACTIONAL MODE:
  With Config.Transactional and a ledger.TxStore, steps 3-8 run inside
  WithTx. A failing step rolls the whole transaction back; no compensation
  runs. Failures surface as TransactionAbortedError{Reason: AbortRolledBack}.

NOTIFICATIONS:
  Queued on the Notifier after success, never sent inline. A queueing
  failure is logged as NotificationDeliveryError and does not affect the
  result.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
	"github.com/warp/membership-ledger/notify"
)

// StepDeriveBalance names the read phase in errors. It has no undo.
const StepDeriveBalance = "derive_balance"

// Identity reports the verified actor for a request.
type Identity interface {
	CurrentActor(ctx context.Context) (ledger.ActorID, bool)
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, msg notify.Message) error
}

// Config wires a Coordinator. Store and Identity are required.
type Config struct {
	Store    ledger.Store
	Identity Identity
	Notifier Notifier      // optional
	Locks    *ledger.Locks // share with reconcile.Scheduler; default: private table
	Logger   *logger.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer

	// Transactional runs steps 3-8 in one store transaction. Store must
	// implement ledger.TxStore.
	Transactional bool

	StepTimeout         time.Duration // per persistence call, default 5s
	CompensationTimeout time.Duration // per undo, default 10s
	MaxConflictRetries  int           // default 3
	ConflictBackoff     time.Duration // pause before re-deriving, grows per attempt; default 10ms

	Clock func() time.Time
	NewID func() string
}

// Coordinator executes settlements.
type Coordinator struct {
	store    ledger.Store
	txStore  ledger.TxStore
	identity Identity
	notifier Notifier
	locks    *ledger.Locks
	log      *logger.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	stepTimeout         time.Duration
	compensationTimeout time.Duration
	maxRetries          int
	conflictBackoff     time.Duration

	clock func() time.Time
	newID func() string
}

// New validates cfg and builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement: store required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("settlement: identity provider required")
	}

	c := &Coordinator{
		store:               cfg.Store,
		identity:            cfg.Identity,
		notifier:            cfg.Notifier,
		locks:               cfg.Locks,
		log:                 cfg.Logger,
		metrics:             cfg.Metrics,
		tracer:              cfg.Tracer,
		stepTimeout:         cfg.StepTimeout,
		compensationTimeout: cfg.CompensationTimeout,
		maxRetries:          cfg.MaxConflictRetries,
		conflictBackoff:     cfg.ConflictBackoff,
		clock:               cfg.Clock,
		newID:               cfg.NewID,
	}
	if cfg.Transactional {
		tx, ok := cfg.Store.(ledger.TxStore)
		if !ok {
			return nil, errors.New("settlement: transactional mode needs a store with WithTx")
		}
		c.txStore = tx
	}
	if c.locks == nil {
		c.locks = ledger.NewLocks()
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	c.log = c.log.With("component", "settlement")
	if c.tracer == nil {
		c.tracer = otel.Tracer("membership-ledger/settlement")
	}
	if c.stepTimeout <= 0 {
		c.stepTimeout = 5 * time.Second
	}
	if c.compensationTimeout <= 0 {
		c.compensationTimeout = 10 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.conflictBackoff <= 0 {
		c.conflictBackoff = 10 * time.Millisecond
	}
	if c.clock == nil {
		c.clock = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Request describes one service session to settle.
type Request struct {
	MembershipID  ledger.MembershipID
	ProgramID     ledger.ProgramID
	StaffID       ledger.StaffID
	ReservationID string

	OriginalPrice decimal.Decimal
	DiscountRate  decimal.Decimal // percent, 0-100
	FinalPrice    decimal.Decimal

	Summary     string
	PrivateNote string

	// ClaimedRemaining is what the caller believes is left. It is logged
	// when it disagrees with the derived balance and otherwise ignored.
	ClaimedRemaining *decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Validate checks the request shape. Errors wrap ledger.ErrInvalidRequest.
func (r Request) Validate() error {
	var problems []string
	if r.MembershipID == "" {
		problems = append(problems, "membership id is required")
	}
	if r.ProgramID == "" {
		problems = append(problems, "program id is required")
	}
	if r.StaffID == "" {
		problems = append(problems, "staff id is required")
	}
	if r.OriginalPrice.IsNegative() {
		problems = append(problems, "original price must not be negative")
	}
	if r.DiscountRate.IsNegative() || r.DiscountRate.GreaterThan(hundred) {
		problems = append(problems, "discount rate must be between 0 and 100")
	}
	if !r.FinalPrice.IsPositive() {
		problems = append(problems, "final price must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// Result is a committed settlement.
type Result struct {
	EntryID      ledger.EntryID
	MembershipID ledger.MembershipID
	MemberID     ledger.MemberID
	Total        decimal.Decimal
	Used         decimal.Decimal
	BalanceAfter decimal.Decimal
}

// errConflict means another writer touched the membership and this
// attempt wrote nothing.
var errConflict = errors.New("membership changed since derivation")

// =============================================================================
// SETTLE
// =============================================================================

// Settle deducts req.FinalPrice from the membership and records the session.
func (c *Coordinator) Settle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("membership.id", string(req.MembershipID)),
		attribute.String("final_price", req.FinalPrice.String()),
		attribute.Bool("transactional", c.txStore != nil),
	))
	defer span.End()

	res, err := c.settle(ctx, req)

	outcome := Classify(err)
	c.metrics.observe(outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return res, err
}

func (c *Coordinator) settle(ctx context.Context, req Request) (Result, error) {
	actor, ok := c.identity.CurrentActor(ctx)
	if !ok || actor == "" {
		return Result{}, &ledger.AuthError{Operation: "settle"}
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	log := c.log.With("membership_id", req.MembershipID, "actor_id", actor)

	release, err := c.locks.Acquire(ctx, req.MembershipID)
	if err != nil {
		return Result{}, fmt.Errorf("waiting for membership %s: %w", req.MembershipID, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		var res Result
		if c.txStore != nil {
			res, err = c.attemptTx(ctx, log, actor, req)
		} else {
			res, err = c.attemptSaga(ctx, log, actor, req)
		}
		if !errors.Is(err, errConflict) {
			if err == nil {
				log.Info("settlement committed",
					"entry_id", res.EntryID,
					"final_price", req.FinalPrice.String(),
					"balance_after", res.BalanceAfter.String(),
				)
				c.notifyMember(ctx, log, req, res)
			}
			return res, err
		}
		if attempt >= c.maxRetries {
			log.Warn("settlement gave up after version conflicts", "attempts", attempt+1)
			return Result{}, ledger.ErrConcurrentModification
		}
		log.Debug("membership changed during settlement, re-deriving", "attempt", attempt+1)
		if err := c.backoff(ctx, attempt); err != nil {
			return Result{}, err
		}
	}
}

// backoff waits before the next attempt so an in-flight writer can finish.
func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.conflictBackoff * time.Duration(attempt+1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// preflight runs steps 3-5 against src. Nothing is written.
func (c *Coordinator) preflight(ctx context.Context, log *logger.Logger, src ledger.Store, req Request) (plan, error) {
	m, err := src.GetMembership(ctx, req.MembershipID)
	if err != nil {
		return plan{}, c.readError(req, err)
	}
	if !m.IsActive() {
		return plan{}, fmt.Errorf("%w: membership %s is %s", ledger.ErrInvalidRequest, m.ID, m.Status)
	}

	derived, err := ledger.NewDeriver(src).DeriveFrom(ctx, m)
	if err != nil {
		return plan{}, c.readError(req, err)
	}

	if req.ClaimedRemaining != nil && !req.ClaimedRemaining.Equal(derived.Remaining) {
		log.Debug("caller-supplied remaining ignored",
			"claimed", req.ClaimedRemaining.String(),
			"derived", derived.Remaining.String(),
		)
	}

	if derived.Remaining.LessThan(req.FinalPrice) {
		return plan{}, &ledger.InsufficientBalanceError{
			MembershipID: m.ID,
			Remaining:    derived.Remaining,
			Requested:    req.FinalPrice,
			Shortfall:    req.FinalPrice.Sub(derived.Remaining),
		}
	}

	newRemaining, newUsed, err := checkIntegrity(derived, req.FinalPrice)
	if err != nil {
		log.Error("critical integrity violation", "error", err)
		return plan{}, err
	}

	return plan{membership: m, derived: derived, newRemaining: newRemaining, newUsed: newUsed}, nil
}

// checkIntegrity computes the post-settlement pair and asserts
// Total == Remaining + Used for it.
func checkIntegrity(derived ledger.Balance, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	newRemaining := derived.Remaining.Sub(price)
	newUsed := derived.Used.Add(price)
	if !derived.Total.Equal(newRemaining.Add(newUsed)) {
		return decimal.Decimal{}, decimal.Decimal{}, &ledger.CriticalIntegrityError{
			MembershipID: derived.MembershipID,
			Total:        derived.Total,
			Remaining:    newRemaining,
			Used:         newUsed,
		}
	}
	return newRemaining, newUsed, nil
}

// readError keeps NotFound as is and turns anything else into a retryable abort.
func (c *Coordinator) readError(req Request, err error) error {
	if ledger.IsNotFound(err) {
		return err
	}
	return &ledger.TransactionAbortedError{
		MembershipID: req.MembershipID,
		Step:         StepDeriveBalance,
		Reason:       ledger.AbortStepFailed,
		Cause:        err,
	}
}

func (c *Coordinator) newExecution(store ledger.Store, actor ledger.ActorID, req Request, p plan) *execution {
	return &execution{
		c:       c,
		store:   store,
		actor:   actor,
		req:     req,
		plan:    p,
		entryID: ledger.EntryID(c.newID()),
		now:     c.clock(),
	}
}

func (x *execution) result() Result {
	return Result{
		EntryID:      x.entryID,
		MembershipID: x.plan.membership.ID,
		MemberID:     x.plan.membership.MemberID,
		Total:        x.plan.derived.Total,
		Used:         x.plan.newUsed,
		BalanceAfter: x.plan.newRemaining,
	}
}

// =============================================================================
// SAGA MODE
// =============================================================================

func (c *Coordinator) attemptSaga(ctx context.Context, log *logger.Logger, actor ledger.ActorID, req Request) (Result, error) {
	p, err := c.preflight(ctx, log, c.store, req)
	if err != nil {
		return Result{}, err
	}
	if p.derived.Drifted(p.membership) {
		log.Debug("cached balance disagrees with ledger, another settlement may be in flight",
			"cached_remaining", p.membership.Remaining.String(),
			"derived_remaining", p.derived.Remaining.String(),
			"version", p.membership.Version,
		)
		return Result{}, errConflict
	}

	x := c.newExecution(c.store, actor, req, p)
	err = x.run(ctx, x.steps())
	if err == nil {
		return x.result(), nil
	}

	var f *sagaFailure
	if !errors.As(err, &f) {
		return Result{}, err
	}
	if f.compensateErr != nil {
		return Result{}, c.escalate(ctx, log, x, f)
	}
	if f.step == StepMutateMembership && errors.Is(f.cause, ledger.ErrConcurrentModification) {
		return Result{}, errConflict
	}

	reason := ledger.AbortStepFailed
	if f.step == StepWriteComplianceLog {
		reason = ledger.AbortCompliance
	}
	log.Warn("settlement aborted and compensated",
		"step", f.step,
		"entry_id", x.entryID,
		"error", f.cause,
	)
	return Result{}, &ledger.TransactionAbortedError{
		MembershipID: req.MembershipID,
		Step:         f.step,
		Reason:       reason,
		Cause:        f.cause,
	}
}

// escalate records a failed compensation and builds the operator-facing error.
func (c *Coordinator) escalate(ctx context.Context, log *logger.Logger, x *execution, f *sagaFailure) error {
	flag := ledger.ReconciliationFlag{
		ID:           c.newID(),
		MembershipID: x.plan.membership.ID,
		EntryID:      x.entryID,
		Step:         f.compensateStep,
		Reason: fmt.Sprintf("%s failed: %v; undo of %s failed: %v",
			f.step, f.cause, f.compensateStep, f.compensateErr),
		Status:    ledger.FlagOpen,
		CreatedAt: c.clock(),
	}

	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.compensationTimeout)
	defer cancel()
	if err := c.store.RaiseFlag(flagCtx, flag); err != nil {
		log.Error("could not persist reconciliation flag", "flag_id", flag.ID, "error", err)
		flag.ID = ""
	}

	log.Error("settlement compensation failed, manual reconciliation required",
		"failed_step", f.step,
		"compensate_step", f.compensateStep,
		"entry_id", x.entryID,
		"flag_id", flag.ID,
		"cause", f.cause,
		"compensation_error", f.compensateErr,
	)
	return &ledger.IrrecoverableStateError{
		MembershipID:    x.plan.membership.ID,
		EntryID:         x.entryID,
		FailedStep:      f.step,
		CompensateStep:  f.compensateStep,
		Cause:           f.cause,
		CompensationErr: f.compensateErr,
		FlagID:          flag.ID,
	}
}

// =============================================================================
// TRANSACTIONAL MODE
// =============================================================================

func (c *Coordinator) attemptTx(ctx context.Context, log *logger.Logger, actor ledger.ActorID, req Request) (Result, error) {
	var x *execution
	err := c.txStore.WithTx(ctx, func(tx ledger.Store) error {
		p, err := c.preflight(ctx, log, tx, req)
		if err != nil {
			return err
		}
		x = c.newExecution(tx, actor, req, p)
		for _, s := range x.steps() {
			if err := c.runStep(ctx, s.name, s.do); err != nil {
				return &sagaFailure{step: s.name, cause: err}
			}
		}
		return nil
	})
	if err == nil {
		return x.result(), nil
	}

	var f *sagaFailure
	switch {
	case errors.As(err, &f):
		if f.step == StepMutateMembership && errors.Is(f.cause, ledger.ErrConcurrentModification) {
			return Result{}, errConflict
		}
		log.Warn("settlement rolled back", "step", f.step, "error", f.cause)
		return Result{}, &ledger.TransactionAbortedError{
			MembershipID: req.MembershipID,
			Step:         f.step,
			Reason:       ledger.AbortRolledBack,
			Cause:        f.cause,
		}
	case errors.Is(err, ledger.ErrConcurrentModification):
		// Serialization failure at commit
		return Result{}, errConflict
	case isPreflightError(err):
		return Result{}, err
	default:
		log.Warn("settlement transaction failed", "error", err)
		return Result{}, &ledger.TransactionAbortedError{
			MembershipID: req.MembershipID,
			Step:         "commit",
			Reason:       ledger.AbortRolledBack,
			Cause:        err,
		}
	}
}

func isPreflightError(err error) bool {
	return ledger.IsNotFound(err) ||
		errors.Is(err, ledger.ErrInvalidRequest) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, ledger.ErrIntegrityViolation) ||
		errors.Is(err, ledger.ErrTransactionAborted)
}

// =============================================================================
// NOTIFICATION
// =============================================================================

func (c *Coordinator) notifyMember(ctx context.Context, log *logger.Logger, req Request, res Result) {
	if c.notifier == nil {
		return
	}
	msg := notify.Message{
		MemberID: res.MemberID,
		EntryID:  res.EntryID,
		Title:    "Session completed",
		Body: fmt.Sprintf("%s was deducted from your membership. Remaining balance: %s.",
			req.FinalPrice.StringFixed(0), res.BalanceAfter.StringFixed(0)),
		CreatedAt: c.clock(),
	}
	if err := c.notifier.Enqueue(ctx, msg); err != nil {
		log.Warn("notification not queued",
			"entry_id", res.EntryID,
			"error", &ledger.NotificationDeliveryError{MemberID: res.MemberID, Cause: err},
		)
	}
}

// =============================================================================
// ENTRY ACCESS
// =============================================================================

// Entry returns a ledger entry by id.
func (c *Coordinator) Entry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	return c.store.GetEntry(ctx, id)
}

// AmendNotes edits the public summary and the staff-only note of an entry.
// Financial fields are never touched.
func (c *Coordinator) AmendNotes(ctx context.Context, id ledger.EntryID, summary, privateNote string) error {
	actor, ok := c.identity.CurrentActor(ctx)
	if !ok || actor == "" {
		return &ledger.AuthError{Operation: "amend notes"}
	}
	if err := c.store.UpdateNotes(ctx, id, summary, privateNote); err != nil {
		return err
	}
	c.log.Info("ledger entry notes amended", "entry_id", id, "actor_id", actor)
	return nil
}

// =============================================================================
// OUTCOME CLASSIFICATION
// =============================================================================

// Classify maps a Settle error to its metrics outcome label.
func Classify(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ledger.ErrUnauthenticated):
		return OutcomeUnauthorized
	case errors.Is(err, ledger.ErrInvalidRequest):
		return OutcomeInvalid
	case ledger.IsNotFound(err):
		return OutcomeNotFound
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return OutcomeInsufficient
	case errors.Is(err, ledger.ErrIntegrityViolation):
		return OutcomeIntegrity
	case errors.Is(err, ledger.ErrIrrecoverableState):
		return OutcomeIrrecoverable
	case errors.Is(err, ledger.ErrTransactionAborted):
		return OutcomeAborted
	case errors.Is(err, ledger.ErrConcurrentModification):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
