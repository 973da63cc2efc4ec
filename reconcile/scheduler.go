/*
scheduler.go - Background reconciliation of membership caches

PURPOSE:
  Periodically walks every membership and brings its stored state back in
  line with the ledger:

  - Cache drift: cached remaining/used disagree with the derived balance
    (e.g. a settlement whose membership restore failed). Repaired with a
    conditional write and a cache_repaired compliance record.
  - Expiry: an active membership past ExpiresAt is set to expired with a
    membership_expired compliance record.
  - Flags: open reconciliation flags are counted and their memberships are
    skipped. Automated repair stops until an operator resolves the flag.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start
  - Takes the same per-membership lock as settlement, so a repair never
    interleaves with a settlement on the same membership
  - Records the last run for the admin surface

USAGE:
  scheduler := reconcile.NewScheduler(store, locks, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - settlement/coordinator.go: raises the flags this scheduler reports
  - ledger/derive.go: the balance the cache is repaired to
*/
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

// SystemActor is the actor id recorded on compliance entries written here.
const SystemActor ledger.ActorID = "system:reconciler"

// StepComplianceRecord names the step on flags raised for a missing
// compliance record.
const StepComplianceRecord = "write_compliance_log"

// Report summarizes one pass.
type Report struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Checked     int       `json:"checked"`
	Repaired    int       `json:"repaired"`
	Expired     int       `json:"expired"`
	Skipped     int       `json:"skipped_flagged"`
	Failed      int       `json:"failed"`
	OpenFlags   int       `json:"open_flags"`
}

// Scheduler handles automated membership reconciliation.
type Scheduler struct {
	Store         ledger.Store
	Locks         *ledger.Locks
	CheckInterval time.Duration
	LockTimeout   time.Duration
	Enabled       bool
	Metrics       *Metrics
	Clock         func() time.Time

	log *logger.Logger

	ticker *time.Ticker
	stop   chan struct{}
	next   atomic.Int64 // unix nanos of the next tick, 0 when stopped
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu sync.Mutex
	last  *Report
}

// NewScheduler creates a new scheduler. locks must be the table the
// settlement coordinator uses.
func NewScheduler(store ledger.Store, locks *ledger.Locks, log *logger.Logger) *Scheduler {
	if locks == nil {
		locks = ledger.NewLocks()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		Store:         store,
		Locks:         locks,
		CheckInterval: 1 * time.Hour,
		LockTimeout:   10 * time.Second,
		Enabled:       true,
		Clock:         func() time.Time { return time.Now().UTC() },
		log:           log.With("component", "reconcile"),
	}
}

// Start begins the scheduler.
func (rs *Scheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.next.Store(time.Now().Add(rs.CheckInterval).UnixNano())
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info("scheduler started", "interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-progress pass.
func (rs *Scheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.next.Store(0)
		rs.log.Info("scheduler stopped")
	}
}

func (rs *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case t := <-ticker.C:
			rs.next.Store(t.Add(rs.CheckInterval).UnixNano())
			rs.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass (for the admin surface and tests). Passes never overlap.
func (rs *Scheduler) RunNow(ctx context.Context) Report {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	report := Report{StartedAt: rs.Clock()}
	defer func() {
		report.CompletedAt = rs.Clock()
		rs.last = &report
		rs.Metrics.observe(report)
	}()

	flags, err := rs.Store.OpenFlags(ctx)
	if err != nil {
		rs.log.Error("listing reconciliation flags failed", "error", err)
		report.Failed++
		return report
	}
	report.OpenFlags = len(flags)
	flagged := make(map[ledger.MembershipID]bool, len(flags))
	for _, f := range flags {
		flagged[f.MembershipID] = true
	}

	memberships, err := rs.Store.AllMemberships(ctx)
	if err != nil {
		rs.log.Error("listing memberships failed", "error", err)
		report.Failed++
		return report
	}

	for _, m := range memberships {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		if flagged[m.ID] {
			report.Skipped++
			continue
		}
		repaired, expired, err := rs.reconcileOne(ctx, m.ID)
		if err != nil {
			report.Failed++
			rs.log.Warn("reconciling membership failed", "membership_id", m.ID, "error", err)
			continue
		}
		if repaired {
			report.Repaired++
		}
		if expired {
			report.Expired++
		}
	}

	if report.Repaired > 0 || report.Expired > 0 || report.Failed > 0 || report.OpenFlags > 0 {
		rs.log.Info("reconciliation pass completed",
			"checked", report.Checked,
			"repaired", report.Repaired,
			"expired", report.Expired,
			"skipped_flagged", report.Skipped,
			"failed", report.Failed,
			"open_flags", report.OpenFlags,
		)
	}
	return report
}

func (rs *Scheduler) reconcileOne(ctx context.Context, id ledger.MembershipID) (repaired, expired bool, err error) {
	lockCtx, cancel := context.WithTimeout(ctx, rs.LockTimeout)
	release, err := rs.Locks.Acquire(lockCtx, id)
	cancel()
	if err != nil {
		return false, false, fmt.Errorf("lock: %w", err)
	}
	defer release()

	// Re-read under the lock
	m, err := rs.Store.GetMembership(ctx, id)
	if err != nil {
		return false, false, err
	}
	derived, err := ledger.NewDeriver(rs.Store).DeriveFrom(ctx, m)
	if err != nil {
		return false, false, err
	}
	now := rs.Clock()

	if derived.Drifted(m) {
		if !derived.Snapshot().Balanced() || derived.Remaining.IsNegative() {
			return false, false, &ledger.CriticalIntegrityError{
				MembershipID: m.ID, Total: derived.Total, Remaining: derived.Remaining, Used: derived.Used,
			}
		}
		updated, err := rs.Store.UpdateBalance(ctx, m.ID, m.Version, derived.Remaining, derived.Used)
		if err != nil {
			return false, false, fmt.Errorf("repair cache: %w", err)
		}
		if err := rs.Store.AppendCompliance(ctx, ledger.ComplianceEntry{
			ID:           uuid.NewString(),
			ActorID:      SystemActor,
			Action:       ledger.ActionCacheRepaired,
			MemberID:     m.MemberID,
			MembershipID: m.ID,
			Before:       m.Snapshot(),
			After:        derived.Snapshot(),
			CreatedAt:    now,
		}); err != nil {
			// The repair stands; the cache now matches the ledger either way
			rs.log.Error("cache repaired but compliance record failed", "membership_id", m.ID, "error", err)
			rs.flagMissingRecord(ctx, m.ID, ledger.ActionCacheRepaired, err)
		}
		rs.log.Warn("membership cache drift repaired",
			"membership_id", m.ID,
			"cached_remaining", m.Remaining.String(),
			"derived_remaining", derived.Remaining.String(),
		)
		m = updated
		repaired = true
	}

	if m.IsActive() && !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt) {
		if err := rs.Store.SetStatus(ctx, m.ID, ledger.MembershipExpired); err != nil {
			return repaired, false, fmt.Errorf("expire: %w", err)
		}
		if err := rs.Store.AppendCompliance(ctx, ledger.ComplianceEntry{
			ID:           uuid.NewString(),
			ActorID:      SystemActor,
			Action:       ledger.ActionMembershipExpired,
			MemberID:     m.MemberID,
			MembershipID: m.ID,
			Before:       derived.Snapshot(),
			After:        derived.Snapshot(),
			CreatedAt:    now,
		}); err != nil {
			rs.log.Error("membership expired but compliance record failed", "membership_id", m.ID, "error", err)
			rs.flagMissingRecord(ctx, m.ID, ledger.ActionMembershipExpired, err)
		}
		rs.log.Info("membership expired", "membership_id", m.ID, "remaining", derived.Remaining.String())
		expired = true
	}
	return repaired, expired, nil
}

// flagMissingRecord raises a reconciliation flag for a balance-affecting
// write that has no compliance record.
func (rs *Scheduler) flagMissingRecord(ctx context.Context, id ledger.MembershipID, action ledger.ComplianceAction, cause error) {
	flag := ledger.ReconciliationFlag{
		ID:           uuid.NewString(),
		MembershipID: id,
		Step:         StepComplianceRecord,
		Reason:       fmt.Sprintf("%s applied without compliance record: %v", action, cause),
		Status:       ledger.FlagOpen,
		CreatedAt:    rs.Clock(),
	}
	if err := rs.Store.RaiseFlag(ctx, flag); err != nil {
		rs.log.Error("could not persist reconciliation flag", "membership_id", id, "error", err)
		return
	}
	rs.log.Warn("reconciliation flag raised", "membership_id", id, "flag_id", flag.ID, "action", action)
}

// LastRun returns the most recent report, or nil before the first pass.
func (rs *Scheduler) LastRun() *Report {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	if rs.last == nil {
		return nil
	}
	r := *rs.last
	return &r
}

// NextRunTime returns when the ticker fires next, or the zero time when
// the scheduler is not running.
func (rs *Scheduler) NextRunTime() time.Time {
	n := rs.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// OpenFlags lists memberships awaiting manual reconciliation.
func (rs *Scheduler) OpenFlags(ctx context.Context) ([]ledger.ReconciliationFlag, error) {
	return rs.Store.OpenFlags(ctx)
}

// ResolveFlag closes a flag after an operator has fixed the membership.
// The next pass repairs its cache again.
func (rs *Scheduler) ResolveFlag(ctx context.Context, id string, by ledger.ActorID) error {
	if by == "" {
		return &ledger.AuthError{Operation: "resolve flag"}
	}
	if err := rs.Store.ResolveFlag(ctx, id, by, rs.Clock()); err != nil {
		return err
	}
	rs.log.Info("reconciliation flag resolved", "flag_id", id, "actor_id", by)
	return nil
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics holds the scheduler's collectors. A nil *Metrics records nothing.
type Metrics struct {
	repairs   prometheus.Counter
	expired   prometheus.Counter
	failures  prometheus.Counter
	openFlags prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_cache_repairs_total",
			Help: "Membership caches rewritten to match the derived balance.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_memberships_expired_total",
			Help: "Memberships moved to expired by the scheduler.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_failures_total",
			Help: "Memberships the scheduler could not reconcile.",
		}),
		openFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconcile_open_flags",
			Help: "Memberships awaiting manual reconciliation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.repairs, m.expired, m.failures, m.openFlags)
	}
	return m
}

func (m *Metrics) observe(r Report) {
	if m == nil {
		return
	}
	m.repairs.Add(float64(r.Repaired))
	m.expired.Add(float64(r.Expired))
	m.failures.Add(float64(r.Failed))
	m.openFlags.Set(float64(r.OpenFlags))
}
