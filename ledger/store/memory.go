// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Op names a store primitive for fault injection.
type Op string

const (
	OpCreateMembership    Op = "create_membership"
	OpGetMembership       Op = "get_membership"
	OpUpdateBalance       Op = "update_balance"
	OpSetStatus           Op = "set_status"
	OpCreateEntry         Op = "create_entry"
	OpGetEntry            Op = "get_entry"
	OpEntriesByMembership Op = "entries_by_membership"
	OpDeleteEntry         Op = "delete_entry"
	OpAcknowledge         Op = "acknowledge"
	OpUpdateNotes         Op = "update_notes"
	OpAppendCompliance    Op = "append_compliance"
	OpRaiseFlag           Op = "raise_flag"
)

// Hook runs before a primitive. A non-nil error fails the call with no effect.
type Hook func(ctx context.Context) error

type Memory struct {
	mu          sync.RWMutex
	memberships map[ledger.MembershipID]ledger.Membership
	entries     map[ledger.EntryID]ledger.Entry
	byMember    map[ledger.MembershipID][]ledger.EntryID
	compliance  []ledger.ComplianceEntry
	flags       []ledger.ReconciliationFlag

	hooksMu sync.Mutex
	hooks   map[Op]Hook

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		memberships: make(map[ledger.MembershipID]ledger.Membership),
		entries:     make(map[ledger.EntryID]ledger.Entry),
		byMember:    make(map[ledger.MembershipID][]ledger.EntryID),
		hooks:       make(map[Op]Hook),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// SetHook installs fn before every call of op. A nil fn removes the hook.
func (m *Memory) SetHook(op Op, fn Hook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	if fn == nil {
		delete(m.hooks, op)
		return
	}
	m.hooks[op] = fn
}

// Fail makes every call of op return err until cleared.
func (m *Memory) Fail(op Op, err error) {
	m.SetHook(op, func(context.Context) error { return err })
}

// FailOnce makes the next call of op return err.
func (m *Memory) FailOnce(op Op, err error) {
	var once sync.Once
	m.SetHook(op, func(context.Context) error {
		var out error
		once.Do(func() { out = err })
		return out
	})
}

// ClearHooks removes every installed hook.
func (m *Memory) ClearHooks() {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = make(map[Op]Hook)
}

func (m *Memory) hook(ctx context.Context, op Op) error {
	m.hooksMu.Lock()
	fn := m.hooks[op]
	m.hooksMu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func (m *Memory) CreateMembership(ctx context.Context, ms ledger.Membership) error {
	if err := m.hook(ctx, OpCreateMembership); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createMembershipLocked(ms)
}

func (m *Memory) createMembershipLocked(ms ledger.Membership) error {
	if _, ok := m.memberships[ms.ID]; ok {
		return ledger.ErrDuplicateID
	}
	now := m.now()
	if ms.CreatedAt.IsZero() {
		ms.CreatedAt = now
	}
	ms.UpdatedAt = now
	m.memberships[ms.ID] = ms
	return nil
}

func (m *Memory) GetMembership(ctx context.Context, id ledger.MembershipID) (ledger.Membership, error) {
	if err := m.hook(ctx, OpGetMembership); err != nil {
		return ledger.Membership{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMembershipLocked(id)
}

func (m *Memory) getMembershipLocked(id ledger.MembershipID) (ledger.Membership, error) {
	ms, ok := m.memberships[id]
	if !ok {
		return ledger.Membership{}, ledger.MembershipNotFound(id)
	}
	return ms, nil
}

func (m *Memory) MembershipsByMember(_ context.Context, memberID ledger.MemberID) ([]ledger.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membershipsLocked(func(ms ledger.Membership) bool { return ms.MemberID == memberID }), nil
}

func (m *Memory) AllMemberships(_ context.Context) ([]ledger.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membershipsLocked(func(ledger.Membership) bool { return true }), nil
}

func (m *Memory) membershipsLocked(match func(ledger.Membership) bool) []ledger.Membership {
	var out []ledger.Membership
	for _, ms := range m.memberships {
		if match(ms) {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	if err := m.hook(ctx, OpUpdateBalance); err != nil {
		return ledger.Membership{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalanceLocked(id, expectedVersion, remaining, used)
}

func (m *Memory) updateBalanceLocked(id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	ms, ok := m.memberships[id]
	if !ok {
		return ledger.Membership{}, ledger.MembershipNotFound(id)
	}
	if ms.Version != expectedVersion {
		return ledger.Membership{}, ledger.ErrConcurrentModification
	}
	ms.Remaining = remaining
	ms.Used = used
	ms.Version++
	ms.UpdatedAt = m.now()
	m.memberships[id] = ms
	return ms, nil
}

func (m *Memory) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	if err := m.hook(ctx, OpSetStatus); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status)
}

func (m *Memory) setStatusLocked(id ledger.MembershipID, status ledger.MembershipStatus) error {
	ms, ok := m.memberships[id]
	if !ok {
		return ledger.MembershipNotFound(id)
	}
	ms.Status = status
	ms.UpdatedAt = m.now()
	m.memberships[id] = ms
	return nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (m *Memory) CreateEntry(ctx context.Context, e ledger.Entry) error {
	if err := m.hook(ctx, OpCreateEntry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntryLocked(e)
}

func (m *Memory) createEntryLocked(e ledger.Entry) error {
	if _, ok := m.entries[e.ID]; ok {
		return ledger.ErrDuplicateID
	}
	if _, ok := m.memberships[e.MembershipID]; !ok {
		return ledger.MembershipNotFound(e.MembershipID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.entries[e.ID] = e
	m.byMember[e.MembershipID] = append(m.byMember[e.MembershipID], e.ID)
	return nil
}

func (m *Memory) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	if err := m.hook(ctx, OpGetEntry); err != nil {
		return ledger.Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.EntryNotFound(id)
	}
	return e, nil
}

func (m *Memory) EntriesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.Entry, error) {
	if err := m.hook(ctx, OpEntriesByMembership); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(id), nil
}

func (m *Memory) entriesLocked(id ledger.MembershipID) []ledger.Entry {
	ids := m.byMember[id]
	out := make([]ledger.Entry, 0, len(ids))
	for _, eid := range ids {
		out = append(out, m.entries[eid])
	}
	return out
}

func (m *Memory) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	if err := m.hook(ctx, OpDeleteEntry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteEntryLocked(id)
	return nil
}

func (m *Memory) deleteEntryLocked(id ledger.EntryID) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	ids := m.byMember[e.MembershipID]
	for i, eid := range ids {
		if eid == id {
			m.byMember[e.MembershipID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func (m *Memory) Acknowledge(ctx context.Context, id ledger.EntryID, signature, digest string, at time.Time) error {
	if err := m.hook(ctx, OpAcknowledge); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledgeLocked(id, signature, digest, at)
}

func (m *Memory) acknowledgeLocked(id ledger.EntryID, signature, digest string, at time.Time) error {
	e, ok := m.entries[id]
	if !ok {
		return ledger.EntryNotFound(id)
	}
	if e.AckStatus != ledger.AckPending {
		return ledger.ErrAlreadyAcknowledged
	}
	e.AckStatus = ledger.AckCompleted
	e.Signature = signature
	e.SignatureDigest = digest
	e.AcknowledgedAt = &at
	m.entries[id] = e
	return nil
}

func (m *Memory) UpdateNotes(ctx context.Context, id ledger.EntryID, summary, privateNote string) error {
	if err := m.hook(ctx, OpUpdateNotes); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateNotesLocked(id, summary, privateNote)
}

func (m *Memory) updateNotesLocked(id ledger.EntryID, summary, privateNote string) error {
	e, ok := m.entries[id]
	if !ok {
		return ledger.EntryNotFound(id)
	}
	e.Summary = summary
	e.PrivateNote = privateNote
	m.entries[id] = e
	return nil
}

// =============================================================================
// COMPLIANCE LOG + FLAGS
// =============================================================================

func (m *Memory) AppendCompliance(ctx context.Context, entry ledger.ComplianceEntry) error {
	if err := m.hook(ctx, OpAppendCompliance); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendComplianceLocked(entry)
	return nil
}

func (m *Memory) appendComplianceLocked(entry ledger.ComplianceEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.compliance = append(m.compliance, entry)
}

func (m *Memory) QueryCompliance(_ context.Context, filter ledger.ComplianceFilter) ([]ledger.ComplianceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryComplianceLocked(filter), nil
}

func (m *Memory) queryComplianceLocked(filter ledger.ComplianceFilter) []ledger.ComplianceEntry {
	var out []ledger.ComplianceEntry
	for _, c := range m.compliance {
		if matchCompliance(c, filter) {
			out = append(out, c)
		}
	}
	return out
}

func matchCompliance(c ledger.ComplianceEntry, f ledger.ComplianceFilter) bool {
	if f.MemberID != nil && c.MemberID != *f.MemberID {
		return false
	}
	if f.MembershipID != nil && c.MembershipID != *f.MembershipID {
		return false
	}
	if f.ActorID != nil && c.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if c.Action == a {
				return true
			}
		}
		return false
	}
	return true
}

func (m *Memory) RaiseFlag(ctx context.Context, flag ledger.ReconciliationFlag) error {
	if err := m.hook(ctx, OpRaiseFlag); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raiseFlagLocked(flag)
	return nil
}

func (m *Memory) raiseFlagLocked(flag ledger.ReconciliationFlag) {
	if flag.Status == "" {
		flag.Status = ledger.FlagOpen
	}
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = m.now()
	}
	m.flags = append(m.flags, flag)
}

func (m *Memory) OpenFlags(_ context.Context) ([]ledger.ReconciliationFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openFlagsLocked(), nil
}

func (m *Memory) openFlagsLocked() []ledger.ReconciliationFlag {
	var out []ledger.ReconciliationFlag
	for _, f := range m.flags {
		if f.Status == ledger.FlagOpen {
			out = append(out, f)
		}
	}
	return out
}

func (m *Memory) ResolveFlag(_ context.Context, id string, by ledger.ActorID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveFlagLocked(id, by, at)
}

func (m *Memory) resolveFlagLocked(id string, by ledger.ActorID, at time.Time) error {
	for i, f := range m.flags {
		if f.ID == id {
			f.Status = ledger.FlagResolved
			f.ResolvedBy = by
			f.ResolvedAt = &at
			m.flags[i] = f
			return nil
		}
	}
	return ledger.FlagNotFound(id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a locked view of the store.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	memberships map[ledger.MembershipID]ledger.Membership
	entries     map[ledger.EntryID]ledger.Entry
	byMember    map[ledger.MembershipID][]ledger.EntryID
	compliance  []ledger.ComplianceEntry
	flags       []ledger.ReconciliationFlag
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		memberships: make(map[ledger.MembershipID]ledger.Membership, len(m.memberships)),
		entries:     make(map[ledger.EntryID]ledger.Entry, len(m.entries)),
		byMember:    make(map[ledger.MembershipID][]ledger.EntryID, len(m.byMember)),
		compliance:  append([]ledger.ComplianceEntry(nil), m.compliance...),
		flags:       append([]ledger.ReconciliationFlag(nil), m.flags...),
	}
	for k, v := range m.memberships {
		s.memberships[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.byMember {
		s.byMember[k] = append([]ledger.EntryID(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.memberships = s.memberships
	m.entries = s.entries
	m.byMember = s.byMember
	m.compliance = s.compliance
	m.flags = s.flags
}

// txView runs primitives against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (v *txView) CreateMembership(ctx context.Context, ms ledger.Membership) error {
	if err := v.parent.hook(ctx, OpCreateMembership); err != nil {
		return err
	}
	return v.parent.createMembershipLocked(ms)
}

func (v *txView) GetMembership(ctx context.Context, id ledger.MembershipID) (ledger.Membership, error) {
	if err := v.parent.hook(ctx, OpGetMembership); err != nil {
		return ledger.Membership{}, err
	}
	return v.parent.getMembershipLocked(id)
}

func (v *txView) MembershipsByMember(_ context.Context, memberID ledger.MemberID) ([]ledger.Membership, error) {
	return v.parent.membershipsLocked(func(ms ledger.Membership) bool { return ms.MemberID == memberID }), nil
}

func (v *txView) AllMemberships(_ context.Context) ([]ledger.Membership, error) {
	return v.parent.membershipsLocked(func(ledger.Membership) bool { return true }), nil
}

func (v *txView) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	if err := v.parent.hook(ctx, OpUpdateBalance); err != nil {
		return ledger.Membership{}, err
	}
	return v.parent.updateBalanceLocked(id, expectedVersion, remaining, used)
}

func (v *txView) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	if err := v.parent.hook(ctx, OpSetStatus); err != nil {
		return err
	}
	return v.parent.setStatusLocked(id, status)
}

func (v *txView) CreateEntry(ctx context.Context, e ledger.Entry) error {
	if err := v.parent.hook(ctx, OpCreateEntry); err != nil {
		return err
	}
	return v.parent.createEntryLocked(e)
}

func (v *txView) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	if err := v.parent.hook(ctx, OpGetEntry); err != nil {
		return ledger.Entry{}, err
	}
	e, ok := v.parent.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.EntryNotFound(id)
	}
	return e, nil
}

func (v *txView) EntriesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.Entry, error) {
	if err := v.parent.hook(ctx, OpEntriesByMembership); err != nil {
		return nil, err
	}
	return v.parent.entriesLocked(id), nil
}

func (v *txView) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	if err := v.parent.hook(ctx, OpDeleteEntry); err != nil {
		return err
	}
	v.parent.deleteEntryLocked(id)
	return nil
}

func (v *txView) Acknowledge(ctx context.Context, id ledger.EntryID, signature, digest string, at time.Time) error {
	if err := v.parent.hook(ctx, OpAcknowledge); err != nil {
		return err
	}
	return v.parent.acknowledgeLocked(id, signature, digest, at)
}

func (v *txView) UpdateNotes(ctx context.Context, id ledger.EntryID, summary, privateNote string) error {
	if err := v.parent.hook(ctx, OpUpdateNotes); err != nil {
		return err
	}
	return v.parent.updateNotesLocked(id, summary, privateNote)
}

func (v *txView) AppendCompliance(ctx context.Context, entry ledger.ComplianceEntry) error {
	if err := v.parent.hook(ctx, OpAppendCompliance); err != nil {
		return err
	}
	v.parent.appendComplianceLocked(entry)
	return nil
}

func (v *txView) QueryCompliance(_ context.Context, filter ledger.ComplianceFilter) ([]ledger.ComplianceEntry, error) {
	return v.parent.queryComplianceLocked(filter), nil
}

func (v *txView) RaiseFlag(ctx context.Context, flag ledger.ReconciliationFlag) error {
	if err := v.parent.hook(ctx, OpRaiseFlag); err != nil {
		return err
	}
	v.parent.raiseFlagLocked(flag)
	return nil
}

func (v *txView) OpenFlags(_ context.Context) ([]ledger.ReconciliationFlag, error) {
	return v.parent.openFlagsLocked(), nil
}

func (v *txView) ResolveFlag(_ context.Context, id string, by ledger.ActorID, at time.Time) error {
	return v.parent.resolveFlagLocked(id, by, at)
}
