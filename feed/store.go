package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/ledger"
	"github.com/warp/membership-ledger/logger"
)

// NotifyingStore publishes an Event after each successful write that can
// move a derived balance. Reads and other writes pass straight through.
type NotifyingStore struct {
	ledger.Store
	pub   Publisher
	log   *logger.Logger
	clock func() time.Time
}

// NotifyingTxStore is a NotifyingStore over a transactional store. Events
// raised inside WithTx are held until the transaction commits.
type NotifyingTxStore struct {
	*NotifyingStore
	tx ledger.TxStore
}

// Wrap decorates s. The result implements ledger.TxStore when s does.
func Wrap(s ledger.Store, pub Publisher, log *logger.Logger) ledger.Store {
	if log == nil {
		log = logger.Nop()
	}
	n := &NotifyingStore{
		Store: s,
		pub:   pub,
		log:   log.With("component", "feed"),
		clock: func() time.Time { return time.Now().UTC() },
	}
	if tx, ok := s.(ledger.TxStore); ok {
		return &NotifyingTxStore{NotifyingStore: n, tx: tx}
	}
	return n
}

func (s *NotifyingStore) publish(ctx context.Context, e Event) {
	e.At = s.clock()
	if err := s.pub.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("change event not published", "table", e.Table, "member_id", e.MemberID, "error", err)
	}
}

func (s *NotifyingStore) CreateMembership(ctx context.Context, m ledger.Membership) error {
	return recorder{s.Store, s.publish}.CreateMembership(ctx, m)
}

func (s *NotifyingStore) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	return recorder{s.Store, s.publish}.UpdateBalance(ctx, id, expectedVersion, remaining, used)
}

func (s *NotifyingStore) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	return recorder{s.Store, s.publish}.SetStatus(ctx, id, status)
}

func (s *NotifyingStore) CreateEntry(ctx context.Context, e ledger.Entry) error {
	return recorder{s.Store, s.publish}.CreateEntry(ctx, e)
}

func (s *NotifyingStore) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	return recorder{s.Store, s.publish}.DeleteEntry(ctx, id)
}

func (s *NotifyingTxStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	var pending []Event
	err := s.tx.WithTx(ctx, func(inner ledger.Store) error {
		pending = pending[:0]
		return fn(recorder{Store: inner, emit: func(_ context.Context, e Event) {
			pending = append(pending, e)
		}})
	})
	if err != nil {
		return err
	}
	for _, e := range pending {
		s.publish(ctx, e)
	}
	return nil
}

// recorder turns successful writes into events passed to emit.
type recorder struct {
	ledger.Store
	emit func(context.Context, Event)
}

func (r recorder) CreateMembership(ctx context.Context, m ledger.Membership) error {
	if err := r.Store.CreateMembership(ctx, m); err != nil {
		return err
	}
	r.emit(ctx, Event{Table: TableMemberships, Op: OpInsert, MemberID: m.MemberID, MembershipID: m.ID, Version: m.Version})
	return nil
}

func (r recorder) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	m, err := r.Store.UpdateBalance(ctx, id, expectedVersion, remaining, used)
	if err != nil {
		return m, err
	}
	r.emit(ctx, Event{Table: TableMemberships, Op: OpUpdate, MemberID: m.MemberID, MembershipID: m.ID, Version: m.Version})
	return m, nil
}

func (r recorder) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	if err := r.Store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	if m, err := r.Store.GetMembership(ctx, id); err == nil {
		r.emit(ctx, Event{Table: TableMemberships, Op: OpUpdate, MemberID: m.MemberID, MembershipID: m.ID, Version: m.Version})
	}
	return nil
}

func (r recorder) CreateEntry(ctx context.Context, e ledger.Entry) error {
	if err := r.Store.CreateEntry(ctx, e); err != nil {
		return err
	}
	r.emit(ctx, Event{Table: TableEntries, Op: OpInsert, MemberID: e.MemberID, MembershipID: e.MembershipID, EntryID: e.ID})
	return nil
}

func (r recorder) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	e, lookupErr := r.Store.GetEntry(ctx, id)
	if err := r.Store.DeleteEntry(ctx, id); err != nil {
		return err
	}
	if lookupErr == nil {
		r.emit(ctx, Event{Table: TableEntries, Op: OpDelete, MemberID: e.MemberID, MembershipID: e.MembershipID, EntryID: id})
	}
	return nil
}
