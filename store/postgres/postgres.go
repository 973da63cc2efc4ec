/*
Package postgres provides a PostgreSQL-backed implementation of the ledger storage interfaces.

PURPOSE:
  Same contract and table layout as store/sqlite, on pgx. This is the store
  that makes transactional settlement safe across processes: inside WithTx
  the membership row is read with SELECT ... FOR UPDATE, so a second
  settlement on the same membership blocks until the first commits.

DIALECT NOTES:
  - Money columns are NUMERIC(20,4). Values travel as text
    (decimal.String() in, ::text out) so no precision is lost.
  - Timestamps are TIMESTAMPTZ.
  - Immutability is enforced with plpgsql triggers.

ERRORS:
  unique_violation (23505)              -> ledger.ErrDuplicateID
  foreign_key_violation (23503)         -> ledger.NotFoundError (membership)
  serialization_failure/deadlock        -> ledger.ErrConcurrentModification
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/ledger"
)

// Store implements ledger.TxStore on a pgx pool.
type Store struct {
	conn
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn struct {
	q querier

	// lockRows makes GetMembership take a row lock (inside WithTx only).
	lockRows bool
}

var _ ledger.TxStore = (*Store)(nil)

// New connects to dsn, pings, and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := &Store{conn: conn{q: pool}, pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		total NUMERIC(20,4) NOT NULL,
		remaining NUMERIC(20,4) NOT NULL,
		used NUMERIC(20,4) NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memberships_member ON memberships(member_id);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL REFERENCES memberships(id),
		member_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		reservation_id TEXT,
		original_price NUMERIC(20,4) NOT NULL,
		discount_rate NUMERIC(7,4) NOT NULL,
		final_price NUMERIC(20,4) NOT NULL,
		balance_after NUMERIC(20,4) NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		private_note TEXT NOT NULL DEFAULT '',
		ack_status TEXT NOT NULL,
		signature TEXT,
		signature_digest TEXT,
		acknowledged_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_membership ON ledger_entries(membership_id, seq);

	CREATE TABLE IF NOT EXISTS compliance_log (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		member_id TEXT NOT NULL,
		membership_id TEXT NOT NULL,
		entry_id TEXT,
		before_snapshot JSONB NOT NULL,
		after_snapshot JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_compliance_log_member ON compliance_log(member_id);
	CREATE INDEX IF NOT EXISTS idx_compliance_log_membership ON compliance_log(membership_id);

	CREATE TABLE IF NOT EXISTS reconciliation_flags (
		id TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL,
		entry_id TEXT,
		step TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_flags_status ON reconciliation_flags(status);

	CREATE OR REPLACE FUNCTION ledger_reject_change() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% on % is not allowed', TG_OP, TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_memberships_total_immutable ON memberships;
	CREATE TRIGGER trg_memberships_total_immutable
		BEFORE UPDATE OF total ON memberships
		FOR EACH ROW WHEN (OLD.total IS DISTINCT FROM NEW.total)
		EXECUTE FUNCTION ledger_reject_change();

	DROP TRIGGER IF EXISTS trg_ledger_entries_immutable ON ledger_entries;
	CREATE TRIGGER trg_ledger_entries_immutable
		BEFORE UPDATE OF membership_id, member_id, original_price, discount_rate, final_price, balance_after
		ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_reject_change();

	DROP TRIGGER IF EXISTS trg_compliance_log_append_only ON compliance_log;
	CREATE TRIGGER trg_compliance_log_append_only
		BEFORE UPDATE OR DELETE ON compliance_log
		FOR EACH ROW EXECUTE FUNCTION ledger_reject_change();
	`)
	return err
}

// WithTx runs fn in a transaction. Memberships read through the tx store
// are locked FOR UPDATE until commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&conn{q: tx, lockRows: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "commit")
	}
	return nil
}

// =============================================================================
// MEMBERSHIP STORE
// =============================================================================

const membershipColumns = `id, member_id, total::text, remaining::text, used::text, status, expires_at, version, created_at, updated_at`

func (c *conn) CreateMembership(ctx context.Context, m ledger.Membership) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = ledger.MembershipActive
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO memberships (id, member_id, total, remaining, used, status, expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)
	`, string(m.ID), string(m.MemberID), m.Total.String(), m.Remaining.String(), m.Used.String(),
		string(m.Status), nullTime(m.ExpiresAt), m.Version, m.CreatedAt, now)
	if err != nil {
		return mapError(err, "create membership")
	}
	return nil
}

func (c *conn) GetMembership(ctx context.Context, id ledger.MembershipID) (ledger.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE id = $1`
	if c.lockRows {
		query += ` FOR UPDATE`
	}
	m, err := scanMembership(c.q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Membership{}, ledger.MembershipNotFound(id)
	}
	return m, err
}

func (c *conn) MembershipsByMember(ctx context.Context, memberID ledger.MemberID) ([]ledger.Membership, error) {
	return c.queryMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE member_id = $1 ORDER BY id`, string(memberID))
}

func (c *conn) AllMemberships(ctx context.Context) ([]ledger.Membership, error) {
	return c.queryMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships ORDER BY id`)
}

func (c *conn) queryMemberships(ctx context.Context, query string, args ...any) ([]ledger.Membership, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query memberships")
	}
	defer rows.Close()

	var out []ledger.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *conn) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	row := c.q.QueryRow(ctx, `
		UPDATE memberships
		SET remaining = $1::numeric, used = $2::numeric, version = version + 1, updated_at = now()
		WHERE id = $3 AND version = $4
		RETURNING `+membershipColumns,
		remaining.String(), used.String(), string(id), expectedVersion)

	m, err := scanMembership(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := c.GetMembership(ctx, id); err != nil {
			return ledger.Membership{}, err
		}
		return ledger.Membership{}, ledger.ErrConcurrentModification
	}
	if err != nil {
		return ledger.Membership{}, mapError(err, "update balance")
	}
	return m, nil
}

func (c *conn) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	tag, err := c.q.Exec(ctx, `UPDATE memberships SET status = $1, updated_at = now() WHERE id = $2`, string(status), string(id))
	if err != nil {
		return mapError(err, "set membership status")
	}
	if tag.RowsAffected() == 0 {
		return ledger.MembershipNotFound(id)
	}
	return nil
}

func scanMembership(row pgx.Row) (ledger.Membership, error) {
	var (
		m                      ledger.Membership
		id, memberID, status   string
		total, remaining, used string
		expiresAt              *time.Time
	)
	err := row.Scan(&id, &memberID, &total, &remaining, &used, &status, &expiresAt, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.ID = ledger.MembershipID(id)
	m.MemberID = ledger.MemberID(memberID)
	m.Status = ledger.MembershipStatus(status)
	if err := parseMoney(
		moneyColumn{"total", total, &m.Total},
		moneyColumn{"remaining", remaining, &m.Remaining},
		moneyColumn{"used", used, &m.Used},
	); err != nil {
		return m, fmt.Errorf("scan membership %s: %w", m.ID, err)
	}
	if expiresAt != nil {
		m.ExpiresAt = *expiresAt
	}
	return m, nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const entryColumns = `id, membership_id, member_id, program_id, staff_id, reservation_id,
	original_price::text, discount_rate::text, final_price::text, balance_after::text,
	summary, private_note, ack_status, signature, signature_digest, acknowledged_at, created_at`

func (c *conn) CreateEntry(ctx context.Context, e ledger.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.AckStatus == "" {
		e.AckStatus = ledger.AckPending
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, membership_id, member_id, program_id, staff_id, reservation_id,
			original_price, discount_rate, final_price, balance_after, summary, private_note,
			ack_status, signature, signature_digest, acknowledged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10::numeric,
			$11, $12, $13, $14, $15, $16, $17)
	`, string(e.ID), string(e.MembershipID), string(e.MemberID), string(e.ProgramID), string(e.StaffID),
		nullString(e.ReservationID),
		e.OriginalPrice.String(), e.DiscountRate.String(), e.FinalPrice.String(), e.BalanceAfter.String(),
		e.Summary, e.PrivateNote, string(e.AckStatus),
		nullString(e.Signature), nullString(e.SignatureDigest), e.AcknowledgedAt, e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ledger.MembershipNotFound(e.MembershipID)
		}
		return mapError(err, "create ledger entry")
	}
	return nil
}

func (c *conn) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	e, err := scanEntry(c.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, ledger.EntryNotFound(id)
	}
	return e, err
}

func (c *conn) EntriesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.Entry, error) {
	rows, err := c.q.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE membership_id = $1
		ORDER BY seq ASC
	`, string(id))
	if err != nil {
		return nil, mapError(err, "query ledger entries")
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *conn) DeleteEntry(ctx context.Context, id ledger.EntryID) error {
	if _, err := c.q.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, string(id)); err != nil {
		return mapError(err, "delete ledger entry")
	}
	return nil
}

func (c *conn) Acknowledge(ctx context.Context, id ledger.EntryID, signature, digest string, at time.Time) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE ledger_entries
		SET ack_status = $1, signature = $2, signature_digest = $3, acknowledged_at = $4
		WHERE id = $5 AND ack_status = $6
	`, string(ledger.AckCompleted), signature, digest, at, string(id), string(ledger.AckPending))
	if err != nil {
		return mapError(err, "acknowledge ledger entry")
	}
	if tag.RowsAffected() == 0 {
		if _, err := c.GetEntry(ctx, id); err != nil {
			return err
		}
		return ledger.ErrAlreadyAcknowledged
	}
	return nil
}

func (c *conn) UpdateNotes(ctx context.Context, id ledger.EntryID, summary, privateNote string) error {
	tag, err := c.q.Exec(ctx, `UPDATE ledger_entries SET summary = $1, private_note = $2 WHERE id = $3`,
		summary, privateNote, string(id))
	if err != nil {
		return mapError(err, "update ledger entry notes")
	}
	if tag.RowsAffected() == 0 {
		return ledger.EntryNotFound(id)
	}
	return nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                                     ledger.Entry
		id, membershipID, memberID            string
		programID, staffID, ackStatus         string
		reservationID, signature, digest      *string
		original, discount, final, balanceAft string
	)
	err := row.Scan(&id, &membershipID, &memberID, &programID, &staffID, &reservationID,
		&original, &discount, &final, &balanceAft,
		&e.Summary, &e.PrivateNote, &ackStatus, &signature, &digest, &e.AcknowledgedAt, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.ID = ledger.EntryID(id)
	e.MembershipID = ledger.MembershipID(membershipID)
	e.MemberID = ledger.MemberID(memberID)
	e.ProgramID = ledger.ProgramID(programID)
	e.StaffID = ledger.StaffID(staffID)
	e.AckStatus = ledger.AckStatus(ackStatus)
	e.ReservationID = deref(reservationID)
	e.Signature = deref(signature)
	e.SignatureDigest = deref(digest)
	if err := parseMoney(
		moneyColumn{"original_price", original, &e.OriginalPrice},
		moneyColumn{"discount_rate", discount, &e.DiscountRate},
		moneyColumn{"final_price", final, &e.FinalPrice},
		moneyColumn{"balance_after", balanceAft, &e.BalanceAfter},
	); err != nil {
		return e, fmt.Errorf("scan ledger entry %s: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// COMPLIANCE LOG
// =============================================================================

func (c *conn) AppendCompliance(ctx context.Context, entry ledger.ComplianceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	before, err := json.Marshal(entry.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(entry.After)
	if err != nil {
		return err
	}
	_, err = c.q.Exec(ctx, `
		INSERT INTO compliance_log (id, actor_id, action, member_id, membership_id, entry_id, before_snapshot, after_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, string(entry.ActorID), string(entry.Action), string(entry.MemberID), string(entry.MembershipID),
		nullString(string(entry.EntryID)), string(before), string(after), entry.CreatedAt)
	if err != nil {
		return mapError(err, "append compliance entry")
	}
	return nil
}

func (c *conn) QueryCompliance(ctx context.Context, filter ledger.ComplianceFilter) ([]ledger.ComplianceEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.MemberID != nil {
		where = append(where, "member_id = "+arg(string(*filter.MemberID)))
	}
	if filter.MembershipID != nil {
		where = append(where, "membership_id = "+arg(string(*filter.MembershipID)))
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = "+arg(string(*filter.ActorID)))
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action = ANY("+arg(actions)+")")
	}

	query := `SELECT id, actor_id, action, member_id, membership_id, entry_id, before_snapshot::text, after_snapshot::text, created_at
		FROM compliance_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query compliance log")
	}
	defer rows.Close()

	var out []ledger.ComplianceEntry
	for rows.Next() {
		var (
			ce                                   ledger.ComplianceEntry
			actorID, action, memberID, membershp string
			entryID                              *string
			before, after                        string
		)
		if err := rows.Scan(&ce.ID, &actorID, &action, &memberID, &membershp, &entryID, &before, &after, &ce.CreatedAt); err != nil {
			return nil, err
		}
		ce.ActorID = ledger.ActorID(actorID)
		ce.Action = ledger.ComplianceAction(action)
		ce.MemberID = ledger.MemberID(memberID)
		ce.MembershipID = ledger.MembershipID(membershp)
		ce.EntryID = ledger.EntryID(deref(entryID))
		if err := json.Unmarshal([]byte(before), &ce.Before); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(after), &ce.After); err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION FLAGS
// =============================================================================

func (c *conn) RaiseFlag(ctx context.Context, flag ledger.ReconciliationFlag) error {
	if flag.Status == "" {
		flag.Status = ledger.FlagOpen
	}
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.Exec(ctx, `
		INSERT INTO reconciliation_flags (id, membership_id, entry_id, step, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, flag.ID, string(flag.MembershipID), nullString(string(flag.EntryID)), flag.Step, flag.Reason, string(flag.Status), flag.CreatedAt)
	if err != nil {
		return mapError(err, "raise reconciliation flag")
	}
	return nil
}

func (c *conn) OpenFlags(ctx context.Context) ([]ledger.ReconciliationFlag, error) {
	rows, err := c.q.Query(ctx, `
		SELECT id, membership_id, entry_id, step, reason, status, created_at, resolved_at, resolved_by
		FROM reconciliation_flags
		WHERE status = $1
		ORDER BY created_at ASC
	`, string(ledger.FlagOpen))
	if err != nil {
		return nil, mapError(err, "query reconciliation flags")
	}
	defer rows.Close()

	var out []ledger.ReconciliationFlag
	for rows.Next() {
		var (
			f                    ledger.ReconciliationFlag
			membershipID, status string
			entryID, resolvedBy  *string
		)
		if err := rows.Scan(&f.ID, &membershipID, &entryID, &f.Step, &f.Reason, &status,
			&f.CreatedAt, &f.ResolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		f.MembershipID = ledger.MembershipID(membershipID)
		f.Status = ledger.FlagStatus(status)
		f.EntryID = ledger.EntryID(deref(entryID))
		f.ResolvedBy = ledger.ActorID(deref(resolvedBy))
		out = append(out, f)
	}
	return out, rows.Err()
}

func (c *conn) ResolveFlag(ctx context.Context, id string, by ledger.ActorID, at time.Time) error {
	tag, err := c.q.Exec(ctx, `
		UPDATE reconciliation_flags SET status = $1, resolved_at = $2, resolved_by = $3 WHERE id = $4
	`, string(ledger.FlagResolved), at, string(by), id)
	if err != nil {
		return mapError(err, "resolve reconciliation flag")
	}
	if tag.RowsAffected() == 0 {
		return ledger.FlagNotFound(id)
	}
	return nil
}

// Helper functions

func mapError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return ledger.ErrDuplicateID
		case "40001", "40P01":
			return ledger.ErrConcurrentModification
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// moneyColumn is a decimal column read as text.
type moneyColumn struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

// parseMoney fills every column or fails on the first unparseable value.
func parseMoney(cols ...moneyColumn) error {
	for _, c := range cols {
		d, err := decimal.NewFromString(c.raw)
		if err != nil {
			return fmt.Errorf("column %s holds %q: %w", c.name, c.raw, err)
		}
		*c.dst = d
	}
	return nil
}
