/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. The PostgreSQL
  store in store/postgres follows the same layout with dialect changes.

INTERFACES IMPLEMENTED:
  ledger.MembershipStore: Balance accounts with version-checked cache writes
  ledger.EntryStore:      Ledger entries
  ledger.ComplianceLog:   Append-only audit trail
  ledger.FlagStore:       Manual-reconciliation markers
  ledger.TxStore:         Server-side transactions

IMMUTABILITY ENFORCEMENT:
  Triggers reject, at the database level:
  - UPDATE of memberships.total
  - UPDATE of any financial column on ledger_entries
  - UPDATE or DELETE on compliance_log

  ledger_entries rows can still be DELETEd. The settlement saga needs that
  to undo a create_entry step; nothing else calls DeleteEntry.

KEY TABLES:
  memberships:          Prepaid balance accounts (cached remaining/used + version)
  ledger_entries:       One row per settled service session
  compliance_log:       Who changed which balance, before/after snapshots
  reconciliation_flags: Memberships awaiting manual reconciliation

CONCURRENCY:
  The pool is capped at one connection. ":memory:" databases are per
  connection, and SQLite allows one writer anyway. Queries issued outside a
  WithTx wait for it to commit.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coordinator, err := settlement.New(settlement.Config{Store: store, ...})

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/membership-ledger/ledger"
)

// Fixed-width layout so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements ledger.Store against a querier.
type conn struct {
	q querier
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		total TEXT NOT NULL,
		remaining TEXT NOT NULL,
		used TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_member
		ON memberships(member_id);

	CREATE TRIGGER IF NOT EXISTS trg_memberships_total_immutable
	BEFORE UPDATE OF total ON memberships
	BEGIN
		SELECT RAISE(ABORT, 'membership total is immutable');
	END;

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL REFERENCES memberships(id),
		member_id TEXT NOT NULL,
		program_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		reservation_id TEXT,
		original_price TEXT NOT NULL,
		discount_rate TEXT NOT NULL,
		final_price TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		private_note TEXT NOT NULL DEFAULT '',
		ack_status TEXT NOT NULL,
		signature TEXT,
		signature_digest TEXT,
		acknowledged_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Derivation hot path: every entry of a membership
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_membership
		ON ledger_entries(membership_id);

	CREATE TRIGGER IF NOT EXISTS trg_ledger_entries_immutable
	BEFORE UPDATE OF membership_id, member_id, original_price, discount_rate, final_price, balance_after
	ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entry financial fields are immutable');
	END;

	CREATE TABLE IF NOT EXISTS compliance_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		member_id TEXT NOT NULL,
		membership_id TEXT NOT NULL,
		entry_id TEXT,
		before_json TEXT NOT NULL,
		after_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compliance_log_member
		ON compliance_log(member_id);
	CREATE INDEX IF NOT EXISTS idx_compliance_log_membership
		ON compliance_log(membership_id);

	CREATE TRIGGER IF NOT EXISTS trg_compliance_log_no_update
	BEFORE UPDATE ON compliance_log
	BEGIN
		SELECT RAISE(ABORT, 'compliance log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_compliance_log_no_delete
	BEFORE DELETE ON compliance_log
	BEGIN
		SELECT RAISE(ABORT, 'compliance log is append-only');
	END;

	CREATE TABLE IF NOT EXISTS reconciliation_flags (
		id TEXT PRIMARY KEY,
		membership_id TEXT NOT NULL,
		entry_id TEXT,
		step TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		resolved_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_flags_status
		ON reconciliation_flags(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// fn must only use the store it is given; the parent waits for the commit.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// MEMBERSHIP STORE
// =============================================================================

const membershipColumns = `id, member_id, total, remaining, used, status, expires_at, version, created_at, updated_at`

func (c *conn) CreateMembership(ctx context.Context, m ledger.Membership) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = ledger.MembershipActive
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.MemberID,
		m.Total.String(), m.Remaining.String(), m.Used.String(),
		m.Status, nullTime(m.ExpiresAt), m.Version,
		formatTime(m.CreatedAt), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to create membership: %w", err)
	}
	return nil
}

func (c *conn) GetMembership(ctx context.Context, id ledger.MembershipID) (ledger.Membership, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = ?`, id)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Membership{}, ledger.MembershipNotFound(id)
	}
	return m, err
}

func (c *conn) MembershipsByMember(ctx context.Context, memberID ledger.MemberID) ([]ledger.Membership, error) {
	return c.queryMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE member_id = ? ORDER BY id`, memberID)
}

func (c *conn) AllMemberships(ctx context.Context) ([]ledger.Membership, error) {
	return c.queryMemberships(ctx, `SELECT `+membershipColumns+` FROM memberships ORDER BY id`)
}

func (c *conn) queryMemberships(ctx context.Context, query string, args ...any) ([]ledger.Membership, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
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

// UpdateBalance writes the cached pair only if version still matches.
func (c *conn) UpdateBalance(ctx context.Context, id ledger.MembershipID, expectedVersion int64, remaining, used decimal.Decimal) (ledger.Membership, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE memberships
		SET remaining = ?, used = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, remaining.String(), used.String(), formatTime(time.Now().UTC()), id, expectedVersion)
	if err != nil {
		return ledger.Membership{}, fmt.Errorf("failed to update balance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Membership{}, err
	}
	if n == 0 {
		// Either the row is gone or someone else bumped the version
		if _, err := c.GetMembership(ctx, id); err != nil {
			return ledger.Membership{}, err
		}
		return ledger.Membership{}, ledger.ErrConcurrentModification
	}

	return c.GetMembership(ctx, id)
}

func (c *conn) SetStatus(ctx context.Context, id ledger.MembershipID, status ledger.MembershipStatus) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE memberships SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set membership status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.MembershipNotFound(id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMembership(row scanner) (ledger.Membership, error) {
	var (
		m                      ledger.Membership
		total, remaining, used string
		expiresAt              sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&m.ID, &m.MemberID, &total, &remaining, &used, &m.Status,
		&expiresAt, &m.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan membership: %w", err)
	}

	if err := parseMoney(
		moneyColumn{"total", total, &m.Total},
		moneyColumn{"remaining", remaining, &m.Remaining},
		moneyColumn{"used", used, &m.Used},
	); err != nil {
		return m, fmt.Errorf("failed to scan membership %s: %w", m.ID, err)
	}
	if expiresAt.Valid {
		m.ExpiresAt = parseTime(expiresAt.String)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

const entryColumns = `id, membership_id, member_id, program_id, staff_id, reservation_id,
	original_price, discount_rate, final_price, balance_after, summary, private_note,
	ack_status, signature, signature_digest, acknowledged_at, created_at`

func (c *conn) CreateEntry(ctx context.Context, e ledger.Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.AckStatus == "" {
		e.AckStatus = ledger.AckPending
	}

	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.MembershipID, e.MemberID, e.ProgramID, e.StaffID, nullString(e.ReservationID),
		e.OriginalPrice.String(), e.DiscountRate.String(), e.FinalPrice.String(), e.BalanceAfter.String(),
		e.Summary, e.PrivateNote,
		e.AckStatus, nullString(e.Signature), nullString(e.SignatureDigest), nullTimePtr(e.AcknowledgedAt),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateID
		}
		if isForeignKeyError(err) {
			return ledger.MembershipNotFound(e.MembershipID)
		}
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

func (c *conn) GetEntry(ctx context.Context, id ledger.EntryID) (ledger.Entry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, ledger.EntryNotFound(id)
	}
	return e, err
}

func (c *conn) EntriesByMembership(ctx context.Context, id ledger.MembershipID) ([]ledger.Entry, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE membership_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
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
	if _, err := c.q.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ledger entry: %w", err)
	}
	return nil
}

func (c *conn) Acknowledge(ctx context.Context, id ledger.EntryID, signature, digest string, at time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET ack_status = ?, signature = ?, signature_digest = ?, acknowledged_at = ?
		WHERE id = ? AND ack_status = ?
	`, ledger.AckCompleted, signature, digest, formatTime(at), id, ledger.AckPending)
	if err != nil {
		return fmt.Errorf("failed to acknowledge ledger entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := c.GetEntry(ctx, id); err != nil {
			return err
		}
		return ledger.ErrAlreadyAcknowledged
	}
	return nil
}

func (c *conn) UpdateNotes(ctx context.Context, id ledger.EntryID, summary, privateNote string) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE ledger_entries SET summary = ?, private_note = ? WHERE id = ?`,
		summary, privateNote, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry notes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.EntryNotFound(id)
	}
	return nil
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                  ledger.Entry
		reservationID, signature, digest   sql.NullString
		acknowledgedAt                     sql.NullString
		original, discount, final, balance string
		createdAt                          string
	)
	err := row.Scan(
		&e.ID, &e.MembershipID, &e.MemberID, &e.ProgramID, &e.StaffID, &reservationID,
		&original, &discount, &final, &balance, &e.Summary, &e.PrivateNote,
		&e.AckStatus, &signature, &digest, &acknowledgedAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.ReservationID = reservationID.String
	if err := parseMoney(
		moneyColumn{"original_price", original, &e.OriginalPrice},
		moneyColumn{"discount_rate", discount, &e.DiscountRate},
		moneyColumn{"final_price", final, &e.FinalPrice},
		moneyColumn{"balance_after", balance, &e.BalanceAfter},
	); err != nil {
		return e, fmt.Errorf("failed to scan ledger entry %s: %w", e.ID, err)
	}
	e.Signature = signature.String
	e.SignatureDigest = digest.String
	if acknowledgedAt.Valid {
		t := parseTime(acknowledgedAt.String)
		e.AcknowledgedAt = &t
	}
	e.CreatedAt = parseTime(createdAt)
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

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO compliance_log
		(id, actor_id, action, member_id, membership_id, entry_id, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.ActorID, entry.Action, entry.MemberID, entry.MembershipID,
		nullString(string(entry.EntryID)), string(before), string(after), formatTime(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to append compliance entry: %w", err)
	}
	return nil
}

func (c *conn) QueryCompliance(ctx context.Context, filter ledger.ComplianceFilter) ([]ledger.ComplianceEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.MemberID != nil {
		where = append(where, "member_id = ?")
		args = append(args, *filter.MemberID)
	}
	if filter.MembershipID != nil {
		where = append(where, "membership_id = ?")
		args = append(args, *filter.MembershipID)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT id, actor_id, action, member_id, membership_id, entry_id, before_json, after_json, created_at
		FROM compliance_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query compliance log: %w", err)
	}
	defer rows.Close()

	var out []ledger.ComplianceEntry
	for rows.Next() {
		var (
			ce            ledger.ComplianceEntry
			entryID       sql.NullString
			before, after string
			createdAt     string
		)
		if err := rows.Scan(&ce.ID, &ce.ActorID, &ce.Action, &ce.MemberID, &ce.MembershipID,
			&entryID, &before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan compliance entry: %w", err)
		}
		ce.EntryID = ledger.EntryID(entryID.String)
		if err := json.Unmarshal([]byte(before), &ce.Before); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(after), &ce.After); err != nil {
			return nil, err
		}
		ce.CreatedAt = parseTime(createdAt)
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
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO reconciliation_flags (id, membership_id, entry_id, step, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, flag.ID, flag.MembershipID, nullString(string(flag.EntryID)), flag.Step, flag.Reason, flag.Status, formatTime(flag.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to raise reconciliation flag: %w", err)
	}
	return nil
}

func (c *conn) OpenFlags(ctx context.Context) ([]ledger.ReconciliationFlag, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, membership_id, entry_id, step, reason, status, created_at, resolved_at, resolved_by
		FROM reconciliation_flags
		WHERE status = ?
		ORDER BY created_at ASC
	`, ledger.FlagOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation flags: %w", err)
	}
	defer rows.Close()

	var out []ledger.ReconciliationFlag
	for rows.Next() {
		var (
			f                               ledger.ReconciliationFlag
			entryID, resolvedAt, resolvedBy sql.NullString
			createdAt                       string
		)
		if err := rows.Scan(&f.ID, &f.MembershipID, &entryID, &f.Step, &f.Reason, &f.Status,
			&createdAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation flag: %w", err)
		}
		f.EntryID = ledger.EntryID(entryID.String)
		f.CreatedAt = parseTime(createdAt)
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			f.ResolvedAt = &t
		}
		f.ResolvedBy = ledger.ActorID(resolvedBy.String)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (c *conn) ResolveFlag(ctx context.Context, id string, by ledger.ActorID, at time.Time) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE reconciliation_flags SET status = ?, resolved_at = ?, resolved_by = ? WHERE id = ?
	`, ledger.FlagResolved, formatTime(at), by, id)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.FlagNotFound(id)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullTime(*t)
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

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
