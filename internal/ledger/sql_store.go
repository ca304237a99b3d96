package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/pagination"
)

// Dialect captures the differences between the SQL backends SQLStore runs on.
type Dialect struct {
	Driver string
	// rowLock is appended to the balance SELECT. SQLite has no row locks; its
	// connections are opened with _txlock=immediate so every txn holds the
	// database write lock instead.
	rowLock string
}

var (
	Postgres = Dialect{Driver: "postgres", rowLock: " FOR UPDATE"}
	SQLite   = Dialect{Driver: "sqlite3"}
)

// DialectFor returns the dialect registered under a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case Postgres.Driver:
		return Postgres, nil
	case SQLite.Driver, "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("ledger: unsupported driver %q", driver)
}

// SQLStore implements Store on PostgreSQL or SQLite. Both share the schema in
// migrations/; amounts are stored as 2dp decimal text or NUMERIC(20,2).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore creates a SQL-backed ledger store.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const (
	balanceColumns = `account_id, business_id, agent_id, available, held, funded, captured, refunded, disbursed, updated_at`
	holdColumns    = `hold_id, business_id, agent_id, account_id, amount, state, idempotency_key, reference, purpose, created_at, updated_at`
	entryColumns   = `entry_id, business_id, agent_id, account_id, hold_id, type, amount, idempotency_key, reference, created_at`
)

func (s *SQLStore) GetBalance(ctx context.Context, acct Account) (*Balance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM agent_balances WHERE account_id = $1`, acct.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return zeroBalance(acct, s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// Append runs the posting in one transaction. When a concurrent posting
// commits the same idempotency key first, the unique index rejects the
// insert and the posting is resolved again as a replay.
func (s *SQLStore) Append(ctx context.Context, p *Posting) (*AppendResult, error) {
	if err := validatePosting(p); err != nil {
		return nil, err
	}
	res, err := s.appendTx(ctx, p)
	if err != nil && database.IsUniqueViolation(err) {
		return s.appendTx(ctx, p)
	}
	return res, err
}

func (s *SQLStore) appendTx(ctx context.Context, p *Posting) (*AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := post(ctx, &sqlTxn{tx: tx, dialect: s.dialect}, p, s.now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *SQLStore) GetHold(ctx context.Context, businessID, holdID string) (*Hold, error) {
	h, err := scanHold(s.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE hold_id = $1 AND business_id = $2`, holdID, businessID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

func (s *SQLStore) EntryByKey(ctx context.Context, key string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entry by key: %w", err)
	}
	return e, nil
}

func (s *SQLStore) ListHolds(ctx context.Context, f HoldFilter) ([]*Hold, error) {
	q := newWhere("business_id", f.BusinessID)
	q.optional("agent_id", f.AgentID)
	q.optional("state", string(f.State))
	q.window("created_at", f.From, f.To)
	q.after("hold_id", f.After)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+holdColumns+` FROM holds`+q.sql()+` ORDER BY created_at DESC, hold_id DESC LIMIT `+q.next(),
		append(q.args, clampLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanHold)
}

func (s *SQLStore) ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	q := newWhere("business_id", f.BusinessID)
	q.optional("agent_id", f.AgentID)
	q.optional("hold_id", f.HoldID)
	q.optional("type", string(f.Type))
	q.window("created_at", f.From, f.To)
	q.after("entry_id", f.After)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries`+q.sql()+` ORDER BY created_at DESC, entry_id DESC LIMIT `+q.next(),
		append(q.args, clampLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanEntry)
}

func (s *SQLStore) ListBalances(ctx context.Context, f AccountFilter) ([]*Balance, error) {
	q := newWhere("business_id", f.BusinessID)
	q.optional("agent_id", f.AgentID)
	switch f.Type {
	case AccountTreasury:
		q.cond("account_id LIKE ?", TreasuryPrefix+":%")
	case AccountAgent:
		q.cond("account_id LIKE ?", OwnerPrefix+":%")
	}
	if f.After != "" {
		q.cond("account_id > ?", f.After)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM agent_balances`+q.sql()+` ORDER BY account_id ASC LIMIT `+q.next(),
		append(q.args, clampLimit(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanBalance)
}

func (s *SQLStore) ListStaleHolds(ctx context.Context, before time.Time, limit int) ([]*Hold, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE state = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		string(HoldOpen), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale holds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collect(rows, scanHold)
}

// sqlTxn runs post's steps on an open transaction.
type sqlTxn struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTxn) entryByKey(ctx context.Context, key string) (*Entry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *sqlTxn) hold(ctx context.Context, businessID, holdID string) (*Hold, error) {
	h, err := scanHold(t.tx.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE hold_id = $1 AND business_id = $2`, holdID, businessID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	return h, err
}

func (t *sqlTxn) lockBalance(ctx context.Context, acct Account, at time.Time) (*Balance, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO agent_balances (`+balanceColumns+`)
		VALUES ($1, $2, $3, '0.00', '0.00', '0.00', '0.00', '0.00', '0.00', $4)
		ON CONFLICT (account_id) DO NOTHING
	`, acct.ID, acct.BusinessID, acct.AgentID, at)
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	b, err := scanBalance(t.tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM agent_balances WHERE account_id = $1`+t.dialect.rowLock, acct.ID))
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}
	return b, nil
}

func (t *sqlTxn) insertHold(ctx context.Context, h *Hold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, h.ID, h.BusinessID, h.AgentID, h.AccountID, money.Format(h.Amount), string(h.State),
		h.IdempotencyKey, h.Reference, h.Purpose, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

func (t *sqlTxn) casHold(ctx context.Context, businessID, holdID string, tr Transition, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE holds SET state = $1, updated_at = $2
		WHERE hold_id = $3 AND business_id = $4 AND state = $5
	`, string(tr.To), at, holdID, businessID, string(tr.From))
	if err != nil {
		return false, fmt.Errorf("transition hold: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition hold: %w", err)
	}
	return n == 1, nil
}

func (t *sqlTxn) saveBalance(ctx context.Context, b *Balance) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE agent_balances SET
			available = $1, held = $2, funded = $3, captured = $4, refunded = $5, disbursed = $6, updated_at = $7
		WHERE account_id = $8
	`, money.Format(b.Available), money.Format(b.Held), money.Format(b.Funded),
		money.Format(b.Captured), money.Format(b.Refunded), money.Format(b.Disbursed), b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

func (t *sqlTxn) insertEntry(ctx context.Context, e *Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.BusinessID, e.AgentID, e.AccountID, nullString(e.HoldID), string(e.Type),
		money.Format(e.Amount), e.IdempotencyKey, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// where builds a WHERE clause with $N placeholders numbered in order of
// appearance, which both lib/pq and go-sqlite3 bind positionally. No
// placeholder is used twice.
type where struct {
	conds []string
	args  []any
}

func newWhere(col string, val any) *where {
	w := &where{}
	w.add(col, val)
	return w
}

func (w *where) add(col string, val any) {
	w.cond(col+" = ?", val)
}

// cond appends expr with each ? replaced by the next placeholder.
func (w *where) cond(expr string, vals ...any) {
	var b strings.Builder
	i := 0
	for _, r := range expr {
		if r == '?' && i < len(vals) {
			w.args = append(w.args, vals[i])
			fmt.Fprintf(&b, "$%d", len(w.args))
			i++
			continue
		}
		b.WriteRune(r)
	}
	w.conds = append(w.conds, b.String())
}

func (w *where) optional(col, val string) {
	if val != "" {
		w.add(col, val)
	}
}

// window bounds col to [from, to); zero bounds are skipped.
func (w *where) window(col string, from, to time.Time) {
	if !from.IsZero() {
		w.cond(col+" >= ?", from.UTC())
	}
	if !to.IsZero() {
		w.cond(col+" < ?", to.UTC())
	}
}

// after resumes a (created_at DESC, id DESC) listing past c.
func (w *where) after(idCol string, c *pagination.Cursor) {
	if c == nil {
		return
	}
	at := c.CreatedAt.UTC()
	w.cond("(created_at < ? OR (created_at = ? AND "+idCol+" < ?))", at, at, c.ID)
}

func (w *where) sql() string {
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// next returns the placeholder for the argument after the filter args.
func (w *where) next() string {
	return fmt.Sprintf("$%d", len(w.args)+1)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*Balance, error) {
	b := &Balance{}
	err := row.Scan(&b.ID, &b.BusinessID, &b.AgentID,
		&b.Available, &b.Held, &b.Funded, &b.Captured, &b.Refunded, &b.Disbursed, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanHold(row rowScanner) (*Hold, error) {
	h := &Hold{}
	var state string
	var ref, purpose sql.NullString
	err := row.Scan(&h.ID, &h.BusinessID, &h.AgentID, &h.AccountID, &h.Amount, &state,
		&h.IdempotencyKey, &ref, &purpose, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.State = HoldState(state)
	h.Reference = ref.String
	h.Purpose = purpose.String
	return h, nil
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var typ string
	var holdID, ref sql.NullString
	err := row.Scan(&e.ID, &e.BusinessID, &e.AgentID, &e.AccountID, &holdID, &typ,
		&e.Amount, &e.IdempotencyKey, &ref, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.HoldID = holdID.String
	e.Reference = ref.String
	return e, nil
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
