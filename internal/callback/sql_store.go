package callback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doseal/agentwallet/internal/database"
	"github.com/doseal/agentwallet/internal/gateway"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/pagination"
)

// SQLStore persists transactions in PostgreSQL or SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database-backed transaction store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const transactionColumns = `transaction_id, business_id, tenant_id, agent_id, internal_reference, leg,
	status, status_message, amount, ledger_hold_id, common_identifier, description, payout_details,
	medium, payment_mode, sender_country, sender_name, sender_phone, gateway_ref, gateway_id,
	cr_created, reversed, ledger_mismatch, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, t *Transaction) error {
	var payout sql.NullString
	if t.Payout != nil {
		raw, err := json.Marshal(t.Payout)
		if err != nil {
			return fmt.Errorf("encode payout details: %w", err)
		}
		payout = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		t.ID, t.BusinessID, nullString(t.TenantID), nullString(t.AgentID), t.InternalReference, string(t.Leg),
		string(t.Status), nullString(t.StatusMessage), money.Format(t.Amount), nullString(t.LedgerHoldID),
		nullString(t.CommonIdentifier), nullString(t.Description), payout,
		nullString(t.Medium), nullString(t.PaymentMode), nullString(t.SenderCountry),
		nullString(t.SenderName), nullString(t.SenderPhone), nullString(t.GatewayRef), nullString(t.GatewayID),
		t.CRCreated, t.Reversed, t.LedgerMismatch, t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if database.IsUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (s *SQLStore) GetByReference(ctx context.Context, reference string, leg Leg) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE internal_reference = $1 AND leg = $2`,
		reference, string(leg))
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (s *SQLStore) Update(ctx context.Context, businessID, id string, u Update) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.StatusMessage != nil {
		set("status_message", *u.StatusMessage)
	}
	if u.GatewayRef != nil {
		set("gateway_ref", *u.GatewayRef)
	}
	if u.GatewayID != nil {
		set("gateway_id", *u.GatewayID)
	}
	if u.CRCreated != nil {
		set("cr_created", *u.CRCreated)
	}
	if u.Reversed != nil {
		set("reversed", *u.Reversed)
	}
	if u.LedgerMismatch != nil {
		set("ledger_mismatch", *u.LedgerMismatch)
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id, businessID)

	q := fmt.Sprintf(`UPDATE transactions SET %s WHERE transaction_id = $%d AND business_id = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (s *SQLStore) ListByBusiness(ctx context.Context, businessID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE business_id = $1`
	args := []any{businessID}
	if after != nil {
		query += ` AND (created_at < $2 OR (created_at = $2 AND transaction_id < $3))`
		args = append(args, after.CreatedAt.UTC(), after.ID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, transaction_id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var leg, status string
	var tenant, agent, msg, hold, common, desc, payout, medium, mode,
		country, name, phone, gwRef, gwID sql.NullString
	err := row.Scan(&t.ID, &t.BusinessID, &tenant, &agent, &t.InternalReference, &leg,
		&status, &msg, &t.Amount, &hold, &common, &desc, &payout,
		&medium, &mode, &country, &name, &phone, &gwRef, &gwID,
		&t.CRCreated, &t.Reversed, &t.LedgerMismatch, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Leg = Leg(leg)
	t.Status = gateway.Code(status)
	t.TenantID = tenant.String
	t.AgentID = agent.String
	t.StatusMessage = msg.String
	t.LedgerHoldID = hold.String
	t.CommonIdentifier = common.String
	t.Description = desc.String
	t.Medium = medium.String
	t.PaymentMode = mode.String
	t.SenderCountry = country.String
	t.SenderName = name.String
	t.SenderPhone = phone.String
	t.GatewayRef = gwRef.String
	t.GatewayID = gwID.String
	if payout.Valid && payout.String != "" {
		t.Payout = &PayoutDetails{}
		if err := json.Unmarshal([]byte(payout.String), t.Payout); err != nil {
			return nil, fmt.Errorf("decode payout details: %w", err)
		}
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
