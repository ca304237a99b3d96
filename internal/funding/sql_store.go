package funding

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doseal/agentwallet/internal/money"
)

// SQLStore persists funding requests in PostgreSQL or SQLite. The queries use
// only ascending $N placeholders, which both drivers accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a database-backed funding store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const requestColumns = `request_id, business_id, agent_id, amount, status, attempts,
	created_by, note, idempotency_key, reference, entry_id, last_error, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.BusinessID, r.AgentID, money.Format(r.Amount), string(r.Status), r.Attempts,
		nullString(r.CreatedBy), nullString(r.Note), nullString(r.IdempotencyKey), nullString(r.Reference),
		nullString(r.EntryID), nullString(r.LastError), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) Get(ctx context.Context, businessID, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM funding_requests WHERE request_id = $1 AND business_id = $2`,
		id, businessID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *SQLStore) Update(ctx context.Context, r *Request) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE funding_requests SET
			status = $1, attempts = $2, entry_id = $3, last_error = $4, updated_at = $5
		WHERE request_id = $6`,
		string(r.Status), r.Attempts, nullString(r.EntryID), nullString(r.LastError), r.UpdatedAt.UTC(), r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, businessID, agentID string, limit int) ([]*Request, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+requestColumns+` FROM funding_requests WHERE business_id = $1
			 ORDER BY created_at DESC LIMIT $2`, businessID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+requestColumns+` FROM funding_requests WHERE business_id = $1 AND agent_id = $2
			 ORDER BY created_at DESC LIMIT $3`, businessID, agentID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	r := &Request{}
	var status string
	var createdBy, note, idem, ref, entryID, lastErr sql.NullString
	err := row.Scan(&r.ID, &r.BusinessID, &r.AgentID, &r.Amount, &status, &r.Attempts,
		&createdBy, &note, &idem, &ref, &entryID, &lastErr, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedBy = createdBy.String
	r.Note = note.String
	r.IdempotencyKey = idem.String
	r.Reference = ref.String
	r.EntryID = entryID.String
	r.LastError = lastErr.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
