package directory

import (
	"context"
	"database/sql"
)

// PostgresStore persists directory entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO directory_entries (
			routing_id, display_name, phone_number, payout_address,
			price_usdc, requires_verification, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9)`,
		e.RoutingID, nullString(e.DisplayName), e.PhoneNumber, e.PayoutAddress,
		e.PriceUSDC, e.RequiresVerification, e.Active, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const entryColumns = `routing_id, display_name, phone_number, payout_address,
		       price_usdc, requires_verification, active, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, routingID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM directory_entries WHERE routing_id = $1`, routingID)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE directory_entries SET
			display_name = $1, payout_address = $2, price_usdc = $3::NUMERIC(20,6),
			requires_verification = $4, active = $5, updated_at = $6
		WHERE routing_id = $7`,
		nullString(e.DisplayName), e.PayoutAddress, e.PriceUSDC,
		e.RequiresVerification, e.Active, e.UpdatedAt, e.RoutingID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM directory_entries
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var displayName sql.NullString

	err := s.Scan(
		&e.RoutingID, &displayName, &e.PhoneNumber, &e.PayoutAddress,
		&e.PriceUSDC, &e.RequiresVerification, &e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.DisplayName = displayName.String
	return e, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
