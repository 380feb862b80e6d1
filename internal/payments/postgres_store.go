package payments

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payments in PostgreSQL. Status transitions are
// conditional UPDATEs keyed on the expected prior status.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const paymentColumns = `id, caller_address, amount, chain_id, status, tx_hash,
		       note, stuck_reason, resolved_by, created_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, pm *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, caller_address, amount, chain_id, status, tx_hash,
			note, stuck_reason, resolved_by, created_at, settled_at
		) VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8, $9, $10, $11)`,
		pm.ID, pm.CallerAddress, pm.Amount, pm.ChainID, string(pm.Status),
		nullString(pm.TxHash), nullString(pm.Note), nullString(pm.StuckReason),
		nullString(pm.ResolvedBy), pm.CreatedAt, nullTime(pm.SettledAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pm, err
}

func (p *PostgresStore) SetSettled(ctx context.Context, id string, status Status, txHash, note string) (*Payment, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $1, tx_hash = $2, note = $3, settled_at = $4
		WHERE id = $5 AND status = $6
		RETURNING `+paymentColumns,
		string(status), nullString(txHash), nullString(note), time.Now().UTC(),
		id, string(StatusHeld),
	)
	return p.scanTransition(ctx, row, id)
}

func (p *PostgresStore) SetStuck(ctx context.Context, id string, reason string) (*Payment, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $1, stuck_reason = $2
		WHERE id = $3 AND status = $4
		RETURNING `+paymentColumns,
		string(StatusStuck), reason, id, string(StatusHeld),
	)
	return p.scanTransition(ctx, row, id)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, txRef, operator string) (*Payment, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $1, tx_hash = $2, resolved_by = $3, settled_at = $4
		WHERE id = $5 AND status = $6
		RETURNING `+paymentColumns,
		string(status), txRef, operator, time.Now().UTC(),
		id, string(StatusStuck),
	)
	return p.scanTransition(ctx, row, id)
}

// scanTransition interprets a conditional UPDATE ... RETURNING result:
// a row means this call performed the transition; no row means either
// the payment does not exist or it was already past the expected status.
func (p *PostgresStore) scanTransition(ctx context.Context, row *sql.Row, id string) (*Payment, bool, error) {
	pm, err := scanPayment(row)
	if err == sql.ErrNoRows {
		existing, err := p.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pm, true, nil
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pm := &Payment{}
	var (
		status      string
		txHash      sql.NullString
		note        sql.NullString
		stuckReason sql.NullString
		resolvedBy  sql.NullString
		settledAt   sql.NullTime
	)

	err := s.Scan(
		&pm.ID, &pm.CallerAddress, &pm.Amount, &pm.ChainID, &status, &txHash,
		&note, &stuckReason, &resolvedBy, &pm.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	pm.Status = Status(status)
	pm.TxHash = txHash.String
	pm.Note = note.String
	pm.StuckReason = stuckReason.String
	pm.ResolvedBy = resolvedBy.String
	if settledAt.Valid {
		pm.SettledAt = &settledAt.Time
	}
	return pm, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pm, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pm)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
