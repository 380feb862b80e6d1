package calls

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists call sessions in PostgreSQL. The state machine
// transitions are single conditional UPDATEs so concurrent callbacks
// cannot interleave a read-then-write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed call session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `id, caller_address, callee_routing_id, payment_id, status,
		       leg_id, duration_sec, verified_at, finalized_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_sessions (
			id, caller_address, callee_routing_id, payment_id, status,
			leg_id, duration_sec, verified_at, finalized_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.CallerAddress, s.CalleeRoutingID, s.PaymentID, string(s.Status),
		nullString(s.LegID), s.DurationSec, nullTime(s.VerifiedAt), nullTime(s.FinalizedAt),
		s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id)
	return scanSessionRow(row)
}

func (p *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE payment_id = $1`, paymentID)
	return scanSessionRow(row)
}

func (p *PostgresStore) GetByLegID(ctx context.Context, legID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE leg_id = $1`, legID)
	return scanSessionRow(row)
}

func (p *PostgresStore) LinkLeg(ctx context.Context, paymentID, legID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET leg_id = $1, updated_at = $2
		WHERE payment_id = $3 AND leg_id IS NULL`,
		legID, time.Now().UTC(), paymentID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either already linked (fine) or no such session.
		var exists bool
		err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM call_sessions WHERE payment_id = $1)`,
			paymentID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (p *PostgresStore) MarkVerified(ctx context.Context, legID string) (*Session, bool, error) {
	now := time.Now().UTC()
	row := p.db.QueryRowContext(ctx, `
		UPDATE call_sessions
		SET status = $1, verified_at = $2, updated_at = $2
		WHERE leg_id = $3 AND status = $4 AND finalized_at IS NULL
		RETURNING `+sessionColumns,
		string(StatusVerified), now, legID, string(StatusPending),
	)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		// Lost the race or already past pending; return the current row.
		existing, err := p.GetByLegID(ctx, legID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) Finalize(ctx context.Context, legID string, fallback Status, durationSec int) (*Session, bool, error) {
	now := time.Now().UTC()
	// Verified-wins merge and the terminal barrier in one statement.
	row := p.db.QueryRowContext(ctx, `
		UPDATE call_sessions
		SET status = CASE WHEN status = $1 THEN status ELSE $2 END,
		    duration_sec = $3, finalized_at = $4, updated_at = $4
		WHERE leg_id = $5 AND finalized_at IS NULL
		RETURNING `+sessionColumns,
		string(StatusVerified), string(fallback), durationSec, now, legID,
	)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		existing, err := p.GetByLegID(ctx, legID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) EnsureCaller(ctx context.Context, address string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO callers (address, first_seen_at)
		VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`,
		address, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM call_sessions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionRow(row *sql.Row) (*Session, error) {
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		status      string
		legID       sql.NullString
		verifiedAt  sql.NullTime
		finalizedAt sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.CallerAddress, &s.CalleeRoutingID, &s.PaymentID, &status,
		&legID, &s.DurationSec, &verifiedAt, &finalizedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.LegID = legID.String
	if verifiedAt.Valid {
		s.VerifiedAt = &verifiedAt.Time
	}
	if finalizedAt.Valid {
		s.FinalizedAt = &finalizedAt.Time
	}
	return s, nil
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
