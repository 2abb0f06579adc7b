package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/coinledger/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS transfers (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	amount       BIGINT NOT NULL CHECK (amount > 0),
	status       TEXT NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending', 'claimed', 'expired', 'cancelled')),
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transfers_sender_idx ON transfers (lower(sender_id));
CREATE INDEX IF NOT EXISTS transfers_recipient_idx ON transfers (lower(recipient_id));
CREATE INDEX IF NOT EXISTS transfers_pending_expiry_idx ON transfers (expires_at) WHERE status = 'pending';
`

// PostgresStore keeps the ledger in PostgreSQL.
type PostgresStore struct {
	Db *pgxpool.Pool
}

// NewPostgresStore connects to connString and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

// Migrate creates the ledger schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Insert writes a new pending record; existing IDs are never overwritten.
func (s *PostgresStore) Insert(ctx context.Context, rec domain.TransferRecord) error {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO transfers (id, sender_id, recipient_id, amount, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SenderID, rec.RecipientID, domain.ToCents(rec.Amount), string(rec.Status),
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Get retrieves transfer details.
func (s *PostgresStore) Get(ctx context.Context, id string) (domain.TransferRecord, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT id, sender_id, recipient_id, amount, status, created_at, expires_at
		 FROM transfers WHERE id = $1`, id)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("transfer lookup failed: %w", err)
	}
	return rec, nil
}

// ListByAccount retrieves every record the account took part in.
func (s *PostgresStore) ListByAccount(ctx context.Context, account string) ([]domain.TransferRecord, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, sender_id, recipient_id, amount, status, created_at, expires_at
		 FROM transfers
		 WHERE lower(sender_id) = lower($1) OR lower(recipient_id) = lower($1)
		 ORDER BY created_at DESC, id DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("transfer list failed: %w", err)
	}
	defer rows.Close()

	var records []domain.TransferRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("transfer scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Transition is a conditional update: it only applies while the row is still in from.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE transfers SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("transfer transition failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE transfers SET status = 'expired', updated_at = now()
		 WHERE status = 'pending' AND expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPostgresRecord(row pgx.Row) (domain.TransferRecord, error) {
	var (
		rec    domain.TransferRecord
		cents  int64
		status string
	)
	if err := row.Scan(&rec.ID, &rec.SenderID, &rec.RecipientID, &cents, &status, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return domain.TransferRecord{}, err
	}
	rec.Amount = domain.FromCents(cents)
	rec.Status = domain.Status(status)
	if !rec.Status.Valid() {
		return domain.TransferRecord{}, fmt.Errorf("record %s has unknown status %q", rec.ID, status)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}
