package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/punchamoorthee/coinledger/internal/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transfers (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	amount       INTEGER NOT NULL CHECK (amount > 0),
	status       TEXT NOT NULL DEFAULT 'pending'
	             CHECK (status IN ('pending', 'claimed', 'expired', 'cancelled')),
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transfers_sender_idx ON transfers (lower(sender_id));
CREATE INDEX IF NOT EXISTS transfers_recipient_idx ON transfers (lower(recipient_id));
CREATE INDEX IF NOT EXISTS transfers_status_expiry_idx ON transfers (status, expires_at);
`

// SQLiteStore keeps the ledger in a single SQLite file. It suits one-node
// deployments; writes are serialized through a single connection.
type SQLiteStore struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens (or creates) the ledger database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec domain.TransferRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, sender_id, recipient_id, amount, status, created_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SenderID, rec.RecipientID, domain.ToCents(rec.Amount), string(rec.Status),
		toMillis(rec.CreatedAt), toMillis(rec.ExpiresAt), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", err)
	}
	if n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.TransferRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, amount, status, created_at, expires_at
		 FROM transfers WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TransferRecord{}, fmt.Errorf("transfer lookup failed: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListByAccount(ctx context.Context, account string) ([]domain.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, recipient_id, amount, status, created_at, expires_at
		 FROM transfers
		 WHERE lower(sender_id) = lower(?1) OR lower(recipient_id) = lower(?1)
		 ORDER BY created_at DESC, id DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("transfer list failed: %w", err)
	}
	defer rows.Close()

	var records []domain.TransferRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("transfer scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), toMillis(time.Now()), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transfer transition failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transfer transition failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transfers SET status = 'expired', updated_at = ?
		 WHERE status = 'pending' AND expires_at < ?`,
		toMillis(time.Now()), toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	return res.RowsAffected()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row sqlScanner) (domain.TransferRecord, error) {
	var (
		rec                  domain.TransferRecord
		cents                int64
		status               string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&rec.ID, &rec.SenderID, &rec.RecipientID, &cents, &status, &createdAt, &expiresAt); err != nil {
		return domain.TransferRecord{}, err
	}
	rec.Amount = domain.FromCents(cents)
	rec.Status = domain.Status(status)
	if !rec.Status.Valid() {
		return domain.TransferRecord{}, fmt.Errorf("record %s has unknown status %q", rec.ID, status)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return rec, nil
}
