package nonce

import (
	"context"
	"database/sql"
	"time"
)

// SQLStore is the durable Store over database/sql. It works with both
// SQLite and Postgres drivers; first-caller-wins is enforced by the primary
// key, not by application logic, so it holds across process restarts.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS consumed_ids (
		id TEXT PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL,
		consumed_at TIMESTAMP NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLStore) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	query := `
	INSERT INTO consumed_ids (id, expires_at, consumed_at) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, id, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consumed_ids WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}
