package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLLedger implements Ledger using database/sql. It supports both SQLite
// and Postgres via standard drivers. A process-level mutex queues appenders
// so concurrent appends never interleave the chain; the transaction makes
// the read-head-then-insert durable.
type SQLLedger struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

// NewSQLLedger creates the ledger and its schema.
func NewSQLLedger(ctx context.Context, db *sql.DB) (*SQLLedger, error) {
	l := &SQLLedger{db: db, clock: time.Now}
	if err := l.migrate(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

func (l *SQLLedger) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence_entries (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		plan_id TEXT,
		ts TIMESTAMP NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		this_hash TEXT NOT NULL
	);`
	_, err := l.db.ExecContext(ctx, query)
	return err
}

func (l *SQLLedger) Append(ctx context.Context, entryType, planID string, content map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := GenesisHash
	var seq uint64
	row := tx.QueryRowContext(ctx, `SELECT seq, this_hash FROM evidence_entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&seq, &prevHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	contentHash, thisHash, err := chainHashes(content, prevHash)
	if err != nil {
		return nil, err
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}

	entry := Entry{
		ID:          uuid.New().String(),
		Seq:         seq + 1,
		Type:        entryType,
		PlanID:      planID,
		Timestamp:   l.clock().UTC(),
		Content:     content,
		ContentHash: contentHash,
		PrevHash:    prevHash,
		ThisHash:    thisHash,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_entries (seq, id, entry_type, plan_id, ts, content, content_hash, prev_hash, this_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Seq, entry.ID, entry.Type, entry.PlanID, entry.Timestamp,
		string(contentJSON), entry.ContentHash, entry.PrevHash, entry.ThisHash,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *SQLLedger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, id, entry_type, plan_id, ts, content, content_hash, prev_hash, this_hash
		FROM evidence_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var planID sql.NullString
		var contentJSON string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &planID, &e.Timestamp, &contentJSON, &e.ContentHash, &e.PrevHash, &e.ThisHash); err != nil {
			return nil, err
		}
		e.PlanID = planID.String
		if err := json.Unmarshal([]byte(contentJSON), &e.Content); err != nil {
			return nil, fmt.Errorf("corrupt content at seq %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *SQLLedger) Head(ctx context.Context) (string, uint64, error) {
	var seq uint64
	hash := GenesisHash
	row := l.db.QueryRowContext(ctx, `SELECT seq, this_hash FROM evidence_entries ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&seq, &hash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", 0, err
	}
	return hash, seq, nil
}

func (l *SQLLedger) VerifyChainIntegrity(ctx context.Context) (*IntegrityReport, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}
