package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/evidence"
)

const recoveredReason = "recovered after abnormal termination"

// SQLStore is the durable record store backed by database/sql. It works
// against SQLite and Postgres with the same statements.
type SQLStore struct {
	mu        sync.Mutex
	db        *sql.DB
	ledger    evidence.Ledger
	clock     func() time.Time
	recovered bool
}

// NewSQLStore migrates the schema and returns an unrecovered store. Create
// fails until Recover has run.
func NewSQLStore(ctx context.Context, db *sql.DB, ledger evidence.Ledger) (*SQLStore, error) {
	s := &SQLStore{db: db, ledger: ledger, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("record store migration: %w", err)
	}
	return s, nil
}

// WithClock overrides the time source, for tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS execution_records (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		intent_type TEXT NOT NULL DEFAULT '',
		side_effect_type TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		evidence_ids TEXT NOT NULL DEFAULT '',
		reversible INTEGER NOT NULL DEFAULT 0,
		rollback_available INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		reversal TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_records_status
		ON execution_records (status);`)
	return err
}

// Recover moves every record stranded in executing to failed, logging one
// evidence entry per record. It runs once; later calls are no-ops.
func (s *SQLStore) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recovered {
		return 0, nil
	}

	orphans, err := s.listByStatusLocked(ctx, StatusExecuting)
	if err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	for _, rec := range orphans {
		_, err := s.db.ExecContext(ctx, `
			UPDATE execution_records
			SET status = $1, failure_reason = $2, rollback_available = 0, updated_at = $3
			WHERE id = $4`,
			string(StatusFailed), recoveredReason, now.Format(time.RFC3339Nano), rec.ID)
		if err != nil {
			return 0, fmt.Errorf("recovering record %s: %w", rec.ID, err)
		}
		if s.ledger != nil {
			_, err := s.ledger.Append(ctx, evidence.TypeRecordRecovered, rec.PlanID, map[string]any{
				"record_id": rec.ID,
				"reason":    recoveredReason,
			})
			if err != nil {
				return 0, err
			}
		}
	}
	s.recovered = true
	return len(orphans), nil
}

// Create inserts a new planned record. It refuses to run before Recover.
func (s *SQLStore) Create(ctx context.Context, n NewRecord) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recovered {
		return nil, ErrNotRecovered
	}
	now := s.clock().UTC()
	rec := &ExecutionRecord{
		ID:             "rec-" + uuid.NewString(),
		PlanID:         n.PlanID,
		Status:         StatusPlanned,
		IntentType:     n.IntentType,
		SideEffectType: n.SideEffectType,
		Summary:        n.Summary,
		Reversible:     n.Reversible,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_records
			(id, plan_id, status, intent_type, side_effect_type, summary, evidence_ids,
			 reversible, rollback_available, failure_reason, reversal, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, 0, '', '', $8, $8)`,
		rec.ID, rec.PlanID, string(rec.Status), rec.IntentType, string(rec.SideEffectType),
		rec.Summary, boolInt(rec.Reversible), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}
	return rec, nil
}

// AddEvidence appends evidence ledger entry ids to a record so the record
// can be traced back to its chain entries after a crash or halt.
func (s *SQLStore) AddEvidence(ctx context.Context, id string, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	ids := append(rec.EvidenceIDs, entryIDs...)
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE execution_records SET evidence_ids = $1, updated_at = $2 WHERE id = $3`,
		string(raw), s.clock().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("recording evidence ids for %s: %w", id, err)
	}
	return nil
}

// Get returns one record by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *SQLStore) getLocked(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, status, intent_type, side_effect_type, summary, evidence_ids,
			reversible, rollback_available, failure_reason, reversal, created_at, updated_at
		FROM execution_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// ListByStatus returns all records in the given status, oldest first.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listByStatusLocked(ctx, status)
}

func (s *SQLStore) listByStatusLocked(ctx context.Context, status Status) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, status, intent_type, side_effect_type, summary, evidence_ids,
			reversible, rollback_available, failure_reason, reversal, created_at, updated_at
		FROM execution_records WHERE status = $1 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Approve moves a planned record to approved.
func (s *SQLStore) Approve(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusApproved, "", nil)
}

// MarkExecuting moves an approved record to executing.
func (s *SQLStore) MarkExecuting(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusExecuting, "", nil)
}

// Complete moves an executing record to completed, storing the reversal
// command if one exists. Rollback becomes available only for records that
// were created reversible.
func (s *SQLStore) Complete(ctx context.Context, id string, reversal *ReversalCommand) error {
	return s.transition(ctx, id, StatusCompleted, "", reversal)
}

// Fail moves an approved or executing record to failed.
func (s *SQLStore) Fail(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, StatusFailed, reason, nil)
}

// Reverse undoes a completed record. It requires rollback to be available
// and logs an evidence entry.
func (s *SQLStore) Reverse(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if !rec.RollbackAvailable {
		return fmt.Errorf("record %s: %w", id, ErrNotReversible)
	}
	if err := s.applyLocked(ctx, rec, StatusReversed, "", nil); err != nil {
		return err
	}
	if s.ledger != nil {
		_, err := s.ledger.Append(ctx, evidence.TypeRecordReversed, rec.PlanID, map[string]any{
			"record_id": rec.ID,
		})
		return err
	}
	return nil
}

// HaltAll fails every executing and approved record in one transaction,
// clears rollback availability and logs one evidence entry per record. It
// returns the number of records affected.
func (s *SQLStore) HaltAll(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	executing, err := s.listByStatusLocked(ctx, StatusExecuting)
	if err != nil {
		return 0, err
	}
	approved, err := s.listByStatusLocked(ctx, StatusApproved)
	if err != nil {
		return 0, err
	}
	affected := append(executing, approved...)
	if len(affected) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE execution_records
		SET status = $1, failure_reason = $2, rollback_available = 0, updated_at = $3
		WHERE status IN ($4, $5)`,
		string(StatusFailed), reason, now, string(StatusExecuting), string(StatusApproved))
	if err != nil {
		return 0, fmt.Errorf("halting records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if s.ledger != nil {
		for _, rec := range affected {
			_, err := s.ledger.Append(ctx, evidence.TypeRecordHalted, rec.PlanID, map[string]any{
				"record_id":   rec.ID,
				"prev_status": string(rec.Status),
				"reason":      reason,
			})
			if err != nil {
				return int(n), err
			}
		}
	}
	return int(n), nil
}

func (s *SQLStore) transition(ctx context.Context, id string, to Status, reason string, reversal *ReversalCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	return s.applyLocked(ctx, rec, to, reason, reversal)
}

func (s *SQLStore) applyLocked(ctx context.Context, rec *ExecutionRecord, to Status, reason string, reversal *ReversalCommand) error {
	if !transitionAllowed(rec.Status, to) {
		return fmt.Errorf("record %s: %s -> %s: %w", rec.ID, rec.Status, to, ErrInvalidTransition)
	}

	rollback := false
	if to == StatusCompleted && rec.Reversible {
		rollback = true
	}

	reversalJSON := ""
	if reversal != nil {
		raw, err := json.Marshal(reversal)
		if err != nil {
			return err
		}
		reversalJSON = string(raw)
	}

	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_records
		SET status = $1, failure_reason = $2, rollback_available = $3, reversal = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(to), reason, boolInt(rollback), reversalJSON, now,
		rec.ID, string(rec.Status))
	if err != nil {
		return fmt.Errorf("transitioning record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("record %s changed concurrently: %w", rec.ID, ErrInvalidTransition)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec            ExecutionRecord
		status         string
		sideEffectType string
		evidenceJSON   string
		reversible     int
		rollback       int
		reversalJSON   string
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&rec.ID, &rec.PlanID, &status, &rec.IntentType, &sideEffectType,
		&rec.Summary, &evidenceJSON, &reversible, &rollback,
		&rec.FailureReason, &reversalJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.SideEffectType = contracts.SideEffectType(sideEffectType)
	rec.Reversible = reversible == 1
	rec.RollbackAvailable = rollback == 1
	if evidenceJSON != "" {
		if err := json.Unmarshal([]byte(evidenceJSON), &rec.EvidenceIDs); err != nil {
			return nil, fmt.Errorf("corrupt evidence id list: %w", err)
		}
	}
	if reversalJSON != "" {
		var cmd ReversalCommand
		if err := json.Unmarshal([]byte(reversalJSON), &cmd); err != nil {
			return nil, fmt.Errorf("corrupt reversal payload: %w", err)
		}
		rec.Reversal = &cmd
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
