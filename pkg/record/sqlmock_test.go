package record

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var recordColumns = []string{
	"id", "plan_id", "status", "intent_type", "side_effect_type", "summary",
	"evidence_ids", "reversible", "rollback_available",
	"failure_reason", "reversal", "created_at", "updated_at",
}

func TestNewSQLStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS execution_records").
		WillReturnError(errors.New("disk full"))

	if _, err := NewSQLStore(context.Background(), db, nil); err == nil {
		t.Error("expected migration error to surface")
	} else if !strings.Contains(err.Error(), "record store migration") {
		t.Errorf("error should name the migration, got %v", err)
	}
}

func TestRecover_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("stub database: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS execution_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, plan_id, status").
		WithArgs(string(StatusExecuting)).
		WillReturnError(errors.New("connection reset"))

	store, err := NewSQLStore(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	if _, err := store.Recover(context.Background()); err == nil {
		t.Error("expected query error to surface")
	}

	// A failed recovery must leave the store refusing new work.
	if _, err := store.Create(context.Background(), NewRecord{PlanID: "plan-1"}); !errors.Is(err, ErrNotRecovered) {
		t.Errorf("expected ErrNotRecovered after failed recovery, got %v", err)
	}
}

func TestRecover_UpdateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("stub database: %v", err)
	}
	defer func() { _ = db.Close() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS execution_records").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, plan_id, status").
		WithArgs(string(StatusExecuting)).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("rec-orphan", "plan-1", string(StatusExecuting), "", "", "", "", 0, 0, "", "", now, now))
	mock.ExpectExec("UPDATE execution_records").
		WillReturnError(errors.New("write timeout"))

	store, err := NewSQLStore(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	_, err = store.Recover(context.Background())
	if err == nil {
		t.Fatal("expected update error to surface")
	}
	if !strings.Contains(err.Error(), "rec-orphan") {
		t.Errorf("error should name the stranded record, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
