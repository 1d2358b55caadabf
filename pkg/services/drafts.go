package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/warden-labs/warden/pkg/contracts"
)

// LocalDraftStore saves drafts as JSON files under a directory, one file per
// draft. It is the only write service that ships with the server binary;
// the mail, calendar and reminder surfaces live in host integrations.
type LocalDraftStore struct {
	dir   string
	clock func() time.Time
}

// SavedDraft is the on-disk form of one saved draft.
type SavedDraft struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Content string    `json:"content"`
	Folder  string    `json:"folder,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// NewLocalDraftStore creates the draft directory if needed.
func NewLocalDraftStore(dir string) (*LocalDraftStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating draft directory: %w", err)
	}
	return &LocalDraftStore{dir: dir, clock: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (s *LocalDraftStore) WithClock(clock func() time.Time) *LocalDraftStore {
	s.clock = clock
	return s
}

// Perform writes the draft to disk and returns its identifier.
func (s *LocalDraftStore) Perform(ctx context.Context, effect contracts.SideEffect, draft contracts.Draft) (contracts.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return contracts.WriteOutcome{Status: contracts.OutcomeFailed, Reason: err.Error()}, nil
	}
	folder, _ := effect.Payload["folder"].(string)
	saved := SavedDraft{
		ID:      "draft-" + uuid.NewString(),
		Type:    draft.Type,
		Content: draft.Content,
		Folder:  folder,
		SavedAt: s.clock().UTC(),
	}
	raw, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return contracts.WriteOutcome{}, err
	}
	if err := os.WriteFile(s.path(saved.ID), raw, 0o600); err != nil {
		return contracts.WriteOutcome{
			Status: contracts.OutcomeFailed,
			Reason: fmt.Sprintf("writing draft: %v", err),
		}, nil
	}
	return contracts.WriteOutcome{
		Status:      contracts.OutcomeSuccess,
		Identifier:  saved.ID,
		Operation:   "save",
		ConfirmedAt: saved.SavedAt,
	}, nil
}

// Undo discards a saved draft by deleting its file. A draft that is already
// gone is treated as discarded.
func (s *LocalDraftStore) Undo(ctx context.Context, targetIdentifier, operation string) error {
	if operation != "discard" {
		return fmt.Errorf("unsupported draft reversal operation %q", operation)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(targetIdentifier))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Get loads one saved draft by identifier.
func (s *LocalDraftStore) Get(id string) (*SavedDraft, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var d SavedDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("corrupt draft %s: %w", id, err)
	}
	return &d, nil
}

func (s *LocalDraftStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}
