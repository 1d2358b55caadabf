package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/warden-labs/warden/pkg/record"
)

// ErrNothingToUndo is returned when the history is empty or the most recent
// entry carries no reversal command.
var ErrNothingToUndo = errors.New("no undoable action")

func (e *Engine) pushUndo(entry UndoEntry) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.history = append(e.history, entry)
	if len(e.history) > maxUndoHistory {
		e.history = e.history[len(e.history)-maxUndoHistory:]
	}
}

// History returns a copy of the undo history, oldest first.
func (e *Engine) History() []UndoEntry {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := make([]UndoEntry, len(e.history))
	copy(out, e.history)
	return out
}

// Undo reverses the most recent executed action and only that one. The
// entry must carry a reversal command; anything older is out of reach.
func (e *Engine) Undo(ctx context.Context) error {
	e.stateMu.Lock()
	if len(e.history) == 0 {
		e.stateMu.Unlock()
		return ErrNothingToUndo
	}
	entry := e.history[len(e.history)-1]
	e.stateMu.Unlock()

	if entry.Reversal == nil {
		return ErrNothingToUndo
	}

	if svc, ok := e.registry.Reverser(entry.Reversal.EffectType); ok {
		if err := svc.Undo(ctx, entry.Reversal.TargetIdentifier, entry.Reversal.Operation); err != nil {
			return fmt.Errorf("reversing %s %s: %w", entry.Reversal.EffectType, entry.Reversal.TargetIdentifier, err)
		}
	}

	if err := e.records.Reverse(ctx, entry.RecordID); err != nil {
		if errors.Is(err, record.ErrNotReversible) {
			return ErrNothingToUndo
		}
		return err
	}

	e.stateMu.Lock()
	e.history = e.history[:len(e.history)-1]
	e.stateMu.Unlock()
	return nil
}
