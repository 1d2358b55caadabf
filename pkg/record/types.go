// Package record is the durable execution-record state machine. Records move
// planned -> approved -> executing -> {completed, failed}, with completed ->
// reversed for undo. Crash recovery runs exactly once at process start and the
// store refuses to create records until it has.
package record

import (
	"errors"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
)

// Status is an execution record's lifecycle state.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

var (
	// ErrNotRecovered is returned by Create before Recover has run.
	ErrNotRecovered = errors.New("record store has not run crash recovery")
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("execution record not found")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid record transition")
	// ErrNotReversible is returned when undo is requested for a record
	// without rollback available.
	ErrNotReversible = errors.New("record has no rollback available")
)

var validTransitions = map[Status]map[Status]bool{
	StatusPlanned:   {StatusApproved: true},
	StatusApproved:  {StatusExecuting: true, StatusFailed: true},
	StatusExecuting: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusReversed: true},
}

func transitionAllowed(from, to Status) bool {
	return validTransitions[from][to]
}

// ReversalCommand describes how a completed record's effect can be undone.
type ReversalCommand struct {
	EffectType       contracts.SideEffectType `json:"effect_type"`
	TargetIdentifier string                   `json:"target_identifier"`
	Operation        string                   `json:"operation"`
}

// ExecutionRecord is one governed execution's durable state. The
// descriptive fields survive crashes and halts so a failed-closed record
// still says what kind of action it governed.
type ExecutionRecord struct {
	ID                string                   `json:"id"`
	PlanID            string                   `json:"plan_id"`
	Status            Status                   `json:"status"`
	IntentType        string                   `json:"intent_type,omitempty"`
	SideEffectType    contracts.SideEffectType `json:"side_effect_type,omitempty"`
	Summary           string                   `json:"summary,omitempty"`
	EvidenceIDs       []string                 `json:"evidence_ids,omitempty"`
	Reversible        bool                     `json:"reversible"`
	RollbackAvailable bool                     `json:"rollback_available"`
	FailureReason     string                   `json:"failure_reason,omitempty"`
	Reversal          *ReversalCommand         `json:"reversal,omitempty"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// NewRecord carries the descriptive fields a record is created with.
type NewRecord struct {
	PlanID         string
	Reversible     bool
	IntentType     string
	SideEffectType contracts.SideEffectType
	Summary        string
}
