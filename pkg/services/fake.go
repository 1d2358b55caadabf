package services

import (
	"context"
	"sync"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
)

// ScriptedService is a WriteService for tests and local development. It
// returns a scripted outcome and records every call.
type ScriptedService struct {
	mu      sync.Mutex
	Outcome contracts.WriteOutcome
	Err     error
	Delay   time.Duration
	calls   []contracts.SideEffect
	undone  []string
}

// Succeeding returns a service whose writes succeed with the given
// identifier and operation.
func Succeeding(identifier, operation string) *ScriptedService {
	return &ScriptedService{Outcome: contracts.WriteOutcome{
		Status:     contracts.OutcomeSuccess,
		Identifier: identifier,
		Operation:  operation,
	}}
}

// Failing returns a service whose writes fail with the given reason.
func Failing(reason string) *ScriptedService {
	return &ScriptedService{Outcome: contracts.WriteOutcome{
		Status: contracts.OutcomeFailed,
		Reason: reason,
	}}
}

func (s *ScriptedService) Perform(ctx context.Context, effect contracts.SideEffect, draft contracts.Draft) (contracts.WriteOutcome, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return contracts.WriteOutcome{Status: contracts.OutcomeFailed, Reason: "cancelled"}, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, effect)
	s.mu.Unlock()
	if s.Err != nil {
		return contracts.WriteOutcome{}, s.Err
	}
	out := s.Outcome
	if out.Status == contracts.OutcomeSuccess && out.ConfirmedAt.IsZero() {
		out.ConfirmedAt = time.Now()
	}
	return out, nil
}

// Undo records the reversal so tests can assert on it.
func (s *ScriptedService) Undo(ctx context.Context, targetIdentifier, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undone = append(s.undone, targetIdentifier+":"+operation)
	return nil
}

// Undone returns the reversals performed, as "identifier:operation" pairs.
func (s *ScriptedService) Undone() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.undone))
	copy(out, s.undone)
	return out
}

// Calls returns the effects this service has performed.
func (s *ScriptedService) Calls() []contracts.SideEffect {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.SideEffect, len(s.calls))
	copy(out, s.calls)
	return out
}
