// Package engine is the hard-gated actuator. It holds no policy of its own:
// it executes side effects only because the capability kernel already issued
// a token permitting them, and every gate fails closed with no fallback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/warden-labs/warden/pkg/canonicalize"
	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/kernel"
	"github.com/warden-labs/warden/pkg/record"
	"github.com/warden-labs/warden/pkg/services"
	"github.com/warden-labs/warden/pkg/trust"
)

// maxUndoHistory bounds the undo stack.
const maxUndoHistory = 20

// Request is everything one Execute call consumes.
type Request struct {
	Draft              contracts.Draft
	SideEffects        []contracts.SideEffect
	Token              *contracts.AuthorizationToken
	IntentSummary      string
	ContextSummary     string
	PermissionState    string
	ConfidenceSnapshot float64
	Reversible         bool
}

// UndoEntry is one executed action in the bounded undo history.
type UndoEntry struct {
	RecordID   string
	PlanID     string
	Reversal   *record.ReversalCommand
	ExecutedAt time.Time
}

// Engine executes authorized side effects sequentially under a global
// single-writer lock.
type Engine struct {
	kernel      *kernel.CapabilityKernel
	registry    *services.Registry
	records     *record.SQLStore
	ledger      evidence.Ledger
	devices     *trust.DeviceRegistry
	fingerprint string
	clock       func() time.Time

	busy sync.Mutex

	stateMu  sync.Mutex
	inflight context.CancelFunc
	history  []UndoEntry
}

// New wires an engine bound to the local device fingerprint. The device's
// trust is re-checked on every Execute call, independent of the kernel's
// issuance-time check.
func New(k *kernel.CapabilityKernel, reg *services.Registry, recs *record.SQLStore, ledger evidence.Ledger, devices *trust.DeviceRegistry, fingerprint string) *Engine {
	return &Engine{
		kernel:      k,
		registry:    reg,
		records:     recs,
		ledger:      ledger,
		devices:     devices,
		fingerprint: fingerprint,
		clock:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Execute runs the ordered hard gates and, only if every one passes, the
// enabled side effects, one at a time. The audit trail is captured before
// anything runs and is returned on denied calls too.
func (e *Engine) Execute(ctx context.Context, req Request) (*contracts.ExecutionResult, error) {
	trail := e.buildAuditTrail(req)

	// Gate 1: token present, unexpired, carrying a signature.
	if req.Token == nil || req.Token.Signature == "" {
		return e.deny(ctx, req, trail, "token missing or unsigned", contracts.ErrTokenInvalid)
	}
	if req.Token.Expired(e.clock()) {
		return e.deny(ctx, req, trail, "token expired", contracts.ErrTokenInvalid)
	}

	// Gate 2: signature, epoch/key binding and device trust.
	if err := e.kernel.VerifyTokenSignature(req.Token); err != nil {
		return e.deny(ctx, req, trail, "token signature rejected", err)
	}
	if err := e.kernel.ValidateTokenBinding(req.Token); err != nil {
		return e.deny(ctx, req, trail, "token bound to superseded key", err)
	}
	if err := e.devices.CheckTrusted(ctx, e.fingerprint); err != nil {
		return e.deny(ctx, req, trail, "device not trusted", err)
	}

	// Gate 3: one-time consumption; replay protection survives restarts.
	if err := e.kernel.ConsumeToken(ctx, req.Token); err != nil {
		return e.deny(ctx, req, trail, "token already consumed", err)
	}

	// Gate 4: one execution in flight, ever.
	if !e.busy.TryLock() {
		return e.deny(ctx, req, trail, "another execution in flight", contracts.ErrConcurrentExecutionBlocked)
	}
	defer e.busy.Unlock()

	// Gate 5: every enabled write effect needs its second confirmation.
	// One missing confirmation fails the whole call, including the
	// non-write effects.
	for _, effect := range req.SideEffects {
		if effect.Enabled && effect.Type.RequiresSecondConfirmation() && !effect.SecondConfirmationGranted {
			return e.deny(ctx, req, trail,
				fmt.Sprintf("%s lacks second confirmation", effect.Type),
				contracts.ErrSecondConfirmationMissing)
		}
	}

	rec, err := e.records.Create(ctx, record.NewRecord{
		PlanID:         req.Token.PlanID,
		Reversible:     req.Reversible,
		IntentType:     req.Draft.Type,
		SideEffectType: primaryEffectType(req.SideEffects),
		Summary:        req.IntentSummary,
	})
	if err != nil {
		if errors.Is(err, record.ErrNotRecovered) {
			return e.deny(ctx, req, trail, "store awaiting crash recovery", contracts.ErrCrashRecovered)
		}
		return nil, fmt.Errorf("creating execution record: %w", err)
	}
	if err := e.records.Approve(ctx, rec.ID); err != nil {
		return nil, err
	}
	if err := e.records.MarkExecuting(ctx, rec.ID); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	e.stateMu.Lock()
	e.inflight = cancel
	e.stateMu.Unlock()
	defer func() {
		cancel()
		e.stateMu.Lock()
		e.inflight = nil
		e.stateMu.Unlock()
	}()

	if e.ledger != nil {
		entry, err := e.ledger.Append(ctx, evidence.TypeExecutionStart, req.Token.PlanID, map[string]any{
			"record_id": rec.ID,
			"effects":   len(enabledEffects(req.SideEffects)),
		})
		if err != nil {
			return nil, err
		}
		if err := e.records.AddEvidence(ctx, rec.ID, entry.ID); err != nil {
			return nil, err
		}
	}

	executed := e.runEffects(execCtx, req)
	status := deriveStatus(executed)
	reversal := buildReversal(executed)

	switch status {
	case contracts.StatusFailed:
		if err := e.records.Fail(ctx, rec.ID, "all side effects failed"); err != nil {
			return nil, err
		}
	default:
		if err := e.records.Complete(ctx, rec.ID, reversal); err != nil {
			// The halt path may have failed the record underneath us;
			// report the halt, not a bookkeeping error.
			if errors.Is(err, record.ErrInvalidTransition) {
				status = contracts.StatusFailed
			} else {
				return nil, err
			}
		}
	}

	// Every successful execution enters the history, reversible or not, so
	// a later non-reversible action shadows an earlier reversible one.
	if status != contracts.StatusFailed {
		e.pushUndo(UndoEntry{
			RecordID:   rec.ID,
			PlanID:     req.Token.PlanID,
			Reversal:   reversal,
			ExecutedAt: e.clock(),
		})
	}

	if e.ledger != nil {
		entry, err := e.ledger.Append(ctx, evidence.TypeExecutionResult, req.Token.PlanID, map[string]any{
			"record_id": rec.ID,
			"status":    string(status),
		})
		if err != nil {
			return nil, err
		}
		if err := e.records.AddEvidence(ctx, rec.ID, entry.ID); err != nil {
			return nil, err
		}
	}

	return &contracts.ExecutionResult{
		Status:              status,
		Message:             statusMessage(status),
		ExecutedSideEffects: executed,
		AuditTrail:          trail,
		RecordID:            rec.ID,
	}, nil
}

// runEffects dispatches enabled effects strictly one at a time.
func (e *Engine) runEffects(ctx context.Context, req Request) []contracts.ExecutedSideEffect {
	var executed []contracts.ExecutedSideEffect
	for _, effect := range enabledEffects(req.SideEffects) {
		if ctx.Err() != nil {
			executed = append(executed, contracts.ExecutedSideEffect{
				Type: effect.Type,
				Outcome: contracts.WriteOutcome{
					Status: contracts.OutcomeFailed,
					Reason: "execution halted",
				},
			})
			continue
		}
		outcome, err := e.registry.Dispatch(ctx, effect, req.Draft)
		if err != nil {
			outcome = contracts.WriteOutcome{
				Status: contracts.OutcomeFailed,
				Reason: err.Error(),
			}
		}
		executed = append(executed, contracts.ExecutedSideEffect{Type: effect.Type, Outcome: outcome})
	}
	return executed
}

// primaryEffectType is the first enabled effect's type, recorded on the
// durable record so a recovered record still names what it governed.
func primaryEffectType(effects []contracts.SideEffect) contracts.SideEffectType {
	for _, effect := range effects {
		if effect.Enabled {
			return effect.Type
		}
	}
	return ""
}

func enabledEffects(effects []contracts.SideEffect) []contracts.SideEffect {
	var out []contracts.SideEffect
	for _, eff := range effects {
		if eff.Enabled {
			out = append(out, eff)
		}
	}
	return out
}

func (e *Engine) deny(ctx context.Context, req Request, trail *contracts.AuditTrail, msg string, cause error) (*contracts.ExecutionResult, error) {
	if e.ledger != nil {
		planID := ""
		if req.Token != nil {
			planID = req.Token.PlanID
		}
		_, _ = e.ledger.Append(ctx, evidence.TypeTokenDenied, planID, map[string]any{
			"stage":  "execution",
			"reason": msg,
		})
	}
	return &contracts.ExecutionResult{
		Status:     contracts.StatusFailed,
		Message:    msg,
		AuditTrail: trail,
	}, cause
}

// buildAuditTrail captures the immutable pre-execution view. Draft content
// is NFC-normalized before hashing so visually identical drafts hash alike.
func (e *Engine) buildAuditTrail(req Request) *contracts.AuditTrail {
	snapshots := make([]contracts.SideEffectSnapshot, 0, len(req.SideEffects))
	for _, effect := range req.SideEffects {
		snap := contracts.SideEffectSnapshot{
			Type:                      effect.Type,
			Enabled:                   effect.Enabled,
			Acknowledged:              effect.Acknowledged,
			SecondConfirmationGranted: effect.SecondConfirmationGranted,
		}
		if len(effect.Payload) > 0 {
			if h, err := canonicalize.CanonicalHash(effect.Payload); err == nil {
				snap.PayloadHash = h
			}
		}
		snapshots = append(snapshots, snap)
	}
	planID := ""
	if req.Token != nil {
		planID = req.Token.PlanID
	}
	return &contracts.AuditTrail{
		PlanID:             planID,
		IntentSummary:      req.IntentSummary,
		ContextSummary:     req.ContextSummary,
		DraftHash:          canonicalize.HashString(norm.NFC.String(req.Draft.Content)),
		SideEffects:        snapshots,
		PermissionState:    req.PermissionState,
		ConfidenceSnapshot: req.ConfidenceSnapshot,
		CapturedAt:         e.clock(),
	}
}

// deriveStatus applies the exact priority order for the overall status.
func deriveStatus(executed []contracts.ExecutedSideEffect) contracts.ExecutionStatus {
	succeededOf := func(t contracts.SideEffectType) bool {
		for _, ex := range executed {
			if ex.Type == t && ex.Outcome.Succeeded() {
				return true
			}
		}
		return false
	}

	if succeededOf(contracts.EffectOpenComposer) {
		return contracts.StatusSuccess
	}
	if succeededOf(contracts.EffectCreateReminder) {
		return contracts.StatusSuccess
	}
	if succeededOf(contracts.EffectCreateCalendarEvent) {
		return contracts.StatusSuccess
	}
	if len(executed) == 0 {
		return contracts.StatusSavedDraftOnly
	}
	if len(executed) == 1 && executed[0].Type == contracts.EffectSaveDraft && executed[0].Outcome.Succeeded() {
		return contracts.StatusSavedDraftOnly
	}

	succeeded := 0
	for _, ex := range executed {
		if ex.Outcome.Succeeded() {
			succeeded++
		}
	}
	switch {
	case succeeded == len(executed):
		return contracts.StatusSuccess
	case succeeded > 0:
		return contracts.StatusPartialSuccess
	default:
		return contracts.StatusFailed
	}
}

func statusMessage(status contracts.ExecutionStatus) string {
	switch status {
	case contracts.StatusSuccess:
		return "all side effects completed"
	case contracts.StatusPartialSuccess:
		return "some side effects completed"
	case contracts.StatusSavedDraftOnly:
		return "draft saved, nothing sent"
	default:
		return "no side effects completed"
	}
}

// reversibleOps maps effect types that can be undone to the operation used
// to undo them. Sent email is deliberately absent.
var reversibleOps = map[contracts.SideEffectType]string{
	contracts.EffectCreateReminder:      "delete",
	contracts.EffectCreateCalendarEvent: "delete",
	contracts.EffectSaveDraft:           "discard",
}

// buildReversal derives a reversal command from the last successful
// reversible write, if any.
func buildReversal(executed []contracts.ExecutedSideEffect) *record.ReversalCommand {
	for i := len(executed) - 1; i >= 0; i-- {
		ex := executed[i]
		op, ok := reversibleOps[ex.Type]
		if !ok || !ex.Outcome.Succeeded() || ex.Outcome.Identifier == "" {
			continue
		}
		return &record.ReversalCommand{
			EffectType:       ex.Type,
			TargetIdentifier: ex.Outcome.Identifier,
			Operation:        op,
		}
	}
	return nil
}
