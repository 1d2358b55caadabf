// Package contracts holds the shared types exchanged between the capability
// kernel, the execution engine and the durable stores. Types here are plain
// data; all policy lives in the packages that consume them.
package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RiskTier classifies how dangerous a plan's side effects are.
type RiskTier string

const (
	RiskTierLow      RiskTier = "low"
	RiskTierStandard RiskTier = "standard"
	RiskTierHigh     RiskTier = "high"
	RiskTierCritical RiskTier = "critical"
)

// SignerType identifies who produced a collected signature.
type SignerType string

const (
	SignerDeviceOwner           SignerType = "deviceOwner"
	SignerOrganizationAuthority SignerType = "organizationAuthority"
	SignerSecurityOfficer       SignerType = "securityOfficer"
)

// CollectedSignature is one quorum signature attached to a token.
// Each signer type may appear at most once per token.
type CollectedSignature struct {
	SignerID      string     `json:"signer_id"`
	SignerType    SignerType `json:"signer_type"`
	SignatureData string     `json:"signature_data"`
	SignedAt      time.Time  `json:"signed_at"`
}

// AuthorizationToken is the single-use, epoch/key-bound credential that is
// the only thing permitting a side effect to run. It is immutable after
// issuance; the signature covers the canonical payload of the fields below.
type AuthorizationToken struct {
	PlanID              string               `json:"plan_id"`
	RiskTier            RiskTier             `json:"risk_tier"`
	KeyVersion          int                  `json:"key_version"`
	Epoch               uint64               `json:"epoch"`
	IssuedAt            time.Time            `json:"issued_at"`
	ExpiresAt           time.Time            `json:"expires_at"`
	Signature           string               `json:"signature"`
	CollectedSignatures []CollectedSignature `json:"collected_signatures"`
}

// ConsumptionID derives the one-time identity under which this token is
// recorded in the consumed store. It is stable for a given issuance and
// cannot collide across re-issuances of the same plan.
func (t *AuthorizationToken) ConsumptionID() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", t.PlanID, t.IssuedAt.UnixNano())))
	return "tok-" + hex.EncodeToString(h[:])
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *AuthorizationToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// SideEffectType enumerates the side effects the engine knows how to perform.
type SideEffectType string

const (
	EffectSendEmail           SideEffectType = "sendEmail"
	EffectCreateCalendarEvent SideEffectType = "createCalendarEvent"
	EffectCreateReminder      SideEffectType = "createReminder"
	EffectSaveDraft           SideEffectType = "saveDraft"
	EffectOpenComposer        SideEffectType = "openComposer"
)

// RequiresSecondConfirmation reports whether the effect type performs an
// external write and therefore needs the two-key confirmation signal.
func (t SideEffectType) RequiresSecondConfirmation() bool {
	switch t {
	case EffectSendEmail, EffectCreateCalendarEvent, EffectCreateReminder:
		return true
	}
	return false
}

// SideEffect is a proposed side effect with its approval flags.
type SideEffect struct {
	Type                      SideEffectType `json:"type"`
	Enabled                   bool           `json:"enabled"`
	Acknowledged              bool           `json:"acknowledged"`
	SecondConfirmationGranted bool           `json:"second_confirmation_granted"`
	Payload                   map[string]any `json:"payload,omitempty"`
}

// Draft is rendered content produced by an external collaborator.
type Draft struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// OutcomeStatus is the result of a single capability-scoped write call.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeBlocked OutcomeStatus = "blocked"
	OutcomeFailed  OutcomeStatus = "failed"
)

// WriteOutcome is what a capability-scoped OS service reports back.
type WriteOutcome struct {
	Status      OutcomeStatus `json:"status"`
	Identifier  string        `json:"identifier,omitempty"`
	Operation   string        `json:"operation,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ConfirmedAt time.Time     `json:"confirmed_at,omitempty"`
}

// Succeeded reports whether the write completed.
func (o WriteOutcome) Succeeded() bool { return o.Status == OutcomeSuccess }

// ExecutedSideEffect pairs an attempted effect with its outcome.
type ExecutedSideEffect struct {
	Type    SideEffectType `json:"type"`
	Outcome WriteOutcome   `json:"outcome"`
}

// ExecutionStatus is the overall outcome of one Execute call.
type ExecutionStatus string

const (
	StatusSuccess        ExecutionStatus = "success"
	StatusPartialSuccess ExecutionStatus = "partialSuccess"
	StatusSavedDraftOnly ExecutionStatus = "savedDraftOnly"
	StatusFailed         ExecutionStatus = "failed"
)

// SideEffectSnapshot is the immutable pre-execution view of one effect,
// captured into the audit trail before anything runs.
type SideEffectSnapshot struct {
	Type                      SideEffectType `json:"type"`
	Enabled                   bool           `json:"enabled"`
	Acknowledged              bool           `json:"acknowledged"`
	SecondConfirmationGranted bool           `json:"second_confirmation_granted"`
	PayloadHash               string         `json:"payload_hash,omitempty"`
}

// AuditTrail is the immutable snapshot built before execution starts.
// It is reported on every call, including denied ones.
type AuditTrail struct {
	PlanID             string               `json:"plan_id"`
	IntentSummary      string               `json:"intent_summary"`
	ContextSummary     string               `json:"context_summary,omitempty"`
	DraftHash          string               `json:"draft_hash"`
	SideEffects        []SideEffectSnapshot `json:"side_effects"`
	PermissionState    string               `json:"permission_state"`
	ConfidenceSnapshot float64              `json:"confidence_snapshot,omitempty"`
	CapturedAt         time.Time            `json:"captured_at"`
}

// ExecutionResult is returned by the execution engine for every call.
type ExecutionResult struct {
	Status              ExecutionStatus      `json:"status"`
	Message             string               `json:"message"`
	ExecutedSideEffects []ExecutedSideEffect `json:"executed_side_effects"`
	AuditTrail          *AuditTrail          `json:"audit_trail,omitempty"`
	RecordID            string               `json:"record_id,omitempty"`
}
