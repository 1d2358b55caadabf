// Package evidence implements the hash-chained, append-only ledger of
// governance-relevant events, plus head attestation and mirror divergence
// detection. Entries are never mutated or deleted; every entry's hash
// incorporates its predecessor's hash.
package evidence

import (
	"errors"
	"time"
)

// GenesisHash is the prev hash of the first entry.
const GenesisHash = "genesis"

// ErrDiverged wraps a mirror mismatch. Callers escalate; this is never
// swallowed.
var ErrDiverged = errors.New("evidence ledger diverged from mirror")

// Entry is one immutable, hash-chained ledger record.
type Entry struct {
	ID          string         `json:"id"`
	Seq         uint64         `json:"seq"`
	Type        string         `json:"type"`
	PlanID      string         `json:"plan_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Content     map[string]any `json:"content"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	ThisHash    string         `json:"this_hash"`
}

// Violation describes one break found while verifying the chain.
type Violation struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// IntegrityReport is the result of a full chain verification.
type IntegrityReport struct {
	Valid      bool        `json:"valid"`
	Entries    uint64      `json:"entries"`
	Violations []Violation `json:"violations,omitempty"`
}

// Attestation is a point-in-time signed summary of the ledger head.
type Attestation struct {
	ChainHash         string    `json:"chain_hash"`
	EntryCount        uint64    `json:"entry_count"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	Epoch             uint64    `json:"epoch"`
	KeyVersion        int       `json:"key_version"`
	SignedAt          time.Time `json:"signed_at"`
	Signature         string    `json:"signature"`
}

// Well-known entry types.
const (
	TypeTokenIssued     = "token_issued"
	TypeTokenDenied     = "token_denied"
	TypeExecutionStart  = "execution_started"
	TypeExecutionResult = "execution_result"
	TypeRecordRecovered = "record_crash_recovered"
	TypeRecordHalted    = "record_halted"
	TypeRecordReversed  = "record_reversed"
	TypeKeyRotated      = "key_rotated"
	TypeDeviceRevoked   = "device_revoked"
	TypeNetworkBlocked  = "network_policy_violation"
	TypeDivergence      = "evidence_divergence"
)
