// Package kernel issues and validates the single-use authorization tokens
// that gate every side effect. All checks are fail-closed: any validation
// failure returns a typed denial and never a partially issued token.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/nonce"
	"github.com/warden-labs/warden/pkg/trust"
)

// DefaultTokenTTL bounds how long an issued token stays usable.
const DefaultTokenTTL = 2 * time.Minute

// CoSigner obtains an organizationAuthority signature from a remote
// authority for tiers that require one.
type CoSigner interface {
	RequestCoSignature(ctx context.Context, planID string, tier contracts.RiskTier) (contracts.CollectedSignature, error)
}

// CapabilityKernel is the single authority for token issuance, verification
// and consumption.
type CapabilityKernel struct {
	epochs   *trust.EpochState
	devices  *trust.DeviceRegistry
	consumed nonce.Store
	ledger   evidence.Ledger
	coSigner CoSigner
	tokenTTL time.Duration
	clock    func() time.Time
}

// New wires a kernel. The co-signer is optional; without one, high and
// critical tiers need their organizationAuthority signature collected
// locally.
func New(epochs *trust.EpochState, devices *trust.DeviceRegistry, consumed nonce.Store, ledger evidence.Ledger) *CapabilityKernel {
	return &CapabilityKernel{
		epochs:   epochs,
		devices:  devices,
		consumed: consumed,
		ledger:   ledger,
		tokenTTL: DefaultTokenTTL,
		clock:    time.Now,
	}
}

// WithCoSigner attaches a remote co-signing authority.
func (k *CapabilityKernel) WithCoSigner(c CoSigner) *CapabilityKernel {
	k.coSigner = c
	return k
}

// WithTokenTTL overrides the issuance-to-expiry window.
func (k *CapabilityKernel) WithTokenTTL(ttl time.Duration) *CapabilityKernel {
	k.tokenTTL = ttl
	return k
}

// WithClock overrides the time source, for tests.
func (k *CapabilityKernel) WithClock(clock func() time.Time) *CapabilityKernel {
	k.clock = clock
	return k
}

// IssueToken mints a token bound to the current epoch and key version.
// The requesting device's trust is re-checked here regardless of any
// earlier check, and the quorum for the tier must already be collected
// (modulo a remote co-signature the kernel can request itself).
func (k *CapabilityKernel) IssueToken(ctx context.Context, planID string, tier contracts.RiskTier, deviceFingerprint string, sigs []contracts.CollectedSignature) (*contracts.AuthorizationToken, error) {
	if err := k.devices.CheckTrusted(ctx, deviceFingerprint); err != nil {
		k.logDenial(ctx, planID, tier, "device_revoked")
		return nil, err
	}

	if k.coSigner != nil && missingCoSignature(tier, sigs) {
		coSig, err := k.coSigner.RequestCoSignature(ctx, planID, tier)
		if err != nil {
			// High tier can still pass if the local quorum happens to
			// satisfy the rule; critical cannot, and ValidateQuorum
			// below fails it closed.
			if tier == contracts.RiskTierCritical {
				k.logDenial(ctx, planID, tier, "cosign_unavailable")
				return nil, fmt.Errorf("co-signature unavailable: %w", contracts.ErrQuorumMissing)
			}
		} else {
			sigs = append(sigs, coSig)
		}
	}

	if err := ValidateQuorum(tier, sigs); err != nil {
		k.logDenial(ctx, planID, tier, "quorum_missing")
		return nil, err
	}

	epoch, keyVersion := k.epochs.Current()
	issuedAt := k.clock()

	material := crypto.CanonicalizeToken(planID, epoch, keyVersion, string(tier), issuedAt.UnixNano())
	signature, err := k.epochs.Signer().Sign([]byte(material))
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	token := &contracts.AuthorizationToken{
		PlanID:              planID,
		RiskTier:            tier,
		KeyVersion:          keyVersion,
		Epoch:               epoch,
		IssuedAt:            issuedAt,
		ExpiresAt:           issuedAt.Add(k.tokenTTL),
		Signature:           signature,
		CollectedSignatures: sigs,
	}

	if k.ledger != nil {
		_, err := k.ledger.Append(ctx, evidence.TypeTokenIssued, planID, map[string]any{
			"risk_tier":   string(tier),
			"epoch":       epoch,
			"key_version": keyVersion,
			"signatures":  len(sigs),
		})
		if err != nil {
			return nil, fmt.Errorf("recording issuance: %w", err)
		}
	}
	return token, nil
}

// VerifyTokenSignature recomputes the canonical material and checks the
// ed25519 signature against the issuing key version's public key.
func (k *CapabilityKernel) VerifyTokenSignature(token *contracts.AuthorizationToken) error {
	if token == nil || token.Signature == "" {
		return fmt.Errorf("missing signature: %w", contracts.ErrTokenInvalid)
	}
	pubKey, ok := k.epochs.PublicKeyFor(token.KeyVersion)
	if !ok {
		return fmt.Errorf("unknown key version %d: %w", token.KeyVersion, contracts.ErrTokenInvalid)
	}
	material := crypto.CanonicalizeToken(token.PlanID, token.Epoch, token.KeyVersion,
		string(token.RiskTier), token.IssuedAt.UnixNano())
	ok, err := crypto.Verify(pubKey, token.Signature, []byte(material))
	if err != nil {
		return fmt.Errorf("signature check: %w", contracts.ErrSignatureForged)
	}
	if !ok {
		return contracts.ErrSignatureForged
	}
	return nil
}

// ValidateTokenBinding checks the token's (epoch, keyVersion) pair against
// the current trust state. Exact match only.
func (k *CapabilityKernel) ValidateTokenBinding(token *contracts.AuthorizationToken) error {
	return k.epochs.ValidateBinding(token.Epoch, token.KeyVersion)
}

// ConsumeToken burns the token's one-time identity. Only the first call for
// a given issuance succeeds; every later call is a replay.
func (k *CapabilityKernel) ConsumeToken(ctx context.Context, token *contracts.AuthorizationToken) error {
	first, err := k.consumed.Consume(ctx, token.ConsumptionID(), token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("consuming token: %w", err)
	}
	if !first {
		return fmt.Errorf("token %s already consumed: %w", token.ConsumptionID(), contracts.ErrReplayAttempted)
	}
	return nil
}

func (k *CapabilityKernel) logDenial(ctx context.Context, planID string, tier contracts.RiskTier, reason string) {
	if k.ledger == nil {
		return
	}
	_, _ = k.ledger.Append(ctx, evidence.TypeTokenDenied, planID, map[string]any{
		"risk_tier": string(tier),
		"reason":    reason,
	})
}
