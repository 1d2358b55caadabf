package kernel

import (
	"fmt"

	"github.com/warden-labs/warden/pkg/contracts"
)

// quorumRule is the signature requirement for one risk tier.
type quorumRule struct {
	minSignatures int
	requiredTypes []contracts.SignerType
}

var quorumRules = map[contracts.RiskTier]quorumRule{
	contracts.RiskTierLow:      {minSignatures: 1},
	contracts.RiskTierStandard: {minSignatures: 1, requiredTypes: []contracts.SignerType{contracts.SignerDeviceOwner}},
	contracts.RiskTierHigh: {minSignatures: 2, requiredTypes: []contracts.SignerType{
		contracts.SignerDeviceOwner, contracts.SignerOrganizationAuthority}},
	contracts.RiskTierCritical: {minSignatures: 3, requiredTypes: []contracts.SignerType{
		contracts.SignerDeviceOwner, contracts.SignerOrganizationAuthority}},
}

var knownSignerTypes = map[contracts.SignerType]bool{
	contracts.SignerDeviceOwner:           true,
	contracts.SignerOrganizationAuthority: true,
	contracts.SignerSecurityOfficer:       true,
}

// ValidateQuorum checks the collected signatures against the tier's rule.
// Each signer type may appear at most once; unknown types and unknown tiers
// fail closed.
func ValidateQuorum(tier contracts.RiskTier, sigs []contracts.CollectedSignature) error {
	rule, ok := quorumRules[tier]
	if !ok {
		return fmt.Errorf("unknown risk tier %q: %w", tier, contracts.ErrQuorumMissing)
	}

	seen := make(map[contracts.SignerType]bool, len(sigs))
	for _, sig := range sigs {
		if !knownSignerTypes[sig.SignerType] {
			return fmt.Errorf("unknown signer type %q: %w", sig.SignerType, contracts.ErrQuorumMissing)
		}
		if seen[sig.SignerType] {
			return fmt.Errorf("duplicate signer type %q: %w", sig.SignerType, contracts.ErrQuorumMissing)
		}
		if sig.SignatureData == "" {
			return fmt.Errorf("empty signature from %q: %w", sig.SignerType, contracts.ErrQuorumMissing)
		}
		seen[sig.SignerType] = true
	}

	if len(seen) < rule.minSignatures {
		return fmt.Errorf("tier %s needs %d signatures, have %d: %w",
			tier, rule.minSignatures, len(seen), contracts.ErrQuorumMissing)
	}
	for _, required := range rule.requiredTypes {
		if !seen[required] {
			return fmt.Errorf("tier %s requires a %s signature: %w",
				tier, required, contracts.ErrQuorumMissing)
		}
	}
	return nil
}

// missingCoSignature reports whether the only unmet requirement is an
// organizationAuthority signature, which a remote co-signer can supply.
func missingCoSignature(tier contracts.RiskTier, sigs []contracts.CollectedSignature) bool {
	rule, ok := quorumRules[tier]
	if !ok {
		return false
	}
	needsAuthority := false
	for _, required := range rule.requiredTypes {
		if required == contracts.SignerOrganizationAuthority {
			needsAuthority = true
		}
	}
	if !needsAuthority {
		return false
	}
	for _, sig := range sigs {
		if sig.SignerType == contracts.SignerOrganizationAuthority {
			return false
		}
	}
	return true
}
