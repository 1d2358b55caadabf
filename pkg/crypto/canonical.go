package crypto

import (
	"fmt"
	"sort"
	"strings"
)

// Signature component separators and prefixes.
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// CanonicalizeToken builds the canonical signing material for an
// authorization token. The signature over this string binds the token to its
// plan, the issuing epoch/key version, the risk tier and the issuance time.
func CanonicalizeToken(planID string, epoch uint64, keyVersion int, riskTier string, issuedAtUnixNano int64) string {
	return strings.Join([]string{
		planID,
		fmt.Sprintf("%d", epoch),
		fmt.Sprintf("%d", keyVersion),
		riskTier,
		fmt.Sprintf("%d", issuedAtUnixNano),
	}, SigSeparator)
}

// CanonicalizeAttestation builds the canonical signing material for a ledger
// head attestation.
func CanonicalizeAttestation(chainHash string, entryCount uint64, deviceFingerprint string, epoch uint64, keyVersion int, signedAtUnix int64) string {
	return strings.Join([]string{
		chainHash,
		fmt.Sprintf("%d", entryCount),
		deviceFingerprint,
		fmt.Sprintf("%d", epoch),
		fmt.Sprintf("%d", keyVersion),
		fmt.Sprintf("%d", signedAtUnix),
	}, SigSeparator)
}

// CanonicalizeWebhook builds the keyed-hash input for an inbound webhook
// payload: type, timestamp and nonce followed by the data map as sorted
// key=value pairs.
func CanonicalizeWebhook(payloadType, timestamp, nonce string, data map[string]string) string {
	parts := []string{payloadType, timestamp, nonce}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+data[k])
	}
	return strings.Join(parts, SigSeparator)
}
