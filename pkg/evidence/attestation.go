package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/warden-labs/warden/pkg/crypto"
)

// BuildAttestation signs the current ledger head together with the device
// identity and the active epoch/key version.
func BuildAttestation(ctx context.Context, l Ledger, signer crypto.Signer, deviceFingerprint string, epoch uint64, keyVersion int, now time.Time) (*Attestation, error) {
	head, count, err := l.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger head: %w", err)
	}

	att := &Attestation{
		ChainHash:         head,
		EntryCount:        count,
		DeviceFingerprint: deviceFingerprint,
		Epoch:             epoch,
		KeyVersion:        keyVersion,
		SignedAt:          now.UTC(),
	}

	payload := crypto.CanonicalizeAttestation(att.ChainHash, att.EntryCount, att.DeviceFingerprint, att.Epoch, att.KeyVersion, att.SignedAt.Unix())
	sig, err := signer.Sign([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("attestation signing failed: %w", err)
	}
	att.Signature = sig
	return att, nil
}

// VerifyAttestation checks an attestation signature against a public key.
func VerifyAttestation(pubKeyHex string, att *Attestation) (bool, error) {
	if att.Signature == "" {
		return false, fmt.Errorf("missing signature")
	}
	payload := crypto.CanonicalizeAttestation(att.ChainHash, att.EntryCount, att.DeviceFingerprint, att.Epoch, att.KeyVersion, att.SignedAt.Unix())
	return crypto.Verify(pubKeyHex, att.Signature, []byte(payload))
}

// VerifyAgainstMirror compares local ledger state to what the mirror last
// acknowledged. Any mismatch is a divergence; the caller must escalate.
func VerifyAgainstMirror(ctx context.Context, l Ledger, mirroredHash string, mirroredCount uint64) error {
	head, count, err := l.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger head: %w", err)
	}

	// The mirror may lag behind the local ledger; it must never be ahead of
	// it or disagree about a prefix it has acknowledged.
	if mirroredCount > count {
		return fmt.Errorf("%w: mirror acknowledges %d entries, local ledger has %d", ErrDiverged, mirroredCount, count)
	}
	if mirroredCount == count && mirroredHash != head {
		return fmt.Errorf("%w: head mismatch at %d entries", ErrDiverged, count)
	}
	if mirroredCount < count {
		entries, err := l.Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to load entries: %w", err)
		}
		if mirroredCount > 0 {
			e := entries[mirroredCount-1]
			if e.ThisHash != mirroredHash {
				return fmt.Errorf("%w: prefix mismatch at entry %d", ErrDiverged, mirroredCount)
			}
		}
	}
	return nil
}
