package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/events"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/trust"
)

// Monitor pushes attestations and checks the local chain against the
// mirror's acknowledged state. Divergence advances the trust epoch and
// raises a lockdown notification.
type Monitor struct {
	ledger      evidence.Ledger
	mirror      Mirror
	epochs      *trust.EpochState
	notifier    events.Notifier
	archive     Archive
	fingerprint string
	clock       func() time.Time
}

// NewMonitor wires the attestation monitor. The archive is optional.
func NewMonitor(ledger evidence.Ledger, m Mirror, epochs *trust.EpochState, notifier events.Notifier, fingerprint string) *Monitor {
	return &Monitor{
		ledger:      ledger,
		mirror:      m,
		epochs:      epochs,
		notifier:    notifier,
		fingerprint: fingerprint,
		clock:       time.Now,
	}
}

// WithArchive also writes every pushed attestation to object storage.
func (mo *Monitor) WithArchive(a Archive) *Monitor {
	mo.archive = a
	return mo
}

// WithClock overrides the time source, for tests.
func (mo *Monitor) WithClock(clock func() time.Time) *Monitor {
	mo.clock = clock
	return mo
}

// PushAttestation signs the current ledger head and pushes it to the
// mirror, archiving a copy when an archive is configured.
func (mo *Monitor) PushAttestation(ctx context.Context) (*evidence.Attestation, error) {
	epoch, keyVersion := mo.epochs.Current()
	signer, ok := mo.epochs.Signer().(*crypto.Ed25519Signer)
	if !ok {
		return nil, fmt.Errorf("attestation needs an ed25519 signer")
	}
	att, err := evidence.BuildAttestation(ctx, mo.ledger, signer, mo.fingerprint, epoch, keyVersion, mo.clock())
	if err != nil {
		return nil, fmt.Errorf("building attestation: %w", err)
	}
	if err := mo.mirror.Push(ctx, att); err != nil {
		return nil, err
	}
	if mo.archive != nil {
		if err := mo.archive.StoreAttestation(ctx, att); err != nil {
			return att, fmt.Errorf("archiving attestation: %w", err)
		}
	}
	return att, nil
}

// CheckDivergence compares the local chain to the mirror's acknowledged
// state. On mismatch it appends a divergence entry, rotates the signing key
// and emits a lockdown event, then reports the violation.
func (mo *Monitor) CheckDivergence(ctx context.Context) error {
	hash, count, err := mo.mirror.LastAcknowledged(ctx)
	if err != nil {
		return fmt.Errorf("reading mirror state: %w", err)
	}

	err = evidence.VerifyAgainstMirror(ctx, mo.ledger, hash, count)
	if err == nil {
		return nil
	}
	if !errors.Is(err, evidence.ErrDiverged) {
		return err
	}

	_, _ = mo.ledger.Append(ctx, evidence.TypeDivergence, "", map[string]any{
		"mirrored_count": count,
	})
	if rotErr := mo.epochs.RotateKey(ctx, "evidence divergence"); rotErr != nil {
		return fmt.Errorf("rotating after divergence: %w", rotErr)
	}
	if mo.notifier != nil {
		_ = mo.notifier.Notify(ctx, events.Event{
			Type: events.TypeLockdown,
			Data: map[string]string{"cause": "evidence divergence"},
		})
	}
	return fmt.Errorf("mirror disagrees with local chain: %w", contracts.ErrEvidenceDivergence)
}
