// Package trust tracks the signing-key epoch and the device trust registry.
// Rotation has no grace window: the moment a key is rotated, every token
// bound to the previous (epoch, keyVersion) pair is invalid.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/credentials"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/evidence"
)

const (
	seedKeyFmt   = "signing-seed-v%d"
	metaKey      = "signing-key-meta"
	bootKeyID    = "v1"
	initialEpoch = 1
)

type keyMeta struct {
	Epoch      uint64 `json:"epoch"`
	KeyVersion int    `json:"key_version"`
}

// EpochState holds the active signing key, the monotonic epoch counter and
// the set of revoked key versions. All mutation goes through RotateKey.
type EpochState struct {
	mu sync.Mutex

	epoch      uint64
	keyVersion int
	revoked    map[int]bool
	publicKeys map[int]string

	signer *crypto.Ed25519Signer
	creds  credentials.SecureCredentialStore
	ledger evidence.Ledger
	clock  func() time.Time
}

// NewEpochState loads the active key material from the credential store, or
// bootstraps a fresh epoch-1 key when none is stored yet.
func NewEpochState(ctx context.Context, creds credentials.SecureCredentialStore, ledger evidence.Ledger) (*EpochState, error) {
	s := &EpochState{
		revoked:    make(map[int]bool),
		publicKeys: make(map[int]string),
		creds:      creds,
		ledger:     ledger,
		clock:      time.Now,
	}

	metaRaw, err := creds.Get(ctx, metaKey)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		if err := s.bootstrap(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("loading key metadata: %w", err)
	}

	var meta keyMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("corrupt key metadata: %w", err)
	}
	seed, err := creds.Get(ctx, fmt.Sprintf(seedKeyFmt, meta.KeyVersion))
	if err != nil {
		return nil, fmt.Errorf("loading signing seed v%d: %w", meta.KeyVersion, err)
	}
	signer, err := crypto.NewEd25519SignerFromSeed(seed, fmt.Sprintf("v%d", meta.KeyVersion))
	if err != nil {
		return nil, fmt.Errorf("restoring signer: %w", err)
	}

	s.epoch = meta.Epoch
	s.keyVersion = meta.KeyVersion
	s.signer = signer
	s.publicKeys[meta.KeyVersion] = signer.PublicKey()
	return s, nil
}

// WithClock overrides the time source, for tests.
func (s *EpochState) WithClock(clock func() time.Time) *EpochState {
	s.clock = clock
	return s
}

func (s *EpochState) bootstrap(ctx context.Context) error {
	signer, err := crypto.NewEd25519Signer(bootKeyID)
	if err != nil {
		return fmt.Errorf("generating initial key: %w", err)
	}
	s.epoch = initialEpoch
	s.keyVersion = 1
	s.signer = signer
	s.publicKeys[1] = signer.PublicKey()
	return s.persist(ctx)
}

func (s *EpochState) persist(ctx context.Context) error {
	if err := s.creds.Put(ctx, fmt.Sprintf(seedKeyFmt, s.keyVersion), s.signer.Seed()); err != nil {
		return fmt.Errorf("storing signing seed: %w", err)
	}
	metaRaw, err := json.Marshal(keyMeta{Epoch: s.epoch, KeyVersion: s.keyVersion})
	if err != nil {
		return err
	}
	if err := s.creds.Put(ctx, metaKey, metaRaw); err != nil {
		return fmt.Errorf("storing key metadata: %w", err)
	}
	return nil
}

// Current returns the active (epoch, keyVersion) pair.
func (s *EpochState) Current() (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.keyVersion
}

// Signer returns the active signing key.
func (s *EpochState) Signer() crypto.Signer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signer
}

// PublicKeyFor returns the public key for a key version, including revoked
// ones, so historical attestations stay verifiable.
func (s *EpochState) PublicKeyFor(version int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.publicKeys[version]
	return pub, ok
}

// RotateKey advances the epoch and key version together, revokes the old
// version and stores new key material. Tokens bound to the old pair fail
// ValidateBinding from this instant.
func (s *EpochState) RotateKey(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldVersion := s.keyVersion
	newVersion := s.keyVersion + 1

	signer, err := crypto.NewEd25519Signer(fmt.Sprintf("v%d", newVersion))
	if err != nil {
		return fmt.Errorf("generating rotated key: %w", err)
	}

	s.revoked[oldVersion] = true
	s.epoch++
	s.keyVersion = newVersion
	s.signer = signer
	s.publicKeys[newVersion] = signer.PublicKey()

	if err := s.persist(ctx); err != nil {
		return err
	}

	if s.ledger != nil {
		_, err := s.ledger.Append(ctx, evidence.TypeKeyRotated, "", map[string]any{
			"reason":          reason,
			"old_key_version": oldVersion,
			"new_key_version": newVersion,
			"epoch":           s.epoch,
		})
		if err != nil {
			return fmt.Errorf("recording rotation: %w", err)
		}
	}
	return nil
}

// ValidateBinding checks a token's (epoch, keyVersion) pair against the
// current state. Anything but an exact match on both fails closed.
func (s *EpochState) ValidateBinding(epoch uint64, keyVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked[keyVersion] {
		return fmt.Errorf("key version %d revoked: %w", keyVersion, contracts.ErrEpochOrKeyMismatch)
	}
	if epoch != s.epoch || keyVersion != s.keyVersion {
		return fmt.Errorf("token bound to epoch %d key v%d, current epoch %d key v%d: %w",
			epoch, keyVersion, s.epoch, s.keyVersion, contracts.ErrEpochOrKeyMismatch)
	}
	return nil
}

// WebhookKey derives the perimeter HMAC key from the active signing seed.
// Rotation therefore invalidates webhook signatures too.
func (s *EpochState) WebhookKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return crypto.DeriveWebhookKey(s.signer.Seed(), s.epoch)
}
