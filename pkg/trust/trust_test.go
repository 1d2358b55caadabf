package trust

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/credentials"
	"github.com/warden-labs/warden/pkg/evidence"
)

func newEpochState(t *testing.T) (*EpochState, *evidence.MemoryLedger) {
	t.Helper()
	ledger := evidence.NewMemoryLedger()
	s, err := NewEpochState(context.Background(), credentials.NewMemoryStore(), ledger)
	require.NoError(t, err)
	return s, ledger
}

func TestEpochStateBootstrap(t *testing.T) {
	s, _ := newEpochState(t)
	epoch, version := s.Current()
	require.Equal(t, uint64(1), epoch)
	require.Equal(t, 1, version)
	require.NotNil(t, s.Signer())
	require.NoError(t, s.ValidateBinding(1, 1))
}

func TestRotateKeyAdvancesBothAndRevokesOld(t *testing.T) {
	s, ledger := newEpochState(t)
	oldPub := s.Signer().PublicKey()

	require.NoError(t, s.RotateKey(context.Background(), "scheduled"))

	epoch, version := s.Current()
	require.Equal(t, uint64(2), epoch)
	require.Equal(t, 2, version)
	require.NotEqual(t, oldPub, s.Signer().PublicKey())

	// Old binding fails immediately, no grace window.
	err := s.ValidateBinding(1, 1)
	require.True(t, errors.Is(err, contracts.ErrEpochOrKeyMismatch))

	// New binding holds.
	require.NoError(t, s.ValidateBinding(2, 2))

	// Rotation leaves an evidence entry.
	entries, err := ledger.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, evidence.TypeKeyRotated, entries[0].Type)
	require.Equal(t, "scheduled", entries[0].Content["reason"])
}

func TestValidateBindingRejectsPartialMatch(t *testing.T) {
	s, _ := newEpochState(t)
	require.NoError(t, s.RotateKey(context.Background(), "test"))

	// Right epoch, wrong key version.
	require.ErrorIs(t, s.ValidateBinding(2, 1), contracts.ErrEpochOrKeyMismatch)
	// Wrong epoch, right key version.
	require.ErrorIs(t, s.ValidateBinding(1, 2), contracts.ErrEpochOrKeyMismatch)
}

func TestEpochStateSurvivesRestart(t *testing.T) {
	creds := credentials.NewMemoryStore()
	ctx := context.Background()

	s1, err := NewEpochState(ctx, creds, nil)
	require.NoError(t, err)
	require.NoError(t, s1.RotateKey(ctx, "pre-restart"))
	pub := s1.Signer().PublicKey()

	s2, err := NewEpochState(ctx, creds, nil)
	require.NoError(t, err)
	epoch, version := s2.Current()
	require.Equal(t, uint64(2), epoch)
	require.Equal(t, 2, version)
	require.Equal(t, pub, s2.Signer().PublicKey())
}

func TestWebhookKeyChangesOnRotation(t *testing.T) {
	s, _ := newEpochState(t)
	k1, err := s.WebhookKey()
	require.NoError(t, err)

	require.NoError(t, s.RotateKey(context.Background(), "test"))
	k2, err := s.WebhookKey()
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestPublicKeyHistoryRetained(t *testing.T) {
	s, _ := newEpochState(t)
	oldPub := s.Signer().PublicKey()
	require.NoError(t, s.RotateKey(context.Background(), "test"))

	got, ok := s.PublicKeyFor(1)
	require.True(t, ok)
	require.Equal(t, oldPub, got)
}

func newDeviceRegistry(t *testing.T, ledger evidence.Ledger) *DeviceRegistry {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	reg, err := NewDeviceRegistry(context.Background(), db, ledger)
	require.NoError(t, err)
	return reg
}

func TestDeviceRegistryLifecycle(t *testing.T) {
	ledger := evidence.NewMemoryLedger()
	reg := newDeviceRegistry(t, ledger)
	ctx := context.Background()

	_, err := reg.Register(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, reg.IsTrusted(ctx, "fp-1"))
	require.NoError(t, reg.CheckTrusted(ctx, "fp-1"))

	require.NoError(t, reg.Revoke(ctx, "fp-1", "device lost"))
	require.False(t, reg.IsTrusted(ctx, "fp-1"))
	require.ErrorIs(t, reg.CheckTrusted(ctx, "fp-1"), contracts.ErrDeviceRevoked)

	rec, ok := reg.Get(ctx, "fp-1")
	require.True(t, ok)
	require.Equal(t, DeviceRevoked, rec.TrustState)
	require.Equal(t, "device lost", rec.Reason)
	require.NotNil(t, rec.RevokedAt)

	entries, err := ledger.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, evidence.TypeDeviceRevoked, entries[0].Type)
}

func TestUnknownDeviceNotTrusted(t *testing.T) {
	reg := newDeviceRegistry(t, nil)
	require.False(t, reg.IsTrusted(context.Background(), "never-seen"))
	require.ErrorIs(t, reg.CheckTrusted(context.Background(), "never-seen"), contracts.ErrDeviceRevoked)
}

func TestRevocationStickyAcrossReRegister(t *testing.T) {
	reg := newDeviceRegistry(t, nil)
	ctx := context.Background()

	_, err := reg.Register(ctx, "fp-2")
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, "fp-2", "compromised"))

	_, err = reg.Register(ctx, "fp-2")
	require.NoError(t, err)
	require.False(t, reg.IsTrusted(ctx, "fp-2"))
}

func TestRevocationVisibleAcrossRegistryInstances(t *testing.T) {
	db, err := sql.Open("sqlite", "file:devices_shared?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	serverSide, err := NewDeviceRegistry(ctx, db, nil)
	require.NoError(t, err)
	_, err = serverSide.Register(ctx, "fp-3")
	require.NoError(t, err)
	require.True(t, serverSide.IsTrusted(ctx, "fp-3"))

	// A second registry over the same table, as a CLI process would open.
	operatorSide, err := NewDeviceRegistry(ctx, db, nil)
	require.NoError(t, err)
	require.NoError(t, operatorSide.Revoke(ctx, "fp-3", "operator action"))

	// The first instance sees the revocation on its next check without a
	// restart; nothing caches the earlier trusted answer.
	require.False(t, serverSide.IsTrusted(ctx, "fp-3"))
	require.ErrorIs(t, serverSide.CheckTrusted(ctx, "fp-3"), contracts.ErrDeviceRevoked)
}

func TestRevocationSurvivesRestart(t *testing.T) {
	db, err := sql.Open("sqlite", "file:devices_restart?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	reg, err := NewDeviceRegistry(ctx, db, nil)
	require.NoError(t, err)
	_, err = reg.Register(ctx, "fp-4")
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, "fp-4", "lost"))

	// A fresh registry over the same database models a process restart.
	reborn, err := NewDeviceRegistry(ctx, db, nil)
	require.NoError(t, err)
	require.False(t, reborn.IsTrusted(ctx, "fp-4"))
	rec, ok := reborn.Get(ctx, "fp-4")
	require.True(t, ok)
	require.Equal(t, DeviceRevoked, rec.TrustState)
	require.Equal(t, "lost", rec.Reason)
}
