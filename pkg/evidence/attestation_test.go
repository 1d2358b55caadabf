package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-labs/warden/pkg/crypto"
)

func TestBuildAndVerifyAttestation(t *testing.T) {
	l := NewMemoryLedger()
	_, err := l.Append(context.Background(), TypeTokenIssued, "plan-1", map[string]any{"tier": "high"})
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("v1")
	require.NoError(t, err)

	att, err := BuildAttestation(context.Background(), l, signer, "device-abc", 1, 1, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, att.Signature)
	require.Equal(t, uint64(1), att.EntryCount)

	ok, err := VerifyAttestation(signer.PublicKey(), att)
	require.NoError(t, err)
	require.True(t, ok)

	// Tampered head must fail verification.
	att.ChainHash = "sha256:" + "00"
	ok, err = VerifyAttestation(signer.PublicKey(), att)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyAgainstMirrorAgreement(t *testing.T) {
	l := NewMemoryLedger()
	e1, _ := l.Append(context.Background(), TypeTokenIssued, "p", map[string]any{"n": 1})
	e2, _ := l.Append(context.Background(), TypeTokenIssued, "p", map[string]any{"n": 2})

	// Mirror caught up exactly.
	require.NoError(t, VerifyAgainstMirror(context.Background(), l, e2.ThisHash, 2))

	// Mirror lagging on a valid prefix.
	require.NoError(t, VerifyAgainstMirror(context.Background(), l, e1.ThisHash, 1))
}

func TestVerifyAgainstMirrorDivergence(t *testing.T) {
	l := NewMemoryLedger()
	_, _ = l.Append(context.Background(), TypeTokenIssued, "p", map[string]any{"n": 1})
	_, _ = l.Append(context.Background(), TypeTokenIssued, "p", map[string]any{"n": 2})

	// Same count, wrong head.
	err := VerifyAgainstMirror(context.Background(), l, "sha256:deadbeef", 2)
	require.True(t, errors.Is(err, ErrDiverged))

	// Mirror ahead of local ledger.
	err = VerifyAgainstMirror(context.Background(), l, "sha256:deadbeef", 5)
	require.True(t, errors.Is(err, ErrDiverged))

	// Lagging mirror on a hash that was never in the chain.
	err = VerifyAgainstMirror(context.Background(), l, "sha256:deadbeef", 1)
	require.True(t, errors.Is(err, ErrDiverged))
}

func TestBuildSnapshotAndScan(t *testing.T) {
	l := NewMemoryLedger()
	_, _ = l.Append(context.Background(), TypeTokenIssued, "p", map[string]any{"n": 1})

	snap, err := BuildSnapshot(context.Background(), l, time.Now())
	require.NoError(t, err)
	require.True(t, snap.Valid)
	require.Equal(t, uint64(1), snap.EntryCount)

	require.NoError(t, ScanExportable(map[string]any{
		"chain_hash":  snap.ChainHash,
		"entry_count": snap.EntryCount,
		"valid":       snap.Valid,
	}))

	err = ScanExportable(map[string]any{
		"summary": "user asked me to email the board about the merger",
	})
	require.Error(t, err)
}
