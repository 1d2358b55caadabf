// Package mirror handles the outbound attestation path: pushing signed
// ledger-head attestations to a remote or local mirror, archiving them to
// object storage, and reacting to divergence between the local chain and
// what the mirror last acknowledged.
package mirror

import (
	"context"
	"sync"

	"github.com/warden-labs/warden/pkg/evidence"
)

// Mirror acknowledges attestations and reports the last state it accepted.
type Mirror interface {
	Push(ctx context.Context, att *evidence.Attestation) error
	LastAcknowledged(ctx context.Context) (chainHash string, entryCount uint64, err error)
}

// MemoryMirror is an in-process mirror for tests and offline deployments.
type MemoryMirror struct {
	mu   sync.Mutex
	last *evidence.Attestation
}

// NewMemoryMirror creates an empty mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{}
}

func (m *MemoryMirror) Push(ctx context.Context, att *evidence.Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = att
	return nil
}

func (m *MemoryMirror) LastAcknowledged(ctx context.Context) (string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return evidence.GenesisHash, 0, nil
	}
	return m.last.ChainHash, m.last.EntryCount, nil
}

// Corrupt overwrites the acknowledged state, for divergence tests.
func (m *MemoryMirror) Corrupt(chainHash string, entryCount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &evidence.Attestation{ChainHash: chainHash, EntryCount: entryCount}
}
