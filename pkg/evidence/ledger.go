package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-labs/warden/pkg/canonicalize"
)

// Ledger is the append-only evidence log. Appenders are serialized by the
// implementation so PrevHash always references the most recently committed
// entry.
type Ledger interface {
	Append(ctx context.Context, entryType, planID string, content map[string]any) (*Entry, error)
	Entries(ctx context.Context) ([]Entry, error)
	Head(ctx context.Context) (hash string, count uint64, err error)
	VerifyChainIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// chainHashes computes the content hash and the chained entry hash.
// The entry hash commits to the content (via its canonical hash) and to the
// predecessor's hash.
func chainHashes(content map[string]any, prevHash string) (contentHash, thisHash string, err error) {
	contentHash, err = canonicalize.CanonicalHash(content)
	if err != nil {
		return "", "", fmt.Errorf("content hash failed: %w", err)
	}
	thisHash = canonicalize.HashBytes([]byte(contentHash + prevHash))
	return contentHash, thisHash, nil
}

// verifyEntries walks a complete chain and reports every break.
func verifyEntries(entries []Entry) *IntegrityReport {
	report := &IntegrityReport{Valid: true, Entries: uint64(len(entries))}
	prevHash := GenesisHash

	for _, e := range entries {
		if e.PrevHash != prevHash {
			report.Violations = append(report.Violations, Violation{
				Seq:    e.Seq,
				Reason: fmt.Sprintf("chain broken: expected prev %s, got %s", prevHash, e.PrevHash),
			})
		}
		contentHash, thisHash, err := chainHashes(e.Content, e.PrevHash)
		if err != nil {
			report.Violations = append(report.Violations, Violation{Seq: e.Seq, Reason: err.Error()})
			prevHash = e.ThisHash
			continue
		}
		if contentHash != e.ContentHash {
			report.Violations = append(report.Violations, Violation{
				Seq:    e.Seq,
				Reason: "content hash mismatch",
			})
		}
		if thisHash != e.ThisHash {
			report.Violations = append(report.Violations, Violation{
				Seq:    e.Seq,
				Reason: "entry hash mismatch",
			})
		}
		prevHash = e.ThisHash
	}

	report.Valid = len(report.Violations) == 0
	return report
}

// MemoryLedger is a transient Ledger for tests and demos.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{headHash: GenesisHash, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

func (l *MemoryLedger) Append(ctx context.Context, entryType, planID string, content map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	contentHash, thisHash, err := chainHashes(content, l.headHash)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		ID:          uuid.New().String(),
		Seq:         uint64(len(l.entries)) + 1,
		Type:        entryType,
		PlanID:      planID,
		Timestamp:   l.clock(),
		Content:     content,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		ThisHash:    thisHash,
	}

	l.entries = append(l.entries, entry)
	l.headHash = thisHash
	return &entry, nil
}

func (l *MemoryLedger) Entries(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

func (l *MemoryLedger) Head(ctx context.Context) (string, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash, uint64(len(l.entries)), nil
}

func (l *MemoryLedger) VerifyChainIntegrity(ctx context.Context) (*IntegrityReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEntries(l.entries), nil
}
