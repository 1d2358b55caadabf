package evidence

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Snapshot is a read-only compliance view of the ledger: hashes, counts and
// booleans only. It has no decision authority; it exists so export builders
// never need access to the ledger itself.
type Snapshot struct {
	GeneratedAt    time.Time `json:"generated_at"`
	ChainHash      string    `json:"chain_hash"`
	EntryCount     uint64    `json:"entry_count"`
	Valid          bool      `json:"valid"`
	ViolationCount int       `json:"violation_count"`
}

// BuildSnapshot verifies the chain and summarizes the result.
func BuildSnapshot(ctx context.Context, l Ledger, now time.Time) (*Snapshot, error) {
	report, err := l.VerifyChainIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	head, count, err := l.Head(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		GeneratedAt:    now.UTC(),
		ChainHash:      head,
		EntryCount:     count,
		Valid:          report.Valid,
		ViolationCount: len(report.Violations),
	}, nil
}

var hashPattern = regexp.MustCompile(`^(genesis|sha256:[0-9a-f]{64})$`)

// ScanExportable rejects any export field that looks like free-form content
// rather than a hash, count or boolean. Advisory tooling for export-packet
// builders; the enforcement core does not depend on it.
func ScanExportable(fields map[string]any) error {
	for key, v := range fields {
		switch val := v.(type) {
		case bool, int, int64, uint64, float64:
			// counts and flags are always exportable
		case time.Time:
			// timestamps are exportable
		case string:
			if !hashPattern.MatchString(val) {
				return fmt.Errorf("field %q carries free-form content; only hashes, counts and booleans may leave the device", key)
			}
		default:
			return fmt.Errorf("field %q has non-exportable type %T", key, v)
		}
	}
	return nil
}
