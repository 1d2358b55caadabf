package evidence

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Any sequence of appends must produce a chain that verifies clean, where
// every entry's prev hash equals the predecessor's this hash.
func TestChainIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(contents []string) bool {
			l := NewMemoryLedger()
			for i, c := range contents {
				if _, err := l.Append(context.Background(), TypeExecutionStart, "plan", map[string]any{
					"step": i,
					"body": c,
				}); err != nil {
					return false
				}
			}
			report, err := l.VerifyChainIntegrity(context.Background())
			if err != nil || !report.Valid {
				return false
			}
			entries, _ := l.Entries(context.Background())
			prev := GenesisHash
			for _, e := range entries {
				if e.PrevHash != prev {
					return false
				}
				prev = e.ThisHash
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
