package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/credentials"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/kernel"
	"github.com/warden-labs/warden/pkg/nonce"
	"github.com/warden-labs/warden/pkg/record"
	"github.com/warden-labs/warden/pkg/services"
	"github.com/warden-labs/warden/pkg/trust"
)

const testDevice = "fp-engine-test"

type fixture struct {
	engine   *Engine
	kernel   *kernel.CapabilityKernel
	epochs   *trust.EpochState
	devices  *trust.DeviceRegistry
	records  *record.SQLStore
	registry *services.Registry
	ledger   *evidence.MemoryLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := evidence.NewMemoryLedger()
	epochs, err := trust.NewEpochState(ctx, credentials.NewMemoryStore(), nil)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	devices, err := trust.NewDeviceRegistry(ctx, db, nil)
	require.NoError(t, err)
	_, err = devices.Register(ctx, testDevice)
	require.NoError(t, err)

	k := kernel.New(epochs, devices, nonce.NewMemoryStore(), nil)

	records, err := record.NewSQLStore(ctx, db, ledger)
	require.NoError(t, err)
	_, err = records.Recover(ctx)
	require.NoError(t, err)

	registry, err := services.NewRegistry()
	require.NoError(t, err)

	return &fixture{
		engine:   New(k, registry, records, ledger, devices, testDevice),
		kernel:   k,
		epochs:   epochs,
		devices:  devices,
		records:  records,
		registry: registry,
		ledger:   ledger,
	}
}

func (f *fixture) token(t *testing.T, tier contracts.RiskTier) *contracts.AuthorizationToken {
	t.Helper()
	token, err := f.kernel.IssueToken(context.Background(), "plan-"+string(tier), tier, testDevice,
		[]contracts.CollectedSignature{
			{SignerID: "o", SignerType: contracts.SignerDeviceOwner, SignatureData: "s1", SignedAt: time.Now()},
			{SignerID: "a", SignerType: contracts.SignerOrganizationAuthority, SignatureData: "s2", SignedAt: time.Now()},
		})
	require.NoError(t, err)
	return token
}

func reminderEffect() contracts.SideEffect {
	return contracts.SideEffect{
		Type:                      contracts.EffectCreateReminder,
		Enabled:                   true,
		Acknowledged:              true,
		SecondConfirmationGranted: true,
		Payload:                   map[string]any{"title": "follow up"},
	}
}

func saveDraftEffect() contracts.SideEffect {
	return contracts.SideEffect{
		Type:         contracts.EffectSaveDraft,
		Enabled:      true,
		Acknowledged: true,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	svc := services.Succeeding("rem-1", "create")
	f.registry.Register(contracts.EffectCreateReminder, svc)

	res, err := f.engine.Execute(context.Background(), Request{
		Draft:         contracts.Draft{Type: "reminder", Content: "follow up with legal"},
		SideEffects:   []contracts.SideEffect{reminderEffect()},
		Token:         f.token(t, contracts.RiskTierStandard),
		IntentSummary: "create a follow-up reminder",
		Reversible:    true,
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusSuccess, res.Status)
	require.Len(t, res.ExecutedSideEffects, 1)
	require.NotNil(t, res.AuditTrail)
	require.NotEmpty(t, res.AuditTrail.DraftHash)
	require.Len(t, svc.Calls(), 1)

	rec, err := f.records.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	require.Equal(t, record.StatusCompleted, rec.Status)
	require.True(t, rec.RollbackAvailable)
}

func TestExecuteRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, contracts.RiskTierStandard)
	token.ExpiresAt = time.Now().Add(-time.Second)

	res, err := f.engine.Execute(context.Background(), Request{
		SideEffects: []contracts.SideEffect{saveDraftEffect()},
		Token:       token,
	})
	require.ErrorIs(t, err, contracts.ErrTokenInvalid)
	require.Equal(t, contracts.StatusFailed, res.Status)
	require.NotNil(t, res.AuditTrail)
}

func TestExecuteRejectsEmptySignature(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, contracts.RiskTierStandard)
	token.Signature = ""

	_, err := f.engine.Execute(context.Background(), Request{Token: token})
	require.ErrorIs(t, err, contracts.ErrTokenInvalid)
}

func TestExecuteRejectsForgedSignature(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, contracts.RiskTierStandard)
	token.RiskTier = contracts.RiskTierLow

	_, err := f.engine.Execute(context.Background(), Request{Token: token})
	require.ErrorIs(t, err, contracts.ErrSignatureForged)
}

func TestExecuteRejectsReplay(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(contracts.EffectSaveDraft, services.Succeeding("draft-1", "save"))
	token := f.token(t, contracts.RiskTierStandard)

	req := Request{
		Draft:       contracts.Draft{Content: "x"},
		SideEffects: []contracts.SideEffect{saveDraftEffect()},
		Token:       token,
	}
	_, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)

	_, err = f.engine.Execute(context.Background(), req)
	require.ErrorIs(t, err, contracts.ErrReplayAttempted)
}

func TestExecuteRejectsSupersededKey(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, contracts.RiskTierStandard)

	require.NoError(t, f.epochs.RotateKey(context.Background(), "test"))

	_, err := f.engine.Execute(context.Background(), Request{Token: token})
	require.ErrorIs(t, err, contracts.ErrEpochOrKeyMismatch)
}

func TestExecuteRejectsRevokedDevice(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, contracts.RiskTierStandard)

	require.NoError(t, f.devices.Revoke(context.Background(), testDevice, "stolen"))

	_, err := f.engine.Execute(context.Background(), Request{Token: token})
	require.ErrorIs(t, err, contracts.ErrDeviceRevoked)
}

func TestExecuteFailsClosedOnMissingSecondConfirmation(t *testing.T) {
	f := newFixture(t)
	emailSvc := services.Succeeding("msg-1", "send")
	draftSvc := services.Succeeding("draft-1", "save")
	f.registry.Register(contracts.EffectSendEmail, emailSvc)
	f.registry.Register(contracts.EffectSaveDraft, draftSvc)

	email := contracts.SideEffect{
		Type: contracts.EffectSendEmail, Enabled: true, Acknowledged: true,
		Payload: map[string]any{"to": []string{"a@example.com"}, "subject": "s"},
	}

	_, err := f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Content: "x"},
		SideEffects: []contracts.SideEffect{email, saveDraftEffect()},
		Token:       f.token(t, contracts.RiskTierHigh),
	})
	require.ErrorIs(t, err, contracts.ErrSecondConfirmationMissing)

	// Nothing ran, not even the non-write save.
	require.Empty(t, emailSvc.Calls())
	require.Empty(t, draftSvc.Calls())
}

func TestConcurrentExecutionBlocked(t *testing.T) {
	f := newFixture(t)
	slow := services.Succeeding("rem-1", "create")
	slow.Delay = 200 * time.Millisecond
	f.registry.Register(contracts.EffectCreateReminder, slow)
	f.registry.Register(contracts.EffectSaveDraft, services.Succeeding("draft-1", "save"))

	first := f.token(t, contracts.RiskTierStandard)
	second := f.token(t, contracts.RiskTierLow)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Execute(context.Background(), Request{
			Draft:       contracts.Draft{Content: "x"},
			SideEffects: []contracts.SideEffect{reminderEffect()},
			Token:       first,
		})
		done <- err
	}()

	// Wait for the first call to take the lock.
	require.Eventually(t, func() bool {
		if !f.engine.busy.TryLock() {
			return true
		}
		f.engine.busy.Unlock()
		return false
	}, time.Second, 5*time.Millisecond)

	_, err := f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Content: "y"},
		SideEffects: []contracts.SideEffect{saveDraftEffect()},
		Token:       second,
	})
	require.ErrorIs(t, err, contracts.ErrConcurrentExecutionBlocked)
	require.NoError(t, <-done)
}

func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		name     string
		executed []contracts.ExecutedSideEffect
		want     contracts.ExecutionStatus
	}{
		{"composer hand-off wins", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
			{Type: contracts.EffectOpenComposer, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
		}, contracts.StatusSuccess},
		{"reminder success wins over failures", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
			{Type: contracts.EffectCreateReminder, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
		}, contracts.StatusSuccess},
		{"calendar success wins", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectCreateCalendarEvent, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
		}, contracts.StatusSuccess},
		{"nothing executed", nil, contracts.StatusSavedDraftOnly},
		{"only a saved draft", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSaveDraft, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
		}, contracts.StatusSavedDraftOnly},
		{"all succeeded", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
			{Type: contracts.EffectSaveDraft, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
		}, contracts.StatusSuccess},
		{"some succeeded", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeSuccess}},
			{Type: contracts.EffectSaveDraft, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
		}, contracts.StatusPartialSuccess},
		{"none succeeded", []contracts.ExecutedSideEffect{
			{Type: contracts.EffectSendEmail, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
			{Type: contracts.EffectSaveDraft, Outcome: contracts.WriteOutcome{Status: contracts.OutcomeFailed}},
		}, contracts.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, deriveStatus(tc.executed))
		})
	}
}

func TestUndoMostRecentOnly(t *testing.T) {
	f := newFixture(t)
	svc := services.Succeeding("rem-1", "create")
	f.registry.Register(contracts.EffectCreateReminder, svc)

	res, err := f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Content: "x"},
		SideEffects: []contracts.SideEffect{reminderEffect()},
		Token:       f.token(t, contracts.RiskTierStandard),
		Reversible:  true,
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Undo(context.Background()))
	require.Equal(t, []string{"rem-1:delete"}, svc.Undone())

	rec, err := f.records.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	require.Equal(t, record.StatusReversed, rec.Status)
	require.False(t, rec.RollbackAvailable)

	// History is now empty.
	require.ErrorIs(t, f.engine.Undo(context.Background()), ErrNothingToUndo)
}

func TestUndoRefusedWhenLatestActionIrreversible(t *testing.T) {
	f := newFixture(t)
	reminderSvc := services.Succeeding("rem-1", "create")
	emailSvc := services.Succeeding("msg-1", "send")
	f.registry.Register(contracts.EffectCreateReminder, reminderSvc)
	f.registry.Register(contracts.EffectSendEmail, emailSvc)

	_, err := f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Type: "reminder", Content: "x"},
		SideEffects: []contracts.SideEffect{reminderEffect()},
		Token:       f.token(t, contracts.RiskTierStandard),
		Reversible:  true,
	})
	require.NoError(t, err)

	email := contracts.SideEffect{
		Type: contracts.EffectSendEmail, Enabled: true, Acknowledged: true,
		SecondConfirmationGranted: true,
		Payload:                   map[string]any{"to": []string{"a@example.com"}, "subject": "s"},
	}
	_, err = f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Type: "email", Content: "y"},
		SideEffects: []contracts.SideEffect{email},
		Token:       f.token(t, contracts.RiskTierHigh),
	})
	require.NoError(t, err)

	// The sent email is the most recent action. It cannot be reversed, and
	// the older reminder is out of reach behind it.
	require.ErrorIs(t, f.engine.Undo(context.Background()), ErrNothingToUndo)
	require.Empty(t, reminderSvc.Undone())
	require.Empty(t, emailSvc.Undone())

	// Both executions are on the history regardless of reversibility.
	history := f.engine.History()
	require.Len(t, history, 2)
	require.Nil(t, history[1].Reversal)
	require.NotNil(t, history[0].Reversal)
}

func TestRecordCarriesIntentAndEvidence(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(contracts.EffectCreateReminder, services.Succeeding("rem-1", "create"))

	res, err := f.engine.Execute(context.Background(), Request{
		Draft:         contracts.Draft{Type: "reminder", Content: "follow up"},
		SideEffects:   []contracts.SideEffect{reminderEffect()},
		Token:         f.token(t, contracts.RiskTierStandard),
		IntentSummary: "create a follow-up reminder",
		Reversible:    true,
	})
	require.NoError(t, err)

	rec, err := f.records.Get(context.Background(), res.RecordID)
	require.NoError(t, err)
	require.Equal(t, "reminder", rec.IntentType)
	require.Equal(t, contracts.EffectCreateReminder, rec.SideEffectType)
	require.Equal(t, "create a follow-up reminder", rec.Summary)

	// Start and result entries are both traceable from the record.
	require.Len(t, rec.EvidenceIDs, 2)
	entries, err := f.ledger.Entries(context.Background())
	require.NoError(t, err)
	byID := map[string]string{}
	for _, e := range entries {
		byID[e.ID] = e.Type
	}
	require.Equal(t, evidence.TypeExecutionStart, byID[rec.EvidenceIDs[0]])
	require.Equal(t, evidence.TypeExecutionResult, byID[rec.EvidenceIDs[1]])
}

func TestUndoHistoryBounded(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < maxUndoHistory+5; i++ {
		f.engine.pushUndo(UndoEntry{RecordID: "rec", Reversal: &record.ReversalCommand{}})
	}
	require.Len(t, f.engine.History(), maxUndoHistory)
}

func TestEmergencyHaltFailsPendingRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.records.Create(ctx, record.NewRecord{PlanID: "plan-pending", Reversible: false})
	require.NoError(t, err)
	require.NoError(t, f.records.Approve(ctx, rec.ID))

	n, err := f.engine.EmergencyHalt(ctx, "operator halt")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.records.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, record.StatusFailed, got.Status)

	// Halt wipes the undo history too.
	require.ErrorIs(t, f.engine.Undo(ctx), ErrNothingToUndo)
}

func TestCrashRecoveryBeforeNewWork(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file:engine_recovery?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := evidence.NewMemoryLedger()
	s1, err := record.NewSQLStore(ctx, db, ledger)
	require.NoError(t, err)
	_, err = s1.Recover(ctx)
	require.NoError(t, err)

	rec, err := s1.Create(ctx, record.NewRecord{PlanID: "plan-orphan", Reversible: false})
	require.NoError(t, err)
	require.NoError(t, s1.Approve(ctx, rec.ID))
	require.NoError(t, s1.MarkExecuting(ctx, rec.ID))

	// Restarted process: a fresh store refuses new work until recovery.
	s2, err := record.NewSQLStore(ctx, db, ledger)
	require.NoError(t, err)
	_, err = s2.Create(ctx, record.NewRecord{PlanID: "plan-new", Reversible: false})
	require.ErrorIs(t, err, record.ErrNotRecovered)

	n, err := s2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s2.Create(ctx, record.NewRecord{PlanID: "plan-new", Reversible: false})
	require.NoError(t, err)
}

func TestAuditTrailCapturedBeforeExecution(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(contracts.EffectCreateReminder, services.Failing("service down"))

	eff := reminderEffect()
	res, err := f.engine.Execute(context.Background(), Request{
		Draft:         contracts.Draft{Type: "reminder", Content: "café meeting"},
		SideEffects:   []contracts.SideEffect{eff},
		Token:         f.token(t, contracts.RiskTierStandard),
		IntentSummary: "remind about the meeting",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusFailed, res.Status)

	require.Len(t, res.AuditTrail.SideEffects, 1)
	snap := res.AuditTrail.SideEffects[0]
	require.Equal(t, contracts.EffectCreateReminder, snap.Type)
	require.True(t, snap.Enabled)
	require.NotEmpty(t, snap.PayloadHash)

	// NFC and NFD renderings of the same draft hash identically.
	other := f.engine.buildAuditTrail(Request{Draft: contracts.Draft{Content: "café meeting"}})
	require.Equal(t, res.AuditTrail.DraftHash, other.DraftHash)
}

func TestDisabledEffectsNeverRun(t *testing.T) {
	f := newFixture(t)
	svc := services.Succeeding("rem-1", "create")
	f.registry.Register(contracts.EffectCreateReminder, svc)

	eff := reminderEffect()
	eff.Enabled = false

	res, err := f.engine.Execute(context.Background(), Request{
		Draft:       contracts.Draft{Content: "x"},
		SideEffects: []contracts.SideEffect{eff},
		Token:       f.token(t, contracts.RiskTierStandard),
	})
	require.NoError(t, err)
	require.Equal(t, contracts.StatusSavedDraftOnly, res.Status)
	require.Empty(t, svc.Calls())
}
