package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warden-labs/warden/pkg/contracts"
)

func TestDispatchValidPayload(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	svc := Succeeding("msg-1", "send")
	r.Register(contracts.EffectSendEmail, svc)

	out, err := r.Dispatch(context.Background(), contracts.SideEffect{
		Type: contracts.EffectSendEmail,
		Payload: map[string]any{
			"to":      []string{"a@example.com"},
			"subject": "quarterly numbers",
		},
	}, contracts.Draft{Type: "email", Content: "body"})
	require.NoError(t, err)
	require.True(t, out.Succeeded())
	require.Len(t, svc.Calls(), 1)
}

func TestDispatchBlocksInvalidPayload(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	svc := Succeeding("msg-1", "send")
	r.Register(contracts.EffectSendEmail, svc)

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"missing subject", map[string]any{"to": []string{"a@example.com"}}},
		{"empty recipients", map[string]any{"to": []string{}, "subject": "s"}},
		{"unknown field", map[string]any{"to": []string{"a@example.com"}, "subject": "s", "bcc_all": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := r.Dispatch(context.Background(), contracts.SideEffect{
				Type:    contracts.EffectSendEmail,
				Payload: tc.payload,
			}, contracts.Draft{})
			require.NoError(t, err)
			require.Equal(t, contracts.OutcomeBlocked, out.Status)
			require.Empty(t, svc.Calls())
		})
	}
}

func TestDispatchUnknownEffectType(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	out, err := r.Dispatch(context.Background(), contracts.SideEffect{Type: "formatDisk"}, contracts.Draft{})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeFailed, out.Status)
}

func TestDispatchUnregisteredService(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	out, err := r.Dispatch(context.Background(), contracts.SideEffect{
		Type:    contracts.EffectCreateReminder,
		Payload: map[string]any{"title": "follow up"},
	}, contracts.Draft{})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeFailed, out.Status)
}

func TestCalendarRequiresStart(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	r.Register(contracts.EffectCreateCalendarEvent, Succeeding("evt-1", "create"))

	out, err := r.Dispatch(context.Background(), contracts.SideEffect{
		Type:    contracts.EffectCreateCalendarEvent,
		Payload: map[string]any{"title": "sync"},
	}, contracts.Draft{})
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeBlocked, out.Status)
}

func TestSaveDraftEmptyPayloadAllowed(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	r.Register(contracts.EffectSaveDraft, Succeeding("draft-1", "save"))

	out, err := r.Dispatch(context.Background(), contracts.SideEffect{
		Type: contracts.EffectSaveDraft,
	}, contracts.Draft{Type: "email", Content: "draft body"})
	require.NoError(t, err)
	require.True(t, out.Succeeded())
}
