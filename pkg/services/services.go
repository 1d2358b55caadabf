// Package services holds the capability-scoped write services the engine
// dispatches side effects to, behind a registry that validates every payload
// against a per-effect JSON Schema before dispatch.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/warden-labs/warden/pkg/contracts"
)

// WriteService performs one kind of side effect through a capability-scoped
// OS surface. The outcome is the service's verdict; the error return is for
// transport-level failures only.
type WriteService interface {
	Perform(ctx context.Context, effect contracts.SideEffect, draft contracts.Draft) (contracts.WriteOutcome, error)
}

// payloadSchemas constrains what each effect type may carry. Unknown fields
// are rejected so a payload cannot smuggle extra instructions to a service.
var payloadSchemas = map[contracts.SideEffectType]string{
	contracts.EffectSendEmail: `{
		"type": "object",
		"properties": {
			"to":      {"type": "array", "items": {"type": "string", "format": "email"}, "minItems": 1},
			"cc":      {"type": "array", "items": {"type": "string", "format": "email"}},
			"subject": {"type": "string", "maxLength": 500}
		},
		"required": ["to", "subject"],
		"additionalProperties": false
	}`,
	contracts.EffectCreateCalendarEvent: `{
		"type": "object",
		"properties": {
			"title":    {"type": "string", "minLength": 1, "maxLength": 500},
			"start":    {"type": "string", "format": "date-time"},
			"end":      {"type": "string", "format": "date-time"},
			"location": {"type": "string", "maxLength": 500}
		},
		"required": ["title", "start"],
		"additionalProperties": false
	}`,
	contracts.EffectCreateReminder: `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 500},
			"due":   {"type": "string", "format": "date-time"}
		},
		"required": ["title"],
		"additionalProperties": false
	}`,
	contracts.EffectSaveDraft: `{
		"type": "object",
		"properties": {
			"folder": {"type": "string", "maxLength": 200}
		},
		"additionalProperties": false
	}`,
	contracts.EffectOpenComposer: `{
		"type": "object",
		"properties": {
			"to":      {"type": "array", "items": {"type": "string", "format": "email"}},
			"subject": {"type": "string", "maxLength": 500}
		},
		"additionalProperties": false
	}`,
}

// Registry maps effect types to their services and compiled payload schemas.
type Registry struct {
	services map[contracts.SideEffectType]WriteService
	schemas  map[contracts.SideEffectType]*jsonschema.Schema
}

// NewRegistry compiles the payload schemas for every known effect type.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		services: make(map[contracts.SideEffectType]WriteService),
		schemas:  make(map[contracts.SideEffectType]*jsonschema.Schema),
	}
	for effectType, src := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://warden.schemas.local/effects/%s.schema.json", effectType)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("loading schema for %s: %w", effectType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", effectType, err)
		}
		r.schemas[effectType] = compiled
	}
	return r, nil
}

// ReversalCapable is implemented by services whose writes can be undone.
type ReversalCapable interface {
	Undo(ctx context.Context, targetIdentifier, operation string) error
}

// Register attaches a service for one effect type.
func (r *Registry) Register(t contracts.SideEffectType, svc WriteService) {
	r.services[t] = svc
}

// Reverser returns the effect type's service if it can undo its writes.
func (r *Registry) Reverser(t contracts.SideEffectType) (ReversalCapable, bool) {
	svc, ok := r.services[t]
	if !ok {
		return nil, false
	}
	rc, ok := svc.(ReversalCapable)
	return rc, ok
}

// Dispatch validates the payload and hands the effect to its service.
// Schema violations and unknown effect types come back as blocked/failed
// outcomes, never as partial writes.
func (r *Registry) Dispatch(ctx context.Context, effect contracts.SideEffect, draft contracts.Draft) (contracts.WriteOutcome, error) {
	schema, known := r.schemas[effect.Type]
	if !known {
		return contracts.WriteOutcome{
			Status: contracts.OutcomeFailed,
			Reason: fmt.Sprintf("unknown side effect type %q", effect.Type),
		}, nil
	}
	payload := effect.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(normalize(payload)); err != nil {
		return contracts.WriteOutcome{
			Status: contracts.OutcomeBlocked,
			Reason: fmt.Sprintf("payload rejected: %v", err),
		}, nil
	}

	svc, ok := r.services[effect.Type]
	if !ok {
		return contracts.WriteOutcome{
			Status: contracts.OutcomeFailed,
			Reason: fmt.Sprintf("no service registered for %q", effect.Type),
		}, nil
	}
	return svc.Perform(ctx, effect, draft)
}

// normalize converts a payload to plain JSON types so schema validation sees
// the same shapes it would after a decode round trip.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
