// Package netpolicy is the outbound network perimeter. Every call the
// kernel makes off the device (co-signing, mirror attestation) passes
// through an Enforcer; violations are recorded in the evidence ledger with
// the rejected host, path and mode only, never full URLs or content.
package netpolicy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/evidence"
)

// Mode selects the perimeter posture.
type Mode string

const (
	// ModeOfflineOnly denies every outbound call.
	ModeOfflineOnly Mode = "offlineOnly"
	// ModeEnterpriseAllowlist permits only allowlisted https hosts.
	ModeEnterpriseAllowlist Mode = "enterpriseAllowlist"
	// ModeDev relaxes the allowlist but still requires https. It cannot
	// be selected without the administrative flag.
	ModeDev Mode = "devMode"
)

// ErrDevModeNotPermitted is returned when devMode is requested without the
// administrative override.
var ErrDevModeNotPermitted = errors.New("devMode requires the administrative flag")

// hostRule is one allowlisted host with optional path-prefix restriction.
type hostRule struct {
	pathPrefixes []string
	dynamic      bool
}

// Enforcer checks outbound destinations against the active mode and
// allowlist.
type Enforcer struct {
	mu        sync.Mutex
	mode      Mode
	hosts     map[string]hostRule
	admission cel.Program
	ledger    evidence.Ledger
}

// Option configures an Enforcer.
type Option func(*Enforcer) error

// WithStaticHost allowlists a host, optionally restricted to path prefixes.
func WithStaticHost(host string, pathPrefixes ...string) Option {
	return func(e *Enforcer) error {
		e.hosts[strings.ToLower(host)] = hostRule{pathPrefixes: pathPrefixes}
		return nil
	}
}

// WithAdmissionExpression installs a CEL expression that every dynamic host
// registration must satisfy. The expression sees `host` (string) and
// `attrs` (map) and must evaluate to a bool.
func WithAdmissionExpression(expr string) Option {
	return func(e *Enforcer) error {
		env, err := cel.NewEnv(
			cel.StdLib(),
			cel.Variable("host", cel.StringType),
			cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			return fmt.Errorf("admission env: %w", err)
		}
		ast, issues := env.Compile(expr)
		if issues.Err() != nil {
			return fmt.Errorf("admission expression: %w", issues.Err())
		}
		prog, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return fmt.Errorf("admission program: %w", err)
		}
		e.admission = prog
		return nil
	}
}

// WithDevMode enables selecting ModeDev. This is the administrative flag;
// without it the constructor refuses devMode.
func WithDevMode() Option {
	return func(e *Enforcer) error {
		if e.mode == ModeDev {
			e.mode = modeDevArmed
		}
		return nil
	}
}

// modeDevArmed is ModeDev after the administrative flag validated it.
const modeDevArmed Mode = "devModeArmed"

// NewEnforcer builds a perimeter for the given mode.
func NewEnforcer(mode Mode, ledger evidence.Ledger, opts ...Option) (*Enforcer, error) {
	switch mode {
	case ModeOfflineOnly, ModeEnterpriseAllowlist, ModeDev:
	default:
		return nil, fmt.Errorf("unknown network policy mode %q", mode)
	}
	e := &Enforcer{
		mode:   mode,
		hosts:  make(map[string]hostRule),
		ledger: ledger,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.mode == ModeDev {
		return nil, ErrDevModeNotPermitted
	}
	if e.mode == modeDevArmed {
		e.mode = ModeDev
	}
	return e, nil
}

// Mode returns the active posture.
func (e *Enforcer) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// RegisterHost adds a dynamic enterprise/research host. When an admission
// expression is configured, the registration must satisfy it.
func (e *Enforcer) RegisterHost(ctx context.Context, host string, attrs map[string]any, pathPrefixes ...string) error {
	host = strings.ToLower(host)
	if host == "" {
		return fmt.Errorf("empty host")
	}

	e.mu.Lock()
	admission := e.admission
	e.mu.Unlock()

	if admission != nil {
		if attrs == nil {
			attrs = map[string]any{}
		}
		out, _, err := admission.Eval(map[string]any{"host": host, "attrs": attrs})
		if err != nil {
			return fmt.Errorf("admission evaluation for %s: %w", host, err)
		}
		admitted, ok := out.Value().(bool)
		if !ok || !admitted {
			return fmt.Errorf("host %s rejected by admission policy: %w", host, contracts.ErrNetworkPolicyViolation)
		}
	}

	e.mu.Lock()
	e.hosts[host] = hostRule{pathPrefixes: pathPrefixes, dynamic: true}
	e.mu.Unlock()
	return nil
}

// CheckURL validates one outbound destination. Any violation is recorded in
// the evidence ledger before the error returns.
func (e *Enforcer) CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return e.violation(ctx, "", "", "unparseable url")
	}
	host := strings.ToLower(u.Hostname())

	e.mu.Lock()
	mode := e.mode
	rule, allowlisted := e.hosts[host]
	e.mu.Unlock()

	if mode == ModeOfflineOnly {
		return e.violation(ctx, host, u.Path, "offline only")
	}
	if u.Scheme != "https" {
		return e.violation(ctx, host, u.Path, "insecure scheme")
	}
	if mode == ModeDev {
		return nil
	}

	if !allowlisted {
		return e.violation(ctx, host, u.Path, "host not allowlisted")
	}
	if len(rule.pathPrefixes) > 0 {
		permitted := false
		for _, prefix := range rule.pathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				permitted = true
				break
			}
		}
		if !permitted {
			return e.violation(ctx, host, u.Path, "path not permitted")
		}
	}
	return nil
}

func (e *Enforcer) violation(ctx context.Context, host, path, reason string) error {
	if e.ledger != nil {
		_, _ = e.ledger.Append(ctx, evidence.TypeNetworkBlocked, "", map[string]any{
			"host":   host,
			"path":   path,
			"mode":   string(e.Mode()),
			"reason": reason,
		})
	}
	return fmt.Errorf("%s %s (%s): %w", host, path, reason, contracts.ErrNetworkPolicyViolation)
}
