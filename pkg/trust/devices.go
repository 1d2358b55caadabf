package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/evidence"
)

// TrustState is a device's standing in the registry.
type TrustState string

const (
	DeviceTrusted TrustState = "trusted"
	DeviceRevoked TrustState = "revoked"
)

// DeviceRecord tracks one device's trust state.
type DeviceRecord struct {
	Fingerprint  string     `json:"fingerprint"`
	TrustState   TrustState `json:"trust_state"`
	RegisteredAt time.Time  `json:"registered_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// DeviceRegistry holds device trust state in a durable table. Every check
// reads the table directly; nothing caches the answer, so a revocation
// written by another process is effective on the next check.
type DeviceRegistry struct {
	mu     sync.Mutex
	db     *sql.DB
	ledger evidence.Ledger
	clock  func() time.Time
}

// NewDeviceRegistry migrates the schema and returns the registry.
func NewDeviceRegistry(ctx context.Context, db *sql.DB, ledger evidence.Ledger) (*DeviceRegistry, error) {
	r := &DeviceRegistry{db: db, ledger: ledger, clock: time.Now}
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS trusted_devices (
		fingerprint TEXT PRIMARY KEY,
		trust_state TEXT NOT NULL,
		registered_at TEXT NOT NULL,
		revoked_at TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT ''
	);`)
	if err != nil {
		return nil, fmt.Errorf("device registry migration: %w", err)
	}
	return r, nil
}

// WithClock overrides the time source, for tests.
func (r *DeviceRegistry) WithClock(clock func() time.Time) *DeviceRegistry {
	r.clock = clock
	return r
}

// Register adds a device as trusted. Re-registering a revoked device does
// not restore trust; revocation is sticky until an operator clears it.
func (r *DeviceRegistry) Register(ctx context.Context, fingerprint string) (*DeviceRecord, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("empty device fingerprint")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.getLocked(ctx, fingerprint); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := r.clock().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trusted_devices (fingerprint, trust_state, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO NOTHING`,
		fingerprint, string(DeviceTrusted), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("registering device %s: %w", fingerprint, err)
	}
	return r.getLocked(ctx, fingerprint)
}

// Revoke marks a device untrusted, effective immediately for every
// subsequent check in every process sharing the table. Unknown devices get
// a record so the revocation outlives them ever registering.
func (r *DeviceRegistry) Revoke(ctx context.Context, fingerprint, reason string) error {
	r.mu.Lock()
	now := r.clock().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trusted_devices (fingerprint, trust_state, registered_at, revoked_at, reason)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET trust_state = $2, revoked_at = $3, reason = $4`,
		fingerprint, string(DeviceRevoked), now, reason)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("revoking device %s: %w", fingerprint, err)
	}

	if r.ledger != nil {
		_, err := r.ledger.Append(ctx, evidence.TypeDeviceRevoked, "", map[string]any{
			"fingerprint": fingerprint,
			"reason":      reason,
		})
		if err != nil {
			return fmt.Errorf("recording revocation: %w", err)
		}
	}
	return nil
}

// IsTrusted reports whether a device is currently trusted. Unknown devices
// are not trusted, and a read failure counts as untrusted.
func (r *DeviceRegistry) IsTrusted(ctx context.Context, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.getLocked(ctx, fingerprint)
	return err == nil && rec.TrustState == DeviceTrusted
}

// CheckTrusted is IsTrusted as a gate: it returns ErrDeviceRevoked for any
// device that is not currently trusted.
func (r *DeviceRegistry) CheckTrusted(ctx context.Context, fingerprint string) error {
	if !r.IsTrusted(ctx, fingerprint) {
		return fmt.Errorf("device %s: %w", fingerprint, contracts.ErrDeviceRevoked)
	}
	return nil
}

// Get returns a device record, if present.
func (r *DeviceRegistry) Get(ctx context.Context, fingerprint string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.getLocked(ctx, fingerprint)
	if err != nil {
		return DeviceRecord{}, false
	}
	return *rec, true
}

func (r *DeviceRegistry) getLocked(ctx context.Context, fingerprint string) (*DeviceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, trust_state, registered_at, revoked_at, reason
		FROM trusted_devices WHERE fingerprint = $1`, fingerprint)

	var (
		rec          DeviceRecord
		state        string
		registeredAt string
		revokedAt    string
	)
	if err := row.Scan(&rec.Fingerprint, &state, &registeredAt, &revokedAt, &rec.Reason); err != nil {
		return nil, err
	}
	rec.TrustState = TrustState(state)
	var err error
	if rec.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAt); err != nil {
		return nil, err
	}
	if revokedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, revokedAt)
		if err != nil {
			return nil, err
		}
		rec.RevokedAt = &t
	}
	return &rec, nil
}
