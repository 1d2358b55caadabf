package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/netpolicy"
)

// HTTPMirror pushes attestations to a remote mirror over the network
// perimeter. Every request passes the policy enforcer first.
type HTTPMirror struct {
	baseURL  string
	signer   *crypto.Ed25519Signer
	enforcer *netpolicy.Enforcer
	client   *resilientClient
}

// NewHTTPMirror wires a remote mirror client.
func NewHTTPMirror(baseURL string, signer *crypto.Ed25519Signer, enforcer *netpolicy.Enforcer) *HTTPMirror {
	return &HTTPMirror{
		baseURL:  baseURL,
		signer:   signer,
		enforcer: enforcer,
		client:   newResilientClient(),
	}
}

// Push sends one attestation. The perimeter check runs before any bytes
// leave the process.
func (m *HTTPMirror) Push(ctx context.Context, att *evidence.Attestation) error {
	url := m.baseURL + "/v1/attestations"
	if err := m.enforcer.CheckURL(ctx, url); err != nil {
		return err
	}

	body, err := json.Marshal(att)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	bearer, err := bearerToken(m.signer, m.baseURL)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushing attestation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("mirror rejected attestation: status %d", resp.StatusCode)
	}
	return nil
}

// mirrorState is the mirror's acknowledgement payload.
type mirrorState struct {
	ChainHash  string `json:"chain_hash"`
	EntryCount uint64 `json:"entry_count"`
}

// LastAcknowledged fetches the chain state the mirror last accepted.
func (m *HTTPMirror) LastAcknowledged(ctx context.Context) (string, uint64, error) {
	url := m.baseURL + "/v1/attestations/head"
	if err := m.enforcer.CheckURL(ctx, url); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	bearer, err := bearerToken(m.signer, m.baseURL)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("fetching mirror head: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("mirror head: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", 0, err
	}
	var state mirrorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", 0, fmt.Errorf("decoding mirror head: %w", err)
	}
	return state.ChainHash, state.EntryCount, nil
}

// HTTPCoSigner requests organizationAuthority co-signatures from a remote
// authority, through the same perimeter.
type HTTPCoSigner struct {
	baseURL  string
	signer   *crypto.Ed25519Signer
	enforcer *netpolicy.Enforcer
	client   *resilientClient
}

// NewHTTPCoSigner wires a remote co-signing client.
func NewHTTPCoSigner(baseURL string, signer *crypto.Ed25519Signer, enforcer *netpolicy.Enforcer) *HTTPCoSigner {
	return &HTTPCoSigner{
		baseURL:  baseURL,
		signer:   signer,
		enforcer: enforcer,
		client:   newResilientClient(),
	}
}

// RequestCoSignature asks the authority to co-sign a plan at a tier.
func (c *HTTPCoSigner) RequestCoSignature(ctx context.Context, planID string, tier contracts.RiskTier) (contracts.CollectedSignature, error) {
	var zero contracts.CollectedSignature

	url := c.baseURL + "/v1/cosign"
	if err := c.enforcer.CheckURL(ctx, url); err != nil {
		return zero, err
	}

	body, err := json.Marshal(map[string]string{
		"plan_id":   planID,
		"risk_tier": string(tier),
	})
	if err != nil {
		return zero, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	bearer, err := bearerToken(c.signer, c.baseURL)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("requesting co-signature: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return zero, fmt.Errorf("co-signer refused: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return zero, err
	}
	var sig contracts.CollectedSignature
	if err := json.Unmarshal(raw, &sig); err != nil {
		return zero, fmt.Errorf("decoding co-signature: %w", err)
	}
	if sig.SignerType != contracts.SignerOrganizationAuthority || sig.SignatureData == "" {
		return zero, fmt.Errorf("authority returned an unusable signature")
	}
	if sig.SignedAt.IsZero() {
		sig.SignedAt = time.Now()
	}
	return sig, nil
}
