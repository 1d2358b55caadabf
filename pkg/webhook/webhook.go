// Package webhook is the inbound perimeter. Payloads are authenticated with
// a keyed hash derived from the active signing key, bounded by a freshness
// window, and replay-protected through the same consumed-id store as
// authorization tokens. Accepted payloads route only to the notifier.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/events"
	"github.com/warden-labs/warden/pkg/nonce"
	"github.com/warden-labs/warden/pkg/trust"
)

// FreshnessWindow bounds how old an inbound payload's timestamp may be.
const FreshnessWindow = 5 * time.Minute

var (
	// ErrStale is returned for payloads outside the freshness window.
	ErrStale = errors.New("webhook payload outside freshness window")
	// ErrRateLimited is returned when a source IP exceeds its budget.
	ErrRateLimited = errors.New("webhook source rate limited")
)

// Payload is one inbound signed message.
type Payload struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Nonce     string            `json:"nonce"`
	Data      map[string]string `json:"data,omitempty"`
	Signature string            `json:"signature"`
}

// Handler verifies and routes inbound payloads.
type Handler struct {
	epochs   *trust.EpochState
	consumed nonce.Store
	notifier events.Notifier
	clock    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHandler wires the perimeter. Each source IP gets its own token bucket.
func NewHandler(epochs *trust.EpochState, consumed nonce.Store, notifier events.Notifier) *Handler {
	return &Handler{
		epochs:   epochs,
		consumed: consumed,
		notifier: notifier,
		clock:    time.Now,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(5),
		burst:    10,
	}
}

// WithClock overrides the time source, for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// WithRateLimit overrides the per-IP budget.
func (h *Handler) WithRateLimit(perSecond float64, burst int) *Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limit = rate.Limit(perSecond)
	h.burst = burst
	h.limiters = make(map[string]*rate.Limiter)
	return h
}

func (h *Handler) limiterFor(sourceIP string) *rate.Limiter {
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[sourceIP]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[sourceIP] = l
	}
	return l
}

// Handle verifies one payload end to end and, on success, notifies the
// presentation layer. Every check fails closed.
func (h *Handler) Handle(ctx context.Context, sourceIP string, p Payload) error {
	if !h.limiterFor(sourceIP).Allow() {
		return ErrRateLimited
	}

	if p.Type == "" || p.Timestamp == "" || p.Nonce == "" || p.Signature == "" {
		return fmt.Errorf("incomplete payload: %w", contracts.ErrTokenInvalid)
	}

	unix, err := strconv.ParseInt(p.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp: %w", contracts.ErrTokenInvalid)
	}
	sent := time.Unix(unix, 0)
	now := h.clock()
	if sent.Before(now.Add(-FreshnessWindow)) || sent.After(now.Add(FreshnessWindow)) {
		return ErrStale
	}

	key, err := h.epochs.WebhookKey()
	if err != nil {
		return fmt.Errorf("deriving webhook key: %w", err)
	}
	material := crypto.CanonicalizeWebhook(p.Type, p.Timestamp, p.Nonce, p.Data)
	if !crypto.VerifyKeyedHash(key, []byte(material), p.Signature) {
		return fmt.Errorf("webhook signature rejected: %w", contracts.ErrSignatureForged)
	}

	first, err := h.consumed.Consume(ctx, "wh-"+p.Nonce, sent.Add(FreshnessWindow))
	if err != nil {
		return fmt.Errorf("consuming webhook nonce: %w", err)
	}
	if !first {
		return fmt.Errorf("webhook nonce reused: %w", contracts.ErrReplayAttempted)
	}

	return h.notifier.Notify(ctx, events.Event{Type: p.Type, Data: p.Data})
}

// Sign produces a valid signature for a payload under the current key, for
// trusted senders colocated with the kernel.
func (h *Handler) Sign(p *Payload) error {
	key, err := h.epochs.WebhookKey()
	if err != nil {
		return err
	}
	material := crypto.CanonicalizeWebhook(p.Type, p.Timestamp, p.Nonce, p.Data)
	p.Signature = crypto.KeyedHash(key, []byte(material))
	return nil
}
