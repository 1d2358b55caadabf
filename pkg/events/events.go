// Package events carries presentation and navigation notifications.
// The webhook perimeter routes accepted payloads here and nowhere else, so
// inbound traffic is structurally unable to reach the kernel or the engine.
package events

import "context"

// Event is one UI-facing notification.
type Event struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Well-known event types.
const (
	TypeNavigate = "navigate"
	TypeBadge    = "badge"
	TypeBanner   = "banner"
	TypeLockdown = "lockdown"
)

// Notifier receives events for the presentation layer.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// ChannelNotifier buffers events on a channel for a UI loop to drain.
type ChannelNotifier struct {
	ch chan Event
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan Event, buffer)}
}

// Notify enqueues the event, dropping it if the buffer is full rather than
// blocking governance paths on a slow UI.
func (n *ChannelNotifier) Notify(ctx context.Context, ev Event) error {
	select {
	case n.ch <- ev:
	default:
	}
	return nil
}

// Events exposes the receive side.
func (n *ChannelNotifier) Events() <-chan Event {
	return n.ch
}
