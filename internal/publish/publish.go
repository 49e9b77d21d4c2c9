// Package publish fans settlement outcomes out to live subscribers
// (websocket) and downstream consumers (NATS JetStream).
//
// Publishing is best effort: a slow or unavailable sink never blocks
// settlement, and consumers can always reconcile from the audit log.
package publish

import (
	"context"
	"time"
)

// Event types.
const (
	TypeSettlement = "settlement"
	TypeMatch      = "match"
	TypeVenue      = "venue"
)

// Event is an outbound notification.
type Event struct {
	Type       string      `json:"type"`
	EventID    string      `json:"event_id,omitempty"`
	PositionID string      `json:"position_id,omitempty"`
	Submitter  string      `json:"submitter,omitempty"`
	State      string      `json:"state,omitempty"`
	Path       string      `json:"path,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Fanout delivers each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		p.Publish(ctx, evt)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
