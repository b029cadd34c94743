// Package fanout delivers call and metrics updates to live subscribers
// scoped to an organization. Delivery is at-least-once; per-call ordering
// follows write order because publishers call Publish synchronously right
// after the corresponding persistence write.
package fanout

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names published to organization channels.
const (
	EventCallUpdated    = "call_updated"
	EventMetricsUpdated = "metrics_updated"
)

// Envelope is the JSON message placed on an organization channel.
type Envelope struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Fanout publishes an event to all real-time subscribers of an organization.
type Fanout interface {
	Publish(ctx context.Context, orgID uuid.UUID, event string, payload interface{}) error
}

// Noop discards everything. Used where fanout is not configured and in tests.
type Noop struct{}

// Publish implements Fanout.
func (Noop) Publish(context.Context, uuid.UUID, string, interface{}) error { return nil }
