package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// publishTimeout bounds a single PUBLISH so a stalled Redis cannot hold up
// the ingestion path.
const publishTimeout = 3 * time.Second

// RedisFanout publishes envelopes on per-organization Redis pub/sub
// channels. The SSE bridge subscribes connected agents to the same channel.
type RedisFanout struct {
	rdb *redis.Client
	log *logger.Logger
}

// NewRedisFanout creates a fanout backed by the given Redis client.
func NewRedisFanout(rdb *redis.Client, log *logger.Logger) *RedisFanout {
	return &RedisFanout{rdb: rdb, log: log}
}

// Channel returns the pub/sub channel carrying call events for an organization.
func Channel(orgID uuid.UUID) string {
	return fmt.Sprintf("org:%s:calls", orgID)
}

// Publish sends one envelope to the organization channel, synchronously.
func (f *RedisFanout) Publish(ctx context.Context, orgID uuid.UUID, event string, payload interface{}) error {
	data, err := json.Marshal(Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal fanout envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := f.rdb.Publish(ctx, Channel(orgID), data).Err(); err != nil {
		f.log.Error("fanout publish failed", "org_id", orgID, "event", event, "error", err)
		return fmt.Errorf("publish fanout event: %w", err)
	}
	return nil
}
