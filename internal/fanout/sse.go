package fanout

import (
	"encoding/json"
	"net/http"

	"voicegrid_backend/platform/httpkit"
	"voicegrid_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SSEBridge exposes the organization fanout channel to browser agents over
// Server-Sent Events. Each connection holds its own Redis subscription, so
// dropped clients never affect the publisher.
type SSEBridge struct {
	rdb *redis.Client
	log *logger.Logger
}

// NewSSEBridge creates the SSE side of the fanout.
func NewSSEBridge(rdb *redis.Client, log *logger.Logger) *SSEBridge {
	return &SSEBridge{rdb: rdb, log: log}
}

// Handler streams the caller's organization channel as SSE events.
// GET /api/v1/calls/stream (JWT authenticated; org scope from the token).
func (b *SSEBridge) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := httpkit.TenantID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no organization context"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		sub := b.rdb.Subscribe(c.Request.Context(), Channel(orgID))
		defer sub.Close()

		c.SSEvent("connected", gin.H{"orgId": orgID})
		c.Writer.Flush()

		b.log.Debug("sse client connected", "org_id", orgID)

		clientGone := c.Request.Context().Done()
		messages := sub.Channel()
		for {
			select {
			case <-clientGone:
				b.log.Debug("sse client disconnected", "org_id", orgID)
				return
			case msg, open := <-messages:
				if !open {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					b.log.Warn("sse bridge dropped malformed envelope", "error", err)
					continue
				}
				c.SSEvent(envelope.Event, envelope)
				c.Writer.Flush()
			}
		}
	}
}
