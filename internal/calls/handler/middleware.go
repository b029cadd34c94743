package handler

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/httpkit"
	"voicegrid_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

const webhookAPIKeyHeader = "X-Webhook-API-Key"

// WebhookAuth guards the provider webhook with a shared API key. When no key
// is configured the webhook is open, which is the expected local-development
// setup.
func WebhookAuth(cfg config.WebhookConfig, log *logger.Logger) gin.HandlerFunc {
	configured := cfg.GetWebhookAPIKey()

	return func(c *gin.Context) {
		if configured == "" {
			c.Next()
			return
		}

		presented := c.GetHeader(webhookAPIKeyHeader)
		if presented == "" {
			httpkit.Error(c, http.StatusUnauthorized, "missing webhook API key", nil)
			c.Abort()
			return
		}

		// Hash both sides so the comparison is constant-time regardless of
		// key length.
		want := sha256.Sum256([]byte(configured))
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			log.Warn("webhook authentication failed", "client_ip", c.ClientIP())
			httpkit.Error(c, http.StatusUnauthorized, "invalid webhook API key", nil)
			c.Abort()
			return
		}

		c.Next()
	}
}
