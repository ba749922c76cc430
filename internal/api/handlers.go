package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/bot-factory/internal/models"
	"github.com/xaenox/bot-factory/internal/platform"
	"github.com/xaenox/bot-factory/internal/registry"
	"github.com/xaenox/bot-factory/internal/storage"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

func ListRunning(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": rt.Running()})
	}
}

func BotStatus(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		c.JSON(http.StatusOK, gin.H{"bot_id": id, "running": rt.IsRunning(id)})
	}
}

func StartBot(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		outcome, err := rt.Launch(c.Request.Context(), id)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"bot_id": id, "outcome": registry.Failed, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"bot_id": id, "outcome": outcome})
	}
}

func StopBot(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		c.JSON(http.StatusOK, gin.H{"bot_id": id, "outcome": rt.Stop(c.Request.Context(), id)})
	}
}

func Broadcast(rt Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Message     string   `json:"message"`
			TargetUsers []string `json:"target_users"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Message) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "message is required"})
			return
		}

		report, err := rt.Broadcast(c.Request.Context(), c.Param("id"), body.Message, body.TargetUsers)
		switch {
		case errors.Is(err, registry.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"msg": "bot is not running"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"msg": err.Error()})
		default:
			c.JSON(http.StatusOK, report)
		}
	}
}

func DailyAnalytics(stats Analytics) gin.HandlerFunc {
	return func(c *gin.Context) {
		day := time.Now().UTC()
		if raw := c.Query("date"); raw != "" {
			parsed, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"msg": "date must be YYYY-MM-DD"})
				return
			}
			day = parsed
		}

		row, err := stats.Get(c.Request.Context(), c.Param("id"), day)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"msg": "no analytics for that day"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"msg": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{
				"bot_id":            row.BotID,
				"date":              row.Date.Format(time.DateOnly),
				"total_messages":    row.TotalMessages,
				"unique_users":      row.UniqueUsers,
				"new_conversations": row.NewConversations,
				"avg_response_time": row.AvgResponseTime,
				"updated_at":        row.UpdatedAt,
			})
		}
	}
}

// Webhook routes inbound HTTP events to the platform binding. Long-poll
// platforms have no webhook and answer 404.
func Webhook(platforms platform.Set, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := models.Platform(c.Param("platform"))
		p, ok := platforms.Lookup(kind)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"msg": "unknown platform"})
			return
		}
		hook, ok := p.(platform.WebhookHandler)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"msg": "platform does not accept webhooks"})
			return
		}

		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "failed to read body"})
			return
		}
		logger.Debug("Webhook received", zap.String("platform", string(kind)), zap.Int("bytes", len(payload)))
		c.JSON(http.StatusOK, hook.HandleWebhook(c.Request.Context(), payload))
	}
}
