package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/social_backend/config"
	"bitbucket.org/mmdatafocus/social_backend/models"
	"bitbucket.org/mmdatafocus/social_backend/queue"
	"bitbucket.org/mmdatafocus/social_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// publishCore is set in main() once the DB is connected; the readiness gate
// returns 503 until then.
var publishCore *queue.Executor

type publishRequest struct {
	BusinessAccountId string `json:"business_account_id" validate:"required"`
	ScheduledPostId   string `json:"scheduled_post_id"`
	ImageUrl          string `json:"image_url" validate:"omitempty,url"`
	VideoUrl          string `json:"video_url" validate:"omitempty,url"`
	Caption           string `json:"caption" validate:"max=2200"`
	MediaType         string `json:"media_type" validate:"omitempty,oneof=IMAGE VIDEO REELS STORIES"`
}

func publishHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if publishCore == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publish core not ready"})
			return
		}
		var req publishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ImageUrl == "" && req.VideoUrl == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image_url or video_url is required"})
			return
		}

		mediaUrl := req.ImageUrl
		if mediaUrl == "" {
			mediaUrl = req.VideoUrl
		}
		// Prefer the stable scheduler id for the idempotency seed; fall back
		// to hashing the content itself.
		seed := queue.ContentSeed(req.BusinessAccountId, req.Caption, mediaUrl)
		if req.ScheduledPostId != "" {
			seed = queue.PublishPostSeed(req.ScheduledPostId)
		}

		payload := map[string]interface{}{
			"caption": req.Caption,
		}
		if req.ImageUrl != "" {
			payload["image_url"] = req.ImageUrl
		}
		if req.VideoUrl != "" {
			payload["video_url"] = req.VideoUrl
		}
		if req.MediaType != "" {
			payload["media_type"] = req.MediaType
		}

		ctx := utils.SetBusinessAccountIdInContext(c.Request.Context(), req.BusinessAccountId)
		outcome := publishCore.EnqueueAndAttempt(ctx, models.ActionTypePublishPost, req.BusinessAccountId, payload, seed)
		c.JSON(outcomeHTTPStatus(outcome), outcome)
	}
}

// outcomeHTTPStatus owns the HTTP mapping; the core only returns structured
// outcomes.
func outcomeHTTPStatus(outcome *queue.Outcome) int {
	switch outcome.Status {
	case models.ActionStatusSent:
		return http.StatusOK
	case models.ActionStatusFailed:
		// Recorded and scheduled for background retry.
		return http.StatusAccepted
	case models.ActionStatusDead:
		return http.StatusUnprocessableEntity
	}
	switch outcome.ErrorCategory {
	case models.ErrorCategoryCredential:
		return http.StatusUnauthorized
	case models.ErrorCategoryStore:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func getActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action id"})
			return
		}
		store := queue.NewGormStore(config.GetDB())
		action, err := store.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "action not found"})
			return
		}
		c.JSON(http.StatusOK, action)
	}
}

type replayRequest struct {
	ActionId int `json:"action_id"`
}

// replayHandler is ops tooling: it revives a DLQ/FAILED row (or a PENDING row
// orphaned by a crash mid-attempt) with a fresh retry budget. The sweeper
// picks it up on its next cycle.
func replayHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		opsToken := strings.TrimSpace(os.Getenv("INTERNAL_OPS_TOKEN"))
		if opsToken == "" || c.GetHeader("x-internal-token") != opsToken {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		var req replayRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ActionId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "action_id is required"})
			return
		}

		db := config.GetDB()
		now := time.Now().UTC()
		result := db.WithContext(c.Request.Context()).Model(&models.QueuedAction{}).
			Where("id = ? AND status IN ?", req.ActionId, []models.ActionStatus{
				models.ActionStatusDead,
				models.ActionStatusFailed,
				models.ActionStatusPending,
			}).
			Updates(map[string]interface{}{
				"status":        models.ActionStatusFailed,
				"retry_count":   0,
				"next_retry_at": &now,
			})
		if result.Error != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": result.Error.Error()})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no replayable action with that id"})
			return
		}

		// Operators usually replay right after re-linking the account; drop
		// the cached credentials so the retry sees the fresh token instead of
		// waiting out the cache TTL.
		var action models.QueuedAction
		if err := db.WithContext(c.Request.Context()).
			Where("id = ?", req.ActionId).Take(&action).Error; err == nil {
			_ = config.RemoveRedisKey("igcreds:" + action.BusinessAccountId)
		}

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"field":     "PublishReplay",
			"action_id": req.ActionId,
		}).Info("queued action scheduled for replay")
		c.JSON(http.StatusOK, gin.H{
			"action_id":      req.ActionId,
			"status":         models.ActionStatusFailed,
			"correlation_id": cid,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()

	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(gin.Recovery())

	r.POST("/api/publish", publishHandler())
	r.GET("/api/actions/:id", getActionHandler())
	// Ops tooling (internal only): replay actions that were marked DLQ/FAILED.
	r.POST("/internal/ops/publish/replay", replayHandler(logger))
	r.NoRoute(customNotFoundHandler)

	return r
}
