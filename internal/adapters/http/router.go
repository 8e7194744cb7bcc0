package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/adapters/signal"
	"github.com/dkeye/Studyroom/internal/app/broker"
	"github.com/dkeye/Studyroom/internal/config"
	"github.com/dkeye/Studyroom/internal/domain"
)

// RequestIDMiddleware tags every request so broker log lines can be joined.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *broker.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	ctrl := signal.NewSignalWSController(hub, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.SendBuffer,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		Secret:     cfg.Secret,
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": hub.Registry.Len()})
	})

	api.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Groups.List())
	})

	api.GET("/groups/:group/peers", func(c *gin.Context) {
		group := domain.GroupID(c.Param("group"))
		if err := group.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"group": group, "peers": hub.Members(group)})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Str("peer", c.Query("id")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
