package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-groupwatch/internal/api/dto"
)

const apiKeyHeader = "x-api-key"

// APIKeyAuth rejects requests whose x-api-key does not match key. An empty
// key rejects everything.
func APIKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(apiKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "invalid api key"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one line per request once it has been served.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// NewRouter wires the routes. gatherer backs /metrics, nil means the default
// registry.
func NewRouter(apiKey string, h *Handler, gatherer prometheus.Gatherer, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger.With("module", "http")))

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := APIKeyAuth(apiKey)
	router.POST("/leads/:id/callback", auth, h.LeadCallback)

	api := router.Group("/api/v1", auth)
	{
		api.POST("/workflows/start", h.StartWorkflow)
		api.POST("/workflows/:id/stop", h.StopWorkflow)
	}
	return router
}
