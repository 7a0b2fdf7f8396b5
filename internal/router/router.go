package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/handlers"
	"rollup-sequencer/internal/middleware"
)

// Handlers groups the HTTP handlers the router mounts
type Handlers struct {
	Tx     *handlers.TxHandler
	Status *handlers.StatusHandler
}

// corsMiddleware CORS middleware, allowing all origins when none are configured
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else {
				logrus.WithFields(logrus.Fields{
					"request_origin": origin,
					"path":           c.Request.URL.Path,
					"method":         c.Request.Method,
					"remote_addr":    c.ClientIP(),
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SetupRouter builds the gin engine for the sequencer API
func SetupRouter(cfg *config.Config, h Handlers, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithWriter(logger.Writer()))
	r.Use(middleware.RequestMetrics())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	r.GET("/ping", handlers.PingHandler)
	r.GET("/health", handlers.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/txs", h.Tx.SubmitTxHandler)
		api.GET("/txs/:id", h.Tx.GetTxHandler)
		api.GET("/status", h.Status.GetStatusHandler)
		api.GET("/rollups/:id", h.Status.GetRollupHandler)
	}

	ipGuard := middleware.NewLocalhostOnly(logger, cfg.Admin.AllowedIPs)
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.Admin.JWTSecret, logger)
	admin := r.Group("/api/admin", ipGuard.Restrict(), adminAuth.RequireAdminAuth())
	{
		admin.POST("/flush", h.Status.FlushHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "NOT_FOUND",
			"message": "Route not found: " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})

	return r
}
