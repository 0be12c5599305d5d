// Package server assembles the HTTP surface: ledger append and query,
// certificate inventory, retention sweeps, and the operational endpoints.
package server

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/health"
)

// Options configure the router.
type Options struct {
	CORSOrigins  []string
	RateLimitRPS int
	Tokens       *TokenIssuer    // nil disables authentication
	Authorities  *health.Monitor // nil hides authority reachability from /healthz
	Logger       *zap.Logger
}

// NewRouter builds the Gin engine with the shared middleware stack and
// mounts the given handlers under /api/v1.
func NewRouter(opts Options, events *EventsHandler, certs *CertHandler, ret *RetentionHandler) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(opts.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if opts.RateLimitRPS > 0 {
		router.Use(RateLimiter(opts.RateLimitRPS))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(opts.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if opts.Authorities != nil {
			resp["authorities"] = opts.Authorities.Statuses()
		}
		c.JSON(http.StatusOK, resp)
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	v1.Use(RequireToken(opts.Tokens))
	events.Register(v1)
	certs.Register(v1)
	ret.Register(v1)

	return router
}

// requestLogger logs each request at debug level with latency and status.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
