// Package httpserver provides a fluent builder for the gin-based HTTP
// server: recovery, request-id propagation, request logging, CORS, and
// Prometheus instrumentation.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/metrics"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// Config configures the HTTP server.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	Debug        bool
}

// Builder assembles a *http.Server with standard middleware and routes.
type Builder struct {
	cfg          Config
	logger       logger.Logger
	metrics      *metrics.Tracker
	setupRoutes  func(*gin.Engine)
	healthChecks map[string]HealthChecker
}

// NewBuilder creates a Builder with the given configuration.
func NewBuilder(cfg Config, log logger.Logger, m *metrics.Tracker) *Builder {
	return &Builder{
		cfg:          cfg,
		logger:       log,
		metrics:      m,
		healthChecks: make(map[string]HealthChecker),
	}
}

// WithRoutes registers the service-specific route setup function.
func (b *Builder) WithRoutes(setup func(*gin.Engine)) *Builder {
	b.setupRoutes = setup
	return b
}

// WithHealthCheck registers a named readiness check.
func (b *Builder) WithHealthCheck(name string, check HealthChecker) *Builder {
	b.healthChecks[name] = check
	return b
}

// Build assembles the gin engine and wraps it in an *http.Server.
func (b *Builder) Build() *http.Server {
	if !b.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(requestLogMiddleware(b.logger))
	if b.metrics != nil {
		router.Use(b.metrics.HTTPMiddleware())
	}
	router.Use(cors.New(corsConfig(b.cfg.CORSOrigins)))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", b.readyHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if b.setupRoutes != nil {
		b.setupRoutes(router)
	}

	return &http.Server{
		Addr:         b.cfg.Address,
		Handler:      router,
		ReadTimeout:  b.cfg.ReadTimeout,
		WriteTimeout: b.cfg.WriteTimeout,
	}
}

func (b *Builder) readyHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range b.healthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}
	c.JSON(status, gin.H{"checks": checks})
}

func corsConfig(origins []string) cors.Config {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "x-job-token", "x-auth-token", "x-callback-token"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func requestLogMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		requestID, _ := c.Get("request_id")
		log.Info("http request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
			logger.Any("request_id", requestID),
		)

		if len(c.Errors) > 0 {
			for _, ginErr := range c.Errors {
				if apiErr, ok := ginErr.Err.(*apierror.Error); ok {
					log.Warn("request error",
						logger.String("kind", string(apiErr.Kind)),
						logger.Error(apiErr),
					)
				}
			}
		}
	}
}
