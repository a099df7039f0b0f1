package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/hook-ingestion-service/internal/auth"
	"github.com/PratikDhanave/hook-ingestion-service/internal/config"
	"github.com/PratikDhanave/hook-ingestion-service/internal/handlers"
	"github.com/PratikDhanave/hook-ingestion-service/internal/metrics"
)

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router serves.
type Deps struct {
	Ingester handlers.Ingester
	Queries  handlers.QueryStore
	// Ready names each dependency checked by /ready.
	Ready   map[string]Pinger
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /metrics, POST /v1/hooks, POST /events
// Authenticated: /v1/ingestion-events, /v1/sessions, /v1/stats
func NewRouter(cfg config.Config, d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	if d.Log != nil {
		r.Use(accessLog(d.Log))
	}

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms every dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		names := make([]string, 0, len(d.Ready))
		for name := range d.Ready {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := d.Ready[name].Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "dependency": name, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	handlers.RegisterHookRoutes(r, d.Ingester, cfg.MaxBodyBytes)

	// Auth group enforces operator context via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	handlers.RegisterQueryRoutes(authGroup, d.Queries)

	return r
}

func accessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}
