package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/crm-outbound/internal/handler/prometheus"
	"github.com/jwalitptl/crm-outbound/internal/middleware"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine   *gin.Engine
	config   RouterConfig
	log      *logger.Logger
	health   Handler
	metrics  *prometheus.Handler
	handlers []Handler
}

type RouterConfig struct {
	Mode             string
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	// APIKeys maps API key to owner id; empty leaves /api/v1 open.
	APIKeys map[string]string
}

// NewRouter builds the engine. health and metrics stay outside the API key
// and rate limit guards; handlers are mounted under /api/v1.
func NewRouter(
	config RouterConfig,
	log *logger.Logger,
	health Handler,
	metrics *prometheus.Handler,
	handlers ...Handler,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	engine := gin.New()

	r := &Router{
		engine:   engine,
		config:   config,
		log:      log,
		health:   health,
		metrics:  metrics,
		handlers: handlers,
	}

	// Validation renders before ErrorHandler since post-processing unwinds
	// in reverse registration order.
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		metrics.Middleware(),
		middleware.ErrorHandler(log),
		middleware.Validation(middleware.DefaultValidationConfig()),
	)

	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.metrics.Handler())

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.health.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(middleware.APIKey(r.config.APIKeys))
	if r.config.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
		})
		protected.Use(limiter.RateLimit())
	}
	for _, h := range r.handlers {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
