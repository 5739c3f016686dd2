package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	BaseURL           string        // Base URL for full URLs in responses
	ResultTTL         time.Duration // default retention for run results
	MaxRunTimeout     time.Duration // upper bound for per-run timeouts
	AllowedIPs        []string
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		BaseURL:           "http://localhost:8000",
		ResultTTL:         7 * 24 * time.Hour,
		MaxRunTimeout:     30 * time.Minute,
	}
}

// Routes owns the background stores behind the registered routes.
type Routes struct {
	rateLimiter      *security.RateLimiter
	idempotencyStore *security.IdempotencyStore
}

// Close stops the cleanup loops of the security stores
func (r *Routes) Close() {
	r.rateLimiter.Stop()
	r.idempotencyStore.Stop()
}

// SetupRoutes registers health, browser and run endpoints on app
func SetupRoutes(app *fiber.App, browser BrowserInfo, runs RunQueue, config RouteConfig, logger *zap.Logger) *Routes {
	handler := NewHandler(browser)

	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
	})
	idempotencyStore := security.NewIdempotencyStore(config.IdempotencyTTL)
	secMiddleware := security.NewMiddleware(rateLimiter, idempotencyStore)

	runHandler := NewRunHandler(runs, idempotencyStore, config, logger)

	// Health check stays outside the allow-list and rate limit
	app.Get("/health", handler.HealthCheck)

	formfuzz := app.Group("/formfuzz")
	formfuzz.Use(security.AllowList(config.AllowedIPs))
	formfuzz.Use(security.Headers())

	formfuzz.Get("/browser/status", handler.BrowserStatus)

	runsGroup := formfuzz.Group("/runs")
	runsGroup.Use(secMiddleware.RateLimit())

	runsGroup.Post("", security.JSONBody(security.MaxBodySize), secMiddleware.ReplayIdempotent(), runHandler.CreateRun)
	runsGroup.Get("/:run_id", runHandler.GetRunStatus)
	runsGroup.Get("/:run_id/result", runHandler.GetRunResult)
	runsGroup.Post("/:run_id/cancel", runHandler.CancelRun)
	runsGroup.Get("/:run_id/events", runHandler.StreamEvents)

	formfuzz.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	formfuzz.Get("/ws", websocket.New(runHandler.HandleWebSocket))

	return &Routes{rateLimiter: rateLimiter, idempotencyStore: idempotencyStore}
}
