package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// BrowserInfo reports on the browser engine. *browser.Manager satisfies it.
// IsRunning and GetEndpoint describe the shared browser only, which is
// used when Shared is true.
type BrowserInfo interface {
	IsRunning() bool
	GetEndpoint() string
	Isolation() string
	Shared() bool
	ActiveSessions() int
}

// Handler serves the endpoints that do not touch the run queue
type Handler struct {
	browser BrowserInfo
	started time.Time
}

// NewHandler creates a new handler. browser may be nil.
func NewHandler(browser BrowserInfo) *Handler {
	return &Handler{
		browser: browser,
		started: time.Now(),
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	data := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	}
	if h.browser != nil {
		data["browser"] = h.browserStatus()
	}

	return c.JSON(Response{
		Success: true,
		Data:    data,
	})
}

// BrowserStatus returns browser status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	if h.browser == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Browser not configured")
	}

	return c.JSON(Response{
		Success: true,
		Data:    h.browserStatus(),
	})
}

// browserStatus describes the engine. With process isolation there is no
// shared browser, so "running" is omitted and sessions launch on demand.
func (h *Handler) browserStatus() map[string]interface{} {
	data := map[string]interface{}{
		"isolation":       h.browser.Isolation(),
		"shared":          h.browser.Shared(),
		"active_sessions": h.browser.ActiveSessions(),
	}
	if h.browser.Shared() {
		data["running"] = h.browser.IsRunning()
		data["endpoint"] = h.browser.GetEndpoint()
	}
	return data
}

// RequestLogger logs one line per request through zap
func RequestLogger(logger *zap.Logger) fiber.Handler {
	logger = logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
		}
		if id, ok := c.Locals("requestID").(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}

		switch {
		case status >= 500:
			logger.Error("Request failed", append(fields, zap.Error(err))...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Info("Request handled", fields...)
		}
		return err
	}
}
