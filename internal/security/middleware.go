package security

import (
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// MaxBodySize bounds run creation payloads.
const MaxBodySize = 1 << 20

// Middleware guards the run endpoints with a rate limiter and idempotent
// replays.
type Middleware struct {
	limiter *RateLimiter
	replays *IdempotencyStore
}

// NewMiddleware binds the limiter and the idempotency store. Either may be
// nil when the matching handler is not used.
func NewMiddleware(limiter *RateLimiter, replays *IdempotencyStore) *Middleware {
	return &Middleware{limiter: limiter, replays: replays}
}

// ClientID identifies the caller for rate limiting. API keys are hashed
// before use; requests without one fall back to the remote IP.
func ClientID(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return "key:" + HashAPIKey(key)
	}
	return "ip:" + c.IP()
}

// RateLimit rejects callers that exhausted their bucket with 429.
func (m *Middleware) RateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		client := ClientID(c)
		allowed := m.limiter.Allow(client)
		info := m.limiter.GetInfo(client)
		setRateHeaders(c, info)

		if allowed {
			return c.Next()
		}

		wait := int64(math.Ceil(time.Until(info.ResetAt).Seconds()))
		if wait < 1 {
			wait = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(wait, 10))
		return deny(c, fiber.StatusTooManyRequests, "Rate limit exceeded", fiber.Map{"retry_after": wait})
	}
}

func setRateHeaders(c *fiber.Ctx, info RateLimitInfo) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
}

// ReplayIdempotent answers a POST carrying a known X-Idempotency-Key with
// the response stored for it instead of creating another run.
func (m *Middleware) ReplayIdempotent() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-Idempotency-Key")
		if c.Method() != fiber.MethodPost || key == "" {
			return c.Next()
		}

		entry, ok := m.replays.Check(key)
		if !ok {
			return c.Next()
		}
		c.Set("X-Idempotency-Replayed", "true")
		c.Set("X-Run-ID", entry.RunID)
		return c.Status(fiber.StatusAccepted).JSON(entry.Response)
	}
}

// Headers sets hardening headers and propagates or assigns X-Request-ID.
func Headers() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
		c.Set(fiber.HeaderContentSecurityPolicy, "default-src 'none'")

		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			id = GenerateRequestID()
		}
		c.Set(fiber.HeaderXRequestID, id)
		c.Locals("requestID", id)
		return c.Next()
	}
}

// JSONBody rejects write requests that are not JSON or exceed maxBytes.
func JSONBody(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
			ct := c.Get(fiber.HeaderContentType)
			if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
				return deny(c, fiber.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
			}
		}
		if len(c.Body()) > maxBytes {
			return deny(c, fiber.StatusRequestEntityTooLarge, "Request body too large", nil)
		}
		return c.Next()
	}
}

// AllowList admits callers whose IP matches one of entries, each a single
// address or a CIDR prefix. Unparseable entries match nothing. An empty
// list admits everyone.
func AllowList(entries []string) fiber.Handler {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	open := len(entries) == 0

	return func(c *fiber.Ctx) error {
		if open {
			return c.Next()
		}
		addr, err := netip.ParseAddr(c.IP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					return c.Next()
				}
			}
		}
		return deny(c, fiber.StatusForbidden, "Access denied", nil)
	}
}

func deny(c *fiber.Ctx, status int, msg string, extra fiber.Map) error {
	body := fiber.Map{"success": false, "error": msg}
	for k, v := range extra {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}
