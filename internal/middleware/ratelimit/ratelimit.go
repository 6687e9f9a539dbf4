package ratelimit

import (
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/ratelimit"
)

type Config struct {
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
	// Skip bypasses limiting for matching requests (health checks, metrics).
	Skip func(c *fiber.Ctx) bool
}

// Middleware limits callers by X-Session-ID, falling back to X-User-ID and
// then to the client IP.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if cfg.Limiter == nil || (cfg.Skip != nil && cfg.Skip(c)) {
			return c.Next()
		}

		key := Identity(c)
		ok, retryAfter := cfg.Limiter.AcquireWithHint(key)
		if !ok {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			cfg.Logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Duration("retry_after", retryAfter),
			)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded. Please try again later.",
				"retry_after": seconds,
			})
		}

		return c.Next()
	}
}

func Identity(c *fiber.Ctx) string {
	if id := c.Get("X-Session-ID"); id != "" {
		return id
	}
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	return c.IP()
}
