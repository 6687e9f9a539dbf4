package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/civic-agent/backend/internal/cache"
	"github.com/civic-agent/backend/internal/health"
	"github.com/civic-agent/backend/internal/ratelimit"
	"github.com/civic-agent/backend/pkg/circuitbreaker"
	"github.com/civic-agent/backend/pkg/logger"
)

// StatusHandler serves dependency health and the admin endpoints.
type StatusHandler struct {
	monitor  *health.Monitor
	breakers *circuitbreaker.Registry
	cache    *cache.Cache
	limits   *ratelimit.Registry
}

func NewStatusHandler(monitor *health.Monitor, breakers *circuitbreaker.Registry, c *cache.Cache, limits *ratelimit.Registry) *StatusHandler {
	return &StatusHandler{
		monitor:  monitor,
		breakers: breakers,
		cache:    c,
		limits:   limits,
	}
}

func (h *StatusHandler) Health(c *fiber.Ctx) error {
	offline := h.monitor.ShouldDegrade()
	status := "healthy"
	if offline {
		status = "degraded"
	}

	services := make(map[string]health.Record)
	for _, rec := range h.monitor.Snapshot() {
		services[rec.Service] = rec
	}

	return c.JSON(fiber.Map{
		"status":       status,
		"offline_mode": offline,
		"services":     services,
		"breakers":     h.breakers.Snapshots(),
		"cache":        h.cache.Stats(),
		"time":         time.Now().Unix(),
	})
}

func (h *StatusHandler) Ready(c *fiber.Ctx) error {
	if h.monitor.ShouldDegrade() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
		})
	}
	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

func (h *StatusHandler) ClearCache(c *fiber.Ctx) error {
	if err := h.cache.Clear(c.UserContext()); err != nil {
		logger.Error("Failed to clear cache", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to clear cache",
		})
	}
	return c.JSON(fiber.Map{
		"status": "cleared",
	})
}

// ResetRateLimit resets one identifier of a policy, or every policy when the
// body is empty.
func (h *StatusHandler) ResetRateLimit(c *fiber.Ctx) error {
	var req struct {
		Policy     string `json:"policy"`
		Identifier string `json:"identifier"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	if req.Policy == "" && req.Identifier == "" {
		h.limits.ResetAll()
		logger.Info("All rate limits reset")
		return c.JSON(fiber.Map{"status": "reset", "scope": "all"})
	}

	if req.Policy == "" {
		req.Policy = ratelimit.PolicySessions
	}
	if err := h.limits.Reset(req.Policy, req.Identifier); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Info("Rate limit reset", zap.String("policy", req.Policy), zap.String("identifier", req.Identifier))
	return c.JSON(fiber.Map{"status": "reset", "policy": req.Policy, "identifier": req.Identifier})
}
