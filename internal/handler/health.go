package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Check pings one dependency
type Check func(ctx context.Context) error

// HealthHandler reports dependency status and the registered providers
type HealthHandler struct {
	checks    map[string]Check
	providers []string
}

func NewHealthHandler(checks map[string]Check, providers []string) *HealthHandler {
	return &HealthHandler{checks: checks, providers: providers}
}

// Health handles GET /health
// @Summary      Health check
// @Description  Report dependency status; responds 503 when any check fails
// @Tags         System
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Failure      503 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	services := fiber.Map{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			services[name] = err.Error()
			status = "degraded"
			continue
		}
		services[name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"services":  services,
		"providers": h.providers,
	})
}
