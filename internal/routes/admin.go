package routes

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/purchase"
	"github.com/vendly/vendly/internal/vendors"
)

// RegisterAdminRoutes wires operator endpoints. Authentication for these is
// handled upstream (gateway/session service), outside this service.
func RegisterAdminRoutes(r fiber.Router, h *purchase.Handler, registry *vendors.Registry, logger *slog.Logger) {
	admin := r.Group("/admin")

	admin.Post("/purchases/:reference/refund", h.Refund)
	admin.Post("/purchases/:reference/retry", h.Retry)
	admin.Get("/purchases/stale", h.Stale)

	// explicit reload point so admin edits apply without waiting a refresh tick
	admin.Post("/vendors/reload", func(c *fiber.Ctx) error {
		if err := registry.Refresh(c.UserContext()); err != nil {
			logger.Error("vendor registry reload failed", "error", err)
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"status": "reloaded"})
	})
}
