package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/purchase"
)

// RegisterPurchaseRoutes wires the purchase API.
func RegisterPurchaseRoutes(r fiber.Router, h *purchase.Handler) {
	r.Post("/purchases", h.Create)
	r.Get("/purchases/:reference", h.Get)
}
