package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/webhook"
)

// RegisterWebhookRoutes wires the vendor callback endpoint. It sits outside
// the versioned API group; vendors are configured with this path directly.
func RegisterWebhookRoutes(app *fiber.App, h *webhook.Handler) {
	app.Post("/webhooks/vendors/:vendorId", h.Receive)
}
