package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallets/:userId", h.Create)
	r.Get("/wallets/:userId/balance", h.Balance)
	r.Post("/wallets/:userId/topup", h.TopUp)
}
