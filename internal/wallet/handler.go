package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/ledger"
)

// Handler exposes wallet endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

// Create provisions a wallet for the user.
func (h *Handler) Create(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := h.service.Ensure(c.UserContext(), userID); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.SendStatus(http.StatusCreated)
}

// Balance returns the wallet's current balance snapshot.
func (h *Handler) Balance(c *fiber.Ctx) error {
	balance, err := h.service.Balance(c.UserContext(), c.Params("userId"))
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"user_id": balance.UserID,
		"balance": balance.Amount,
		"as_of":   balance.AsOf,
	})
}

// TopUp credits the wallet.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	var req topUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	balance, err := h.service.TopUp(c.UserContext(), c.Params("userId"), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		case errors.Is(err, ledger.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, "amount must be positive")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"user_id": balance.UserID,
		"balance": balance.Amount,
		"as_of":   balance.AsOf,
	})
}
