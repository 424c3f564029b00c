package purchase

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vendly/vendly/internal/idempotency"
	"github.com/vendly/vendly/internal/ledger"
	"github.com/vendly/vendly/internal/vendors"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes purchase endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a purchase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type purchaseRequest struct {
	UserID         string `json:"user_id"`
	ServiceType    string `json:"service_type"`
	Network        string `json:"network"`
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	PlanID         string `json:"plan_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type refundRequest struct {
	Note string `json:"note"`
}

type purchaseResponse struct {
	Reference       string        `json:"reference"`
	UserID          string        `json:"user_id"`
	ServiceType     string        `json:"service_type"`
	Network         string        `json:"network,omitempty"`
	Recipient       string        `json:"recipient"`
	Amount          int64         `json:"amount"`
	Status          string        `json:"status"`
	VendorReference string        `json:"vendor_reference,omitempty"`
	Detail          ledger.Detail `json:"detail,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func toResponse(p ledger.Purchase) purchaseResponse {
	return purchaseResponse{
		Reference:       p.Reference,
		UserID:          p.UserID,
		ServiceType:     string(p.Service),
		Network:         p.Network,
		Recipient:       p.Recipient,
		Amount:          p.Amount,
		Status:          string(p.Status),
		VendorReference: p.VendorReference,
		Detail:          p.Detail,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// Create processes a purchase request.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if key := c.Get(idempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	receipt, err := h.service.Purchase(c.UserContext(), Input{
		UserID:         req.UserID,
		Service:        ledger.ServiceType(req.ServiceType),
		Network:        req.Network,
		Recipient:      req.Recipient,
		Amount:         req.Amount,
		PlanID:         req.PlanID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var vErr ValidationError
		switch {
		case errors.As(err, &vErr):
			return fiber.NewError(http.StatusBadRequest, vErr.Error())
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return fiber.NewError(http.StatusBadRequest, "insufficient balance")
		case errors.Is(err, ledger.ErrWalletNotFound):
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		case errors.Is(err, idempotency.ErrInFlight):
			return fiber.NewError(http.StatusConflict, "duplicate request currently processing")
		case errors.Is(err, vendors.ErrNoRoute), errors.Is(err, vendors.ErrNoVendor):
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"success":     false,
				"message":     "no vendor available, payment refunded",
				"transaction": toResponse(receipt.Purchase),
			})
		case errors.Is(err, ErrVendorRejected):
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{
				"success":     false,
				"message":     "purchase failed, payment refunded",
				"transaction": toResponse(receipt.Purchase),
			})
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"success":     true,
		"message":     receipt.Message,
		"transaction": toResponse(receipt.Purchase),
		"balance":     receipt.Balance,
	})
}

// Get returns the purchase's current state by reference.
func (h *Handler) Get(c *fiber.Ctx) error {
	p, err := h.service.Get(c.UserContext(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "purchase not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"success": true, "transaction": toResponse(p)})
}

// Refund posts a compensating reversal for a completed purchase.
func (h *Handler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	// body is optional; a missing note is fine
	_ = c.BodyParser(&req)

	reversal, err := h.service.Refund(c.UserContext(), c.Params("reference"), req.Note)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "purchase not found")
		case errors.Is(err, ledger.ErrAlreadyReversed):
			return fiber.NewError(http.StatusConflict, "purchase already reversed")
		case errors.Is(err, ledger.ErrNotRetryable):
			return fiber.NewError(http.StatusConflict, "only completed purchases can be refunded")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"success": true, "reversal": toResponse(reversal)})
}

// Retry redispatches a failed purchase.
func (h *Handler) Retry(c *fiber.Ctx) error {
	receipt, err := h.service.Retry(c.UserContext(), c.Params("reference"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return fiber.NewError(http.StatusNotFound, "purchase not found")
		case errors.Is(err, ledger.ErrNotRetryable):
			return fiber.NewError(http.StatusConflict, "only failed purchases can be retried")
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return fiber.NewError(http.StatusBadRequest, "insufficient balance")
		case errors.Is(err, ErrVendorRejected), errors.Is(err, vendors.ErrNoRoute), errors.Is(err, vendors.ErrNoVendor):
			return c.Status(http.StatusBadGateway).JSON(fiber.Map{
				"success":     false,
				"message":     "retry failed, payment refunded",
				"transaction": toResponse(receipt.Purchase),
			})
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"message":     receipt.Message,
		"transaction": toResponse(receipt.Purchase),
		"balance":     receipt.Balance,
	})
}

// Stale lists purchases stuck in pending for operator follow-up.
func (h *Handler) Stale(c *fiber.Ctx) error {
	olderThan := time.Duration(c.QueryInt("older_than_seconds", 0)) * time.Second
	purchases, err := h.service.Stale(c.UserContext(), olderThan)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	out := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, toResponse(p))
	}
	return c.JSON(fiber.Map{"success": true, "transactions": out})
}
