package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const signatureHeader = "X-Webhook-Signature"

// Handler receives vendor callbacks. It always responds 200 so vendors stop
// retrying, whatever happens internally; processing errors are only logged.
type Handler struct {
	service *Service
	secret  string
	logger  *slog.Logger
}

// NewHandler constructs a webhook handler. An empty secret disables the
// signature check.
func NewHandler(service *Service, secret string, logger *slog.Logger) *Handler {
	return &Handler{service: service, secret: secret, logger: logger}
}

// payload covers the field spellings seen across vendor callbacks.
type payload struct {
	Reference     string `json:"reference"`
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// Receive processes a vendor callback.
func (h *Handler) Receive(c *fiber.Ctx) error {
	vendorID := c.Params("vendorId")
	body := c.Body()

	if h.secret != "" && !h.validSignature(c.Get(signatureHeader), body) {
		h.logger.Warn("webhook signature mismatch", "vendor", vendorID)
		return ack(c)
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		h.logger.Warn("webhook with unparseable body", "vendor", vendorID, "error", err)
		return ack(c)
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	reference := p.Reference
	if reference == "" {
		reference = p.RequestID
	}

	err := h.service.Reconcile(c.UserContext(), Event{
		VendorID:        vendorID,
		Reference:       reference,
		VendorReference: p.TransactionID,
		Status:          p.Status,
		Amount:          p.Amount,
		Raw:             raw,
	})
	if err != nil {
		// still ack: a non-200 here would trigger a vendor retry storm
		h.logger.Error("webhook reconciliation failed", "vendor", vendorID, "reference", reference, "error", err)
	}
	return ack(c)
}

func (h *Handler) validSignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func ack(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}
