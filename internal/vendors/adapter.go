package vendors

import (
	"context"

	"github.com/google/uuid"

	"github.com/vendly/vendly/internal/ledger"
)

// OutcomeStatus classifies a vendor response for the orchestrator.
type OutcomeStatus string

const (
	// OutcomeSuccess is an explicit, confirmed fulfillment.
	OutcomeSuccess OutcomeStatus = "success"
	// OutcomeFailure is a deterministic vendor rejection (bad recipient,
	// out of stock). Safe to refund.
	OutcomeFailure OutcomeStatus = "failure"
	// OutcomeAmbiguous means the vendor may or may not have fulfilled the
	// order; the transaction must stay pending until a webhook resolves it.
	OutcomeAmbiguous OutcomeStatus = "ambiguous"
)

// Request is the uniform payload sent to every vendor adapter. Reference is
// the correlation key the vendor echoes back in webhooks.
type Request struct {
	Reference string
	Service   ledger.ServiceType
	Network   string
	Recipient string
	Amount    int64
	PlanID    string
}

// Outcome is the uniform result type every adapter maps its vendor-specific
// response into.
type Outcome struct {
	Status          OutcomeStatus
	VendorReference string
	Message         string
	Raw             map[string]any
}

// Adapter is implemented once per vendor. A transport-level error from
// Purchase is treated as ambiguous by the orchestrator; deterministic
// rejections must be reported as OutcomeFailure instead.
type Adapter interface {
	ID() string
	Purchase(ctx context.Context, req Request) (Outcome, error)
}

// StaticAdapter simulates a vendor integration with a fixed outcome. Used in
// database-less development mode and in tests.
type StaticAdapter struct {
	VendorID string
	Status   OutcomeStatus
	Message  string
	Err      error
}

// ID returns the simulated vendor identifier.
func (a StaticAdapter) ID() string { return a.VendorID }

// Purchase returns the configured outcome with a synthetic vendor reference.
func (a StaticAdapter) Purchase(_ context.Context, req Request) (Outcome, error) {
	if a.Err != nil {
		return Outcome{}, a.Err
	}
	status := a.Status
	if status == "" {
		status = OutcomeSuccess
	}
	return Outcome{
		Status:          status,
		VendorReference: uuid.NewString(),
		Message:         a.Message,
		Raw:             map[string]any{"reference": req.Reference, "simulated": true},
	}, nil
}
