package purchase

import (
	"errors"
	"fmt"
)

// ErrVendorRejected indicates the routed vendor deterministically rejected
// the purchase. The debit is refunded before this error surfaces.
var ErrVendorRejected = errors.New("vendor rejected purchase")

// ValidationError reports a bad input field. Returned before any state
// change; no debit occurs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
