// Package energyrental wraps the external bandwidth/energy rental provider
// the Payout Pipeline's resource-provisioning step prefers over the TRX
// fallback (spec §4.6 step 1a).
package energyrental

import (
	"context"

	"github.com/shopspring/decimal"
)

// Provider rents TRON energy/bandwidth for a receiving address so a
// subsequent TRC20 transfer does not need to burn TRX for resources.
type Provider interface {
	// Rent provisions enough energy for one TRC20 transfer to address and
	// returns its cost in TRX.
	Rent(ctx context.Context, address string) (costTRX decimal.Decimal, err error)
}

// Disabled is a Provider that always reports itself unavailable, the
// default when no rental provider is configured (§4.6 step 1: "used when
// rental is disabled or fails").
type Disabled struct{}

func (Disabled) Rent(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, errRentalDisabled
}

var errRentalDisabled = &disabledError{}

type disabledError struct{}

func (*disabledError) Error() string { return "energyrental: provider disabled" }

// IsDisabled reports whether err indicates the provider is simply turned
// off, as opposed to a transient failure — used by the pipeline to decide
// whether to log at debug or warn level before falling back to TRX.
func IsDisabled(err error) bool {
	_, ok := err.(*disabledError)
	return ok
}
