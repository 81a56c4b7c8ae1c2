// Package money implements the fixed-point decimal arithmetic used
// throughout escrowd for every value that affects a deal's status. Binary
// floating point is never used here: §9 of the design forbids it for any
// monetary comparison that drives a state transition.
package money

import (
	"github.com/shopspring/decimal"
)

// USDTDisplayScale is the number of decimal places used when a USDT amount
// is shown to a user or compared against a deal's recorded amount.
const USDTDisplayScale = 2

// TRC20Decimals is the number of decimals TRON's canonical TRC20 USDT
// contract uses on-chain.
const TRC20Decimals = 6

// SmallCommissionThreshold is the amount below which the flat commission
// applies instead of the percentage commission.
var SmallCommissionThreshold = decimal.NewFromInt(300)

// FlatCommission is the flat commission charged on deals below
// SmallCommissionThreshold.
var FlatCommission = decimal.NewFromInt(15)

// CommissionRate is the percentage commission charged on deals at or above
// SmallCommissionThreshold.
var CommissionRate = decimal.NewFromFloat(0.05)

// DepositTolerance is the allowed underpayment on a deposit before it is
// rejected. It is expressed as a negative amount: a deposit is accepted when
// received >= required + DepositTolerance.
var DepositTolerance = decimal.NewFromInt(-2)

// MinDealAmount is the minimum amount accepted for a new deal.
var MinDealAmount = decimal.NewFromInt(50)

// FallbackTRXBudget is the fixed TRX amount transferred from the arbiter
// to a multisig when energy rental is disabled or fails (§4.6 step 1b).
var FallbackTRXBudget = decimal.NewFromInt(30)

// TRXSweepReserve is the TRX balance left behind on a multisig after the
// post-payout sweep (§4.6 step 4): "if balance > 1 TRX reserve, sweep the
// excess".
var TRXSweepReserve = decimal.NewFromInt(1)

// FallbackTRXUSDPrice is the documented constant used for cost accounting
// when the Price Feed has never returned a value (§4.6 step 5).
var FallbackTRXUSDPrice = decimal.NewFromFloat(0.28)

// Commission computes the commission owed on a deal of the given amount,
// per spec §3: 15 flat under 300, else 5% rounded to 2 places.
func Commission(amount decimal.Decimal) decimal.Decimal {
	if amount.LessThan(SmallCommissionThreshold) {
		return FlatCommission
	}
	return amount.Mul(CommissionRate).Round(USDTDisplayScale)
}

// DepositRequired returns the total on-chain amount a deal's multisig must
// receive before it can be locked, given the buyer's share of the
// commission (zero when the seller or split alone does not apply to the
// buyer-paid half).
func DepositRequired(amount, buyerCommissionShare decimal.Decimal) decimal.Decimal {
	return amount.Add(buyerCommissionShare)
}

// BuyerCommissionShare splits the commission between the two parties
// according to who is responsible for paying it.
func BuyerCommissionShare(commission decimal.Decimal, payer CommissionPayer) decimal.Decimal {
	switch payer {
	case CommissionPayerBuyer:
		return commission
	case CommissionPayerSplit:
		return commission.Div(decimal.NewFromInt(2)).Round(USDTDisplayScale)
	default:
		return decimal.Zero
	}
}

// SellerCommissionShare is the complement of BuyerCommissionShare.
func SellerCommissionShare(commission decimal.Decimal, payer CommissionPayer) decimal.Decimal {
	return commission.Sub(BuyerCommissionShare(commission, payer))
}

// CommissionPayer is a closed variant over who bears the service fee.
type CommissionPayer string

const (
	CommissionPayerBuyer  CommissionPayer = "buyer"
	CommissionPayerSeller CommissionPayer = "seller"
	CommissionPayerSplit  CommissionPayer = "split"
)

// MeetsDeposit reports whether a received amount satisfies a required
// amount within the accepted tolerance (§4.2 rule 2).
func MeetsDeposit(received, required decimal.Decimal) bool {
	return received.GreaterThanOrEqual(required.Add(DepositTolerance))
}

// ToOnChainUnits scales a display-precision USDT amount up to the integer
// smallest-unit representation TRC20 transfers require.
func ToOnChainUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(TRC20Decimals).Truncate(0)
}

// FromOnChainUnits scales an integer smallest-unit amount back down to
// display precision.
func FromOnChainUnits(units decimal.Decimal) decimal.Decimal {
	return units.Shift(-TRC20Decimals).Round(USDTDisplayScale)
}
