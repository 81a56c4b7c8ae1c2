// Package domain holds the escrow aggregate: Deal and its children
// (MultisigWallet, Transaction, AuditEntry), plus Session and dispute
// bookkeeping types. Deal is the aggregate root; children carry a DealID
// and never hold a pointer back to their parent (§9 design note on
// cyclic references).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is a deal's position in the state machine (§4.1).
type Status string

const (
	StatusCreated               Status = "created"
	StatusWaitingForSellerWallet Status = "waiting_for_seller_wallet"
	StatusWaitingForBuyerWallet  Status = "waiting_for_buyer_wallet"
	StatusWaitingForDeposit      Status = "waiting_for_deposit"
	StatusLocked                Status = "locked"
	StatusInProgress             Status = "in_progress"
	StatusWorkSubmitted          Status = "work_submitted"
	StatusCompleted              Status = "completed"
	StatusDispute                Status = "dispute"
	StatusResolved               Status = "resolved"
	StatusExpired                Status = "expired"
	StatusCancelled              Status = "cancelled"
	StatusRefunded               Status = "refunded"
)

// ActiveStatuses is the set of statuses that count toward "a user has at
// most one deal in an active status" (invariant 2, §3).
var ActiveStatuses = map[Status]bool{
	StatusCreated:                true,
	StatusWaitingForSellerWallet: true,
	StatusWaitingForBuyerWallet:  true,
	StatusWaitingForDeposit:      true,
	StatusLocked:                 true,
	StatusInProgress:             true,
	StatusWorkSubmitted:          true,
	StatusDispute:                true,
}

// TerminalStatuses is the set of statuses after which no further monetary
// side effect may occur (invariant 6, §3).
var TerminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusResolved:  true,
	StatusExpired:   true,
	StatusCancelled: true,
	StatusRefunded:  true,
}

// IsTerminal reports whether s is one of TerminalStatuses.
func (s Status) IsTerminal() bool {
	return TerminalStatuses[s]
}

// String satisfies fmt.Stringer so a Status can stand in wherever
// errs.InvalidTransition expects one of the two transition endpoints.
func (s Status) String() string { return string(s) }

// Role identifies which side of a deal a user occupies.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// KeyValidationKind is the closed variant over what a pending key
// validation unlocks (§3).
type KeyValidationKind string

const (
	KeyValidationBuyerRefund   KeyValidationKind = "buyer_refund"
	KeyValidationSellerRelease KeyValidationKind = "seller_release"
	KeyValidationDisputeBuyer  KeyValidationKind = "dispute_buyer"
	KeyValidationDisputeSeller KeyValidationKind = "dispute_seller"
)

// CompletionType records why the pipeline reached its terminal state, used
// by OperationalCosts for reporting (§4.6 step 5).
type CompletionType string

const (
	CompletionWorkAccepted    CompletionType = "work_accepted"
	CompletionDisputeResolved CompletionType = "dispute_resolved"
	CompletionDeadlineRefund  CompletionType = "deadline_refund"
	CompletionDeadlineRelease CompletionType = "deadline_release"
)

// ResourceMethod is the closed variant over how bandwidth/energy was
// obtained for a payout (§4.6 step 1).
type ResourceMethod string

const (
	ResourceMethodFeesaver ResourceMethod = "feesaver"
	ResourceMethodTRX      ResourceMethod = "trx"
)

// OperationalCosts is the per-deal cost accounting record persisted after
// a successful payout (§4.6 step 5).
type OperationalCosts struct {
	ActivationTRXSent decimal.Decimal
	ActivationFee     decimal.Decimal
	FallbackTRXSent   decimal.Decimal
	FallbackFee       decimal.Decimal
	RentalCostTRX     decimal.Decimal
	TRXReturned       decimal.Decimal
	NetTRX            decimal.Decimal
	TRXUSDPrice       decimal.Decimal
	TRXUSDPriceStale  bool
	TotalUSDCost      decimal.Decimal
	ResourceMethod    ResourceMethod
	CompletionType    CompletionType
}

// Deal is the aggregate root described in spec §3.
type Deal struct {
	ID          int64
	ShortID     string // e.g. "DL-XXXXXX"
	CreatorRole Role
	BuyerID     string
	SellerID    string

	ProductName string
	Description string
	Asset       string // always "USDT" in scope

	Amount          decimal.Decimal
	Commission      decimal.Decimal
	CommissionPayer string // money.CommissionPayer value

	Deadline time.Time
	Status   Status

	MultisigAddress     string
	BuyerPayoutAddress  string
	SellerPayoutAddress string

	BuyerSignerAddress  string
	SellerSignerAddress string

	DepositTxHash string
	PayoutTxHash  string

	DepositNotificationSent  bool
	DeadlineNotificationSent bool

	PendingKeyValidation *KeyValidationKind

	OperationalCosts *OperationalCosts

	CompletedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasParticipant reports whether userID is either side of the deal.
func (d *Deal) HasParticipant(userID string) bool {
	return d.BuyerID == userID || d.SellerID == userID
}

// CounterpartyOf returns the other participant's id and role.
func (d *Deal) CounterpartyOf(userID string) (string, Role) {
	if d.BuyerID == userID {
		return d.SellerID, RoleSeller
	}
	return d.BuyerID, RoleBuyer
}

// RoleOf returns the role userID occupies in the deal, and false if they
// are not a participant.
func (d *Deal) RoleOf(userID string) (Role, bool) {
	switch userID {
	case d.BuyerID:
		return RoleBuyer, true
	case d.SellerID:
		return RoleSeller, true
	}
	return "", false
}
