// Package statemachine enforces the legal Deal transitions of spec §4.1.
// Rather than a bare SetStatus, every advance goes through Next, which
// looks the (status, event) pair up in a closed transition table —
// generalizing the teacher's (lnwallet/channel.go) habit of guarding
// commitment-state advances instead of using a free-form status setter,
// so an illegal request is rejected with an error at runtime rather than
// discovered later as corrupted state.
package statemachine

import (
	"fmt"

	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/errs"
)

// Event names a deal-transition trigger, used only for audit logging and
// error messages; the transition table below is the source of truth.
type Event string

const (
	EventSellerWalletRegistered Event = "seller_wallet_registered"
	EventBuyerWalletRegistered  Event = "buyer_wallet_registered"
	EventDeposited              Event = "deposited"
	EventWorkStarted            Event = "work_started"
	EventWorkSubmitted          Event = "work_submitted"
	EventWorkAccepted           Event = "work_accepted"
	EventDisputeOpened          Event = "dispute_opened"
	EventDisputeResolved        Event = "dispute_resolved"
	EventDeadlineRefund         Event = "deadline_refund"
	EventDeadlineRelease        Event = "deadline_release"
	EventCancelled              Event = "cancelled"
)

// transitions is the closed table of legal (from, event) -> to advances,
// normative per spec §4.1. Any pair absent from this table is illegal.
var transitions = map[domain.Status]map[Event]domain.Status{
	domain.StatusWaitingForSellerWallet: {
		EventSellerWalletRegistered: domain.StatusWaitingForDeposit,
		EventCancelled:              domain.StatusCancelled,
	},
	domain.StatusWaitingForBuyerWallet: {
		EventBuyerWalletRegistered: domain.StatusWaitingForDeposit,
		EventCancelled:             domain.StatusCancelled,
	},
	domain.StatusWaitingForDeposit: {
		EventDeposited: domain.StatusLocked,
		EventCancelled: domain.StatusCancelled,
	},
	domain.StatusLocked: {
		EventWorkStarted:    domain.StatusInProgress,
		EventWorkSubmitted:  domain.StatusWorkSubmitted,
		EventDisputeOpened:  domain.StatusDispute,
		EventDeadlineRefund: domain.StatusExpired,
	},
	domain.StatusInProgress: {
		EventWorkSubmitted:  domain.StatusWorkSubmitted,
		EventDisputeOpened:  domain.StatusDispute,
		EventDeadlineRefund: domain.StatusExpired,
	},
	domain.StatusWorkSubmitted: {
		EventWorkAccepted:    domain.StatusCompleted,
		EventDisputeOpened:   domain.StatusDispute,
		EventDeadlineRelease: domain.StatusCompleted,
	},
	domain.StatusDispute: {
		EventDisputeResolved: domain.StatusResolved,
	},
}

// Machine is a stateless evaluator over the transition table; all
// mutation happens through the Deal Store's compare-and-swap (§5).
type Machine struct{}

// New constructs a Machine.
func New() *Machine { return &Machine{} }

// Next returns the status a deal would advance to for the given event, or
// an InvalidStateTransition error if the (status, event) pair is not in
// the table (§4.1 "any other transition is rejected").
func (m *Machine) Next(current domain.Status, event Event) (domain.Status, error) {
	byEvent, ok := transitions[current]
	if !ok {
		return "", errs.InvalidTransition(current, fmtStatusEvent(current, event))
	}
	to, ok := byEvent[event]
	if !ok {
		return "", errs.InvalidTransition(current, fmtStatusEvent(current, event))
	}
	return to, nil
}

// CanCancel reports whether a deal in the given status may still be
// cancelled before funding (§4.1: "either-party decline before funding").
func CanCancel(status domain.Status) bool {
	_, ok := transitions[status][EventCancelled]
	return ok
}

type statusEvent struct {
	status domain.Status
	event  Event
}

func (s statusEvent) String() string { return fmt.Sprintf("%s/%s", s.status, s.event) }

func fmtStatusEvent(status domain.Status, event Event) fmt.Stringer {
	return statusEvent{status, event}
}

// InitialStatus computes a new deal's starting status from spec §4.1:
// whichever side supplies a payout address at creation time puts the deal
// into the other side's "waiting for wallet" state.
func InitialStatus(creator domain.Role) domain.Status {
	if creator == domain.RoleBuyer {
		return domain.StatusWaitingForSellerWallet
	}
	return domain.StatusWaitingForBuyerWallet
}
