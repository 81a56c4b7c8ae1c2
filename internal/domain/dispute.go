package domain

import "time"

// DisputeDecision is the arbiter's closed-variant ruling (§4.4).
type DisputeDecision string

const (
	DecisionRefundBuyer   DisputeDecision = "refund_buyer"
	DecisionReleaseSeller DisputeDecision = "release_seller"
)

// DisputeStatus tracks a Dispute record's own lifecycle, independent of
// the parent Deal's status (which remains StatusDispute until payout
// clears, §4.4 rule 1).
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeCancelled DisputeStatus = "cancelled"
)

// MinDisputeReasonLength is the minimum length of a dispute's reason text
// (§4.4 rule 1).
const MinDisputeReasonLength = 20

// Dispute is the child record opened against a Deal (§4.4).
type Dispute struct {
	ID       int64
	DealID   int64
	OpenerID string
	Reason   string
	MediaIDs []string

	Status       DisputeStatus
	PriorStatus  Status // the deal's status just before opening, restored on Cancel
	Decision     *DisputeDecision
	ArbiterReason string

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// AutobanLossStreak is the number of consecutive dispute losses that
// blacklists a user (§4.4 rule 2, testable property 6).
const AutobanLossStreak = 3

// DisputeStats is the per-user read model the Dispute Engine maintains
// (§3.2 expansion).
type DisputeStats struct {
	UserID      string
	LossStreak  int
	WinStreak   int
	Blacklisted bool
}

// RecordLoss advances the loser's streak and applies autoban once it
// reaches AutobanLossStreak (§4.4 rule 2).
func (s *DisputeStats) RecordLoss() {
	s.WinStreak = 0
	s.LossStreak++
	if s.LossStreak >= AutobanLossStreak {
		s.Blacklisted = true
	}
}

// RecordWin resets the streak (§4.4 rule 2, testable property 6: "a win
// resets the streak to 0").
func (s *DisputeStats) RecordWin() {
	s.LossStreak = 0
	s.WinStreak++
}
