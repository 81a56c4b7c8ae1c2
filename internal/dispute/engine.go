// Package dispute implements the Dispute Engine (spec §4.4): opening a
// dispute, and committing an arbiter's resolution, including the
// loss-streak autoban bookkeeping and the handoff to the winner's
// key-validation Session that ultimately triggers the Payout Pipeline.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/errs"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/money"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/session"
	"github.com/escrowd/escrowd/internal/statemachine"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

var disputableStatuses = map[domain.Status]bool{
	domain.StatusLocked:        true,
	domain.StatusInProgress:    true,
	domain.StatusWorkSubmitted: true,
}

// Engine is the Dispute Engine subsystem.
type Engine struct {
	store    store.Store
	sessions *session.Store
	notifier notifier.Notifier
	sm       *statemachine.Machine
	alerts   *alerts.Recorder
}

// New constructs an Engine. rec may be nil, in which case InvariantViolation
// failures are still returned to the caller but not recorded for
// internal/adminapi's alert feed.
func New(st store.Store, sessions *session.Store, n notifier.Notifier, rec *alerts.Recorder) *Engine {
	if rec == nil {
		rec = alerts.New()
	}
	return &Engine{store: st, sessions: sessions, notifier: n, sm: statemachine.New(), alerts: rec}
}

// Open implements §4.4's dispute-opening steps 1-3.
func (e *Engine) Open(ctx context.Context, dealID int64, openerID, reason string, mediaIDs []string) (*domain.Dispute, error) {
	if len(reason) < domain.MinDisputeReasonLength {
		return nil, errs.Validationf("dispute reason must be at least %d characters", domain.MinDisputeReasonLength)
	}

	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !disputableStatuses[d.Status] {
		return nil, errs.InvalidTransition(d.Status, fmtEvent("dispute_opened"))
	}
	if !d.HasParticipant(openerID) {
		return nil, errs.Validationf("opener is not a participant in this deal")
	}
	if existing, err := e.store.GetOpenDisputeForDeal(ctx, dealID); err == nil && existing != nil {
		return nil, errs.Validationf("a dispute is already open for this deal")
	} else if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	to, err := e.sm.Next(d.Status, statemachine.EventDisputeOpened)
	if err != nil {
		return nil, err
	}

	disp := &domain.Dispute{
		DealID: dealID, OpenerID: openerID, Reason: reason, MediaIDs: mediaIDs,
		Status: domain.DisputeOpen, PriorStatus: d.Status,
	}
	if err := e.store.CreateDispute(ctx, disp); err != nil {
		return nil, err
	}

	from := d.Status
	d.Status = to
	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return nil, err
	}
	if err := e.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: dealID, FromStatus: from, ToStatus: to, Actor: openerID, Reason: "dispute opened: " + reason,
	}); err != nil {
		log.Errorf("Dispute engine: deal %d: audit: %v", dealID, err)
	}

	metrics.DisputesOpened.Inc()

	counterparty, _ := d.CounterpartyOf(openerID)
	if err := e.notifier.Notify(ctx, notifier.OutOfBand{
		UserID: counterparty,
		Text:   "A dispute has been opened on deal " + d.ShortID + ".",
	}); err != nil {
		log.Errorf("Dispute engine: deal %d: notify counterparty: %v", dealID, err)
	}

	return disp, nil
}

// Resolve implements §4.4's resolution steps 1-4. The Payout Pipeline
// itself (step 5) runs later, once the winner supplies their key through
// the Session opened here (internal/session, internal/payout).
func (e *Engine) Resolve(ctx context.Context, dealID int64, decision domain.DisputeDecision, arbiterReason string) error {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusDispute {
		return errs.InvalidTransition(d.Status, fmtEvent("dispute_resolved"))
	}

	disp, err := e.store.GetOpenDisputeForDeal(ctx, dealID)
	if err != nil {
		return err
	}

	winnerID, loserID := resolveParties(d, decision)

	// Step 1: commit the decision immediately, deal stays in `dispute`.
	disp.Status = domain.DisputeResolved
	disp.Decision = &decision
	disp.ArbiterReason = arbiterReason
	now := time.Now()
	disp.ResolvedAt = &now
	if err := e.store.UpdateDispute(ctx, disp); err != nil {
		return err
	}
	if err := e.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: dealID, FromStatus: d.Status, ToStatus: d.Status, Actor: "arbiter",
		Reason: fmt.Sprintf("dispute resolved: %s (%s)", decision, arbiterReason),
	}); err != nil {
		log.Errorf("Dispute engine: deal %d: audit: %v", dealID, err)
	}

	// Step 2: stats update precedes loss-notice emission (ordering
	// guarantee, §4.4) — this call chain updates winner+loser stats
	// before any Notify below.
	lossStreak, autobanned, err := e.recordOutcome(ctx, winnerID, loserID)
	if err != nil {
		return err
	}
	metrics.DisputesResolved.WithLabelValues(string(decision)).Inc()
	if autobanned {
		metrics.Autobans.Inc()
	}

	// Step 3: open the winner's key_validation Session.
	if err := e.openWinnerSession(ctx, d, winnerID, decision); err != nil {
		return err
	}

	// Step 4: notify winner (key prompt) and loser (loss notice).
	if err := e.notifier.Notify(ctx, notifier.OutOfBand{
		UserID: winnerID,
		Text:   "The dispute on deal " + d.ShortID + " was resolved in your favor. Enter your private key to claim your funds.",
	}); err != nil {
		log.Errorf("Dispute engine: deal %d: notify winner: %v", dealID, err)
	}

	loserText := fmt.Sprintf("The dispute on deal %s was resolved against you. Consecutive losses: %d.", d.ShortID, lossStreak)
	if autobanned {
		loserText += " Your account has been restricted from creating or joining new deals."
	}
	if err := e.notifier.Notify(ctx, notifier.OutOfBand{UserID: loserID, Text: loserText}); err != nil {
		log.Errorf("Dispute engine: deal %d: notify loser: %v", dealID, err)
	}

	return nil
}

// Cancel implements the admin "abort an open dispute back to the prior
// state" contract (spec §6: `POST /disputes/:id/cancel`). Unlike Resolve,
// no payout follows: the deal returns to whichever disputable status it
// was in before EventDisputeOpened moved it to `dispute`, and no stats
// bookkeeping applies since neither party won or lost.
func (e *Engine) Cancel(ctx context.Context, dealID int64, reason string) error {
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusDispute {
		return errs.InvalidTransition(d.Status, fmtEvent("dispute_cancelled"))
	}

	disp, err := e.store.GetOpenDisputeForDeal(ctx, dealID)
	if err != nil {
		return err
	}

	disp.Status = domain.DisputeCancelled
	disp.ArbiterReason = reason
	now := time.Now()
	disp.ResolvedAt = &now
	if err := e.store.UpdateDispute(ctx, disp); err != nil {
		return err
	}

	from := d.Status
	d.Status = disp.PriorStatus
	if err := e.store.UpdateDeal(ctx, d); err != nil {
		return err
	}
	if err := e.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: dealID, FromStatus: from, ToStatus: d.Status, Actor: "arbiter",
		Reason: "dispute cancelled: " + reason,
	}); err != nil {
		log.Errorf("Dispute engine: deal %d: audit: %v", dealID, err)
	}

	for _, userID := range []string{d.BuyerID, d.SellerID} {
		if err := e.notifier.Notify(ctx, notifier.OutOfBand{
			UserID: userID,
			Text:   "The dispute on deal " + d.ShortID + " was cancelled by the arbiter.",
		}); err != nil {
			log.Errorf("Dispute engine: deal %d: notify %s: %v", dealID, userID, err)
		}
	}
	return nil
}

func resolveParties(d *domain.Deal, decision domain.DisputeDecision) (winnerID, loserID string) {
	if decision == domain.DecisionRefundBuyer {
		return d.BuyerID, d.SellerID
	}
	return d.SellerID, d.BuyerID
}

// recordOutcome implements §4.4 rule 2 and the autoban threshold, and
// returns the loser's updated streak and whether this loss triggered
// autoban, for the loss-notice text.
func (e *Engine) recordOutcome(ctx context.Context, winnerID, loserID string) (lossStreak int, autobanned bool, err error) {
	winnerStats, err := e.store.GetDisputeStats(ctx, winnerID)
	if err != nil {
		return 0, false, err
	}
	winnerStats.RecordWin()
	if err := e.store.PutDisputeStats(ctx, winnerStats); err != nil {
		return 0, false, err
	}

	loserStats, err := e.store.GetDisputeStats(ctx, loserID)
	if err != nil {
		return 0, false, err
	}
	wasBlacklisted := loserStats.Blacklisted
	loserStats.RecordLoss()
	if err := e.store.PutDisputeStats(ctx, loserStats); err != nil {
		return 0, false, err
	}

	return loserStats.LossStreak, loserStats.Blacklisted && !wasBlacklisted, nil
}

func (e *Engine) openWinnerSession(ctx context.Context, d *domain.Deal, winnerID string, decision domain.DisputeDecision) error {
	wallet, err := e.store.GetWallet(ctx, d.ID)
	if err != nil {
		return err
	}

	var (
		kind   domain.KeyValidationKind
		signer domain.Signer
		share  = money.BuyerCommissionShare(d.Commission, money.CommissionPayer(d.CommissionPayer))
	)
	if decision == domain.DecisionRefundBuyer {
		kind, signer = domain.KeyValidationDisputeBuyer, domain.SignerBuyer
	} else {
		kind, signer = domain.KeyValidationDisputeSeller, domain.SignerSeller
		share = money.SellerCommissionShare(d.Commission, money.CommissionPayer(d.CommissionPayer))
	}

	expectedAddr, ok := wallet.ActiveSigners[signer]
	if !ok {
		err := errs.InvariantViolation(fmt.Errorf("deal %d has no registered %s signer", d.ID, signer))
		e.alerts.Record(ctx, d.ID, err)
		return err
	}

	sess := &domain.Session{
		UserID: winnerID, Scope: domain.ScopeKeyValidation,
		KeyValidation: &domain.KeyValidationData{
			DealID: d.ID, Kind: kind,
			NetAmount: d.Amount.Sub(share), Commission: d.Commission,
			ExpectedSignerAddress: expectedAddr,
		},
	}
	if err := e.sessions.Put(ctx, sess); err != nil {
		return err
	}

	d.PendingKeyValidation = &kind
	return e.store.UpdateDeal(ctx, d)
}

type eventStringer string

func (e eventStringer) String() string { return string(e) }

func fmtEvent(s string) fmt.Stringer { return eventStringer(s) }
