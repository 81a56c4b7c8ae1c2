// Package dealflow orchestrates the user-initiated half of a deal's
// lifecycle (spec §4.1): creation, payout-address registration, work
// progress, cancellation, and the Key Validation handoff (§4.5) that both
// the Deadline Monitor (§4.3) and the Dispute Engine (§4.4) route into
// once a party's Session carries a pending signing request. It is the
// thin coordinating layer the teacher's server.go plays for its own
// subsystems: no business logic of its own beyond sequencing calls into
// internal/statemachine, internal/store, internal/session, and
// internal/payout.
package dealflow

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/errs"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/money"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/payout"
	"github.com/escrowd/escrowd/internal/session"
	"github.com/escrowd/escrowd/internal/statemachine"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// Config wires a Flow's collaborators.
type Config struct {
	Store          store.Store
	Chain          chainclient.Client
	Sessions       *session.Store
	Notifier       notifier.Notifier
	Payout         *payout.Pipeline
	ArbiterAddress string
}

// Flow is the deal-lifecycle orchestrator.
type Flow struct {
	store    store.Store
	chain    chainclient.Client
	sessions *session.Store
	notifier notifier.Notifier
	payout   *payout.Pipeline
	sm       *statemachine.Machine
	arbiter  string
}

// New constructs a Flow.
func New(cfg Config) *Flow {
	return &Flow{
		store: cfg.Store, chain: cfg.Chain, sessions: cfg.Sessions,
		notifier: cfg.Notifier, payout: cfg.Payout, sm: statemachine.New(),
		arbiter: cfg.ArbiterAddress,
	}
}

// CreateDealParams carries a new deal's initial facts (spec §3, §4.1).
type CreateDealParams struct {
	CreatorID            string
	CreatorRole          domain.Role
	CounterpartyID       string
	ProductName          string
	Description          string
	Amount               decimal.Decimal
	CommissionPayer      money.CommissionPayer
	Deadline             time.Time
	CreatorPayoutAddress string
}

// CreateDeal implements §3/§4.1's creation step: validates the amount,
// enforces invariant 2 (at most one active deal per user) and the autoban
// rule (§4.4: a blacklisted user may not create or be invited into new
// deals), mints both ephemeral signer keypairs and the wallet's own key
// immediately (§3.1: "Multisig Wallet generated immediately"), provisions
// the 2-of-3 permission on-chain, and records the creator's payout
// address, landing in whichever `waiting_for_*_wallet` state §4.1 names.
func (f *Flow) CreateDeal(ctx context.Context, p CreateDealParams) (*domain.Deal, error) {
	if p.Amount.LessThan(money.MinDealAmount) {
		return nil, errs.Validationf("deal amount must be at least %s", money.MinDealAmount)
	}
	if p.CreatorID == p.CounterpartyID {
		return nil, errs.Validationf("creator and counterparty must be different users")
	}

	for _, userID := range []string{p.CreatorID, p.CounterpartyID} {
		active, err := f.store.HasActiveDeal(ctx, userID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, errs.Validationf("user %s already has an active deal", userID)
		}
		stats, err := f.store.GetDisputeStats(ctx, userID)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if stats != nil && stats.Blacklisted {
			return nil, errs.Validationf("user %s may not create or join new deals", userID)
		}
	}

	buyerID, sellerID := p.CreatorID, p.CounterpartyID
	if p.CreatorRole == domain.RoleSeller {
		buyerID, sellerID = p.CounterpartyID, p.CreatorID
	}

	buyerKey, buyerAddr, err := chainclient.NewEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("dealflow: mint buyer key: %w", err)
	}
	sellerKey, sellerAddr, err := chainclient.NewEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("dealflow: mint seller key: %w", err)
	}
	walletKey, walletAddr, err := chainclient.NewEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("dealflow: mint wallet key: %w", err)
	}

	if err := f.chain.CreateMultisigWallet(ctx, chainclient.MultisigPermission{
		Address:   walletAddr,
		Signers:   []string{f.arbiter, buyerAddr, sellerAddr},
		Threshold: domain.Threshold,
	}); err != nil {
		return nil, fmt.Errorf("dealflow: provision multisig: %w", err)
	}

	d := &domain.Deal{
		ShortID:             newShortID(),
		CreatorRole:         p.CreatorRole,
		BuyerID:             buyerID,
		SellerID:            sellerID,
		ProductName:         p.ProductName,
		Description:         p.Description,
		Asset:               "USDT",
		Amount:              p.Amount,
		Commission:          money.Commission(p.Amount),
		CommissionPayer:     string(p.CommissionPayer),
		Deadline:            p.Deadline,
		Status:              statemachine.InitialStatus(p.CreatorRole),
		MultisigAddress:     walletAddr,
		BuyerSignerAddress:  buyerAddr,
		SellerSignerAddress: sellerAddr,
	}
	if p.CreatorRole == domain.RoleBuyer {
		d.BuyerPayoutAddress = p.CreatorPayoutAddress
	} else {
		d.SellerPayoutAddress = p.CreatorPayoutAddress
	}

	if err := f.store.CreateDeal(ctx, d); err != nil {
		return nil, err
	}

	if err := f.store.PutWallet(ctx, &domain.MultisigWallet{
		DealID:  d.ID,
		Address: walletAddr,
		ActiveSigners: map[domain.Signer]string{
			domain.SignerArbiter: f.arbiter,
			domain.SignerBuyer:   buyerAddr,
			domain.SignerSeller:  sellerAddr,
		},
		PrivateKey: walletKey,
	}); err != nil {
		return nil, err
	}

	if err := f.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: d.ID, FromStatus: "", ToStatus: d.Status, Actor: p.CreatorID,
		Reason: "deal created",
	}); err != nil {
		log.Errorf("Dealflow: deal %d: audit: %v", d.ID, err)
	}

	// The ephemeral keys minted above must reach each side exactly once
	// and are never persisted anywhere, on the Deal or otherwise; they
	// are handed to the Notifier inline here and then go out of scope
	// (§9: "show once"). Only the derived signer addresses live on the
	// Deal.
	if err := f.notifier.Notify(ctx, notifier.OutOfBand{
		UserID: buyerID,
		Text:   "Your escrow signing key for deal " + d.ShortID + ": " + buyerKey,
	}); err != nil {
		log.Errorf("Dealflow: deal %d: deliver buyer key: %v", d.ID, err)
	}
	if err := f.notifier.Notify(ctx, notifier.OutOfBand{
		UserID: sellerID,
		Text:   "Your escrow signing key for deal " + d.ShortID + ": " + sellerKey,
	}); err != nil {
		log.Errorf("Dealflow: deal %d: deliver seller key: %v", d.ID, err)
	}

	return d, nil
}

// RegisterPayoutAddress implements §4.1's `waiting_for_*_wallet →
// waiting_for_deposit` transition: the counterparty supplies their
// payout address and the deal advances once both sides are registered.
func (f *Flow) RegisterPayoutAddress(ctx context.Context, dealID int64, role domain.Role, address string) (*domain.Deal, error) {
	d, err := f.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	var event statemachine.Event
	switch role {
	case domain.RoleBuyer:
		d.BuyerPayoutAddress = address
		event = statemachine.EventBuyerWalletRegistered
	case domain.RoleSeller:
		d.SellerPayoutAddress = address
		event = statemachine.EventSellerWalletRegistered
	default:
		return nil, errs.Validationf("unknown role %q", role)
	}

	to, err := f.sm.Next(d.Status, event)
	if err != nil {
		return nil, err
	}
	from := d.Status
	d.Status = to
	if err := f.store.UpdateDeal(ctx, d); err != nil {
		return nil, err
	}
	if err := f.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: dealID, FromStatus: from, ToStatus: to, Actor: string(role),
		Reason: "payout address registered",
	}); err != nil {
		log.Errorf("Dealflow: deal %d: audit: %v", dealID, err)
	}
	metrics.DealTransitions.WithLabelValues(string(event), string(to)).Inc()
	return d, nil
}

// advance is the shared implementation behind the plain status-advancing
// actions below: look up the deal, compute the next status, persist it,
// and append the matching audit row in the same call — the atomicity
// §4.1 requires ("the transition must be paired with an audit-log append
// in the same logical commit").
func (f *Flow) advance(ctx context.Context, dealID int64, event statemachine.Event, actor, reason string) (*domain.Deal, error) {
	d, err := f.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	to, err := f.sm.Next(d.Status, event)
	if err != nil {
		return nil, err
	}
	from := d.Status
	d.Status = to
	if err := f.store.UpdateDeal(ctx, d); err != nil {
		return nil, err
	}
	if err := f.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: dealID, FromStatus: from, ToStatus: to, Actor: actor, Reason: reason,
	}); err != nil {
		log.Errorf("Dealflow: deal %d: audit: %v", dealID, err)
	}
	metrics.DealTransitions.WithLabelValues(string(event), string(to)).Inc()
	return d, nil
}

// StartWork implements the optional `locked → in_progress` transition
// (§4.1: "source collapses these for payout purposes").
func (f *Flow) StartWork(ctx context.Context, dealID int64, sellerID string) (*domain.Deal, error) {
	return f.advance(ctx, dealID, statemachine.EventWorkStarted, sellerID, "seller started work")
}

// SubmitWork implements `locked|in_progress → work_submitted`.
func (f *Flow) SubmitWork(ctx context.Context, dealID int64, sellerID string) (*domain.Deal, error) {
	return f.advance(ctx, dealID, statemachine.EventWorkSubmitted, sellerID, "seller submitted work")
}

// AcceptWork implements `work_submitted → completed` and runs the Payout
// Pipeline paying the seller. The buyer's acceptance is the happy path's
// own quorum event (§4.1), so no Key Validation Session is opened here:
// the seller's signing key is supplied directly on this call, checked
// against the address recorded on the wallet at creation, and handed to
// the Payout Pipeline for that single invocation. It is never persisted,
// matching §3.1's "not persisted" rule for every ephemeral signing key.
func (f *Flow) AcceptWork(ctx context.Context, dealID int64, buyerID, sellerKey string) error {
	d, err := f.store.GetDeal(ctx, dealID)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusWorkSubmitted {
		return errs.InvalidTransition(d.Status, eventString(statemachine.EventWorkAccepted))
	}

	addr, err := chainclient.DeriveTronAddress(sellerKey)
	if err != nil {
		return errs.Validationf("invalid seller signing key")
	}
	if addr != d.SellerSignerAddress {
		return errs.Validationf("that key does not match the expected signer for this deal")
	}

	sellerShare := money.SellerCommissionShare(d.Commission, money.CommissionPayer(d.CommissionPayer))
	net := d.Amount.Sub(sellerShare)

	return f.payout.Run(ctx, payout.Request{
		DealID:           dealID,
		RecipientID:      d.SellerID,
		RecipientAddress: d.SellerPayoutAddress,
		NetAmount:        net,
		Commission:       d.Commission,
		RecipientKey:     sellerKey,
		TxType:           domain.TxPayout,
		TerminalStatus:   domain.StatusCompleted,
		CompletionType:   domain.CompletionWorkAccepted,
	})
}

// CancelDeal implements §4.1's either-party decline before funding.
func (f *Flow) CancelDeal(ctx context.Context, dealID int64, actorID string) (*domain.Deal, error) {
	d, err := f.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !d.HasParticipant(actorID) {
		return nil, errs.Validationf("actor is not a participant in this deal")
	}
	if !statemachine.CanCancel(d.Status) {
		return nil, errs.InvalidTransition(d.Status, eventString(statemachine.EventCancelled))
	}
	return f.advance(ctx, dealID, statemachine.EventCancelled, actorID, "cancelled before funding")
}

// SubmitKeyValidation implements §4.5 end to end: validate the candidate
// key against the user's active key_validation Session, and on match
// clear pendingKeyValidation, delete the Session, and hand off to the
// Payout Pipeline with the validated key — used by both the Deadline
// Monitor's auto-resolution path (§4.3) and the Dispute Engine's winner
// handoff (§4.4).
func (f *Flow) SubmitKeyValidation(ctx context.Context, userID, candidateKey string) error {
	outcome, sess, err := f.sessions.ValidateKey(ctx, userID, candidateKey)
	if err != nil {
		return err
	}

	switch outcome {
	case session.OutcomeMismatch:
		return errs.Validationf("that key does not match the expected signer for this deal")

	case session.OutcomeExhausted:
		if nerr := f.notifier.Notify(ctx, notifier.OutOfBand{
			UserID: userID,
			Text:   "Too many incorrect keys were entered. Please contact support to continue.",
		}); nerr != nil {
			log.Errorf("Dealflow: user %s: exhausted-attempts notice: %v", userID, nerr)
		}
		return errs.Validationf("maximum key validation attempts exceeded")

	case session.OutcomeMatch:
		kv := sess.KeyValidation
		d, err := f.store.GetDeal(ctx, kv.DealID)
		if err != nil {
			return err
		}

		req, err := buildPayoutRequest(d, kv, candidateKey)
		if err != nil {
			return err
		}

		if err := f.sessions.Delete(ctx, userID, domain.ScopeKeyValidation); err != nil {
			log.Errorf("Dealflow: deal %d: delete key_validation session: %v", kv.DealID, err)
		}

		return f.payout.Run(ctx, req)

	default:
		return fmt.Errorf("dealflow: unknown key validation outcome %v", outcome)
	}
}

// buildPayoutRequest maps a resolved KeyValidationData onto the terminal
// status/completion-type/recipient triple each kind implies (§4.3 step 2,
// §4.4 step 3), carrying forward the key that just cleared Key Validation
// so the Payout Pipeline signs with the key the user actually supplied,
// not a stored copy.
func buildPayoutRequest(d *domain.Deal, kv *domain.KeyValidationData, recipientKey string) (payout.Request, error) {
	base := payout.Request{
		DealID:       kv.DealID,
		NetAmount:    kv.NetAmount,
		Commission:   kv.Commission,
		RecipientKey: recipientKey,
	}

	switch kv.Kind {
	case domain.KeyValidationBuyerRefund:
		base.RecipientID = d.BuyerID
		base.RecipientAddress = d.BuyerPayoutAddress
		base.TxType = domain.TxRefund
		base.TerminalStatus = domain.StatusExpired
		base.CompletionType = domain.CompletionDeadlineRefund
	case domain.KeyValidationSellerRelease:
		base.RecipientID = d.SellerID
		base.RecipientAddress = d.SellerPayoutAddress
		base.TxType = domain.TxPayout
		base.TerminalStatus = domain.StatusCompleted
		base.CompletionType = domain.CompletionDeadlineRelease
	case domain.KeyValidationDisputeBuyer:
		base.RecipientID = d.BuyerID
		base.RecipientAddress = d.BuyerPayoutAddress
		base.TxType = domain.TxRefund
		base.TerminalStatus = domain.StatusResolved
		base.CompletionType = domain.CompletionDisputeResolved
	case domain.KeyValidationDisputeSeller:
		base.RecipientID = d.SellerID
		base.RecipientAddress = d.SellerPayoutAddress
		base.TxType = domain.TxPayout
		base.TerminalStatus = domain.StatusResolved
		base.CompletionType = domain.CompletionDisputeResolved
	default:
		return payout.Request{}, fmt.Errorf("dealflow: unknown key validation kind %q", kv.Kind)
	}
	return base, nil
}

const shortIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newShortID mints a "DL-XXXXXX" public identifier (§3). Collisions are
// astronomically unlikely at this alphabet/length and are otherwise the
// store's CreateDeal uniqueness constraint to catch.
func newShortID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	out := make([]byte, 6)
	for i, b := range buf {
		out[i] = shortIDAlphabet[int(b)%len(shortIDAlphabet)]
	}
	return "DL-" + string(out)
}

type eventStringer string

func (e eventStringer) String() string { return string(e) }

func eventString(ev statemachine.Event) fmt.Stringer { return eventStringer(ev) }
