// Package payout implements the Payout Pipeline (spec §4.6): resource
// provisioning, recipient payout, commission transfer, TRX sweep, cost
// accounting, and the terminal transition, run once a winning party's
// signing key has cleared Key Validation (internal/session). Each step is
// wrapped by a internal/circuitbreaker.Breaker, in the same "every outbound
// RPC goes through the breaker" style the teacher's healthcheck submodule
// applies to its own probes.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/circuitbreaker"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/energyrental"
	"github.com/escrowd/escrowd/internal/errs"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/money"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/priceindex"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// FallbackSettleWait and SweepConfirmWait are the fixed pauses §4.6 names
// for, respectively, step 1b's TRX-fallback settlement and step 4's
// pre-sweep confirmation wait.
const (
	FallbackSettleWait = 5 * time.Second
	SweepConfirmWait   = 10 * time.Second
)

// Request carries everything the pipeline needs to run (§4.6: "Invoked
// with: deal, recipient ..., recipient address, net amount, commission,
// and the recipient's validated signing key").
type Request struct {
	DealID           int64
	RecipientID      string
	RecipientAddress string
	NetAmount        decimal.Decimal
	Commission       decimal.Decimal
	RecipientKey     string                 // used once for signing, never persisted
	TxType           domain.TransactionType // TxPayout or TxRefund
	TerminalStatus   domain.Status
	CompletionType   domain.CompletionType
}

// CommissionWallet is the service's commission-collection address.
type CommissionWallet string

// Pipeline is the Payout Pipeline subsystem.
type Pipeline struct {
	store          store.Store
	chain          chainclient.Client
	rental         energyrental.Provider
	prices         *priceindex.Index
	notifier       notifier.Notifier
	commission     CommissionWallet
	arbiterAddress string
	arbiterKey     string
	breaker        *circuitbreaker.Breaker
	alerts         *alerts.Recorder
}

// Config wires a Pipeline's collaborators. ArbiterKey is the process-wide
// secret (§3.1: "The arbiter key is a process-wide secret") that co-signs
// every recipient payout and commission transfer and single-signs the TRX
// fallback top-up; it is distinct from a wallet's own PrivateKey, which
// only authorizes the arbiter-only TRX sweep back out of it (§4.6 step 4).
type Config struct {
	Store            store.Store
	Chain            chainclient.Client
	Rental           energyrental.Provider
	Prices           *priceindex.Index
	Notifier         notifier.Notifier
	CommissionWallet CommissionWallet
	ArbiterAddress   string
	ArbiterKey       string
	Breaker          *circuitbreaker.Breaker
	Alerts           *alerts.Recorder
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Rental == nil {
		cfg.Rental = energyrental.Disabled{}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("chain"))
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerts.New()
	}
	return &Pipeline{
		store: cfg.Store, chain: cfg.Chain, rental: cfg.Rental, prices: cfg.Prices,
		notifier: cfg.Notifier, commission: cfg.CommissionWallet,
		arbiterAddress: cfg.ArbiterAddress, arbiterKey: cfg.ArbiterKey,
		breaker: cfg.Breaker, alerts: cfg.Alerts,
	}
}

// Run executes the pipeline end to end (§4.6 steps 1-6). On a step-2
// broadcast failure it aborts, keeps the deal's current status, clears
// pendingKeyValidation so the user may retry, and returns the error;
// step 3/4 failures are logged and surfaced but never stop the terminal
// transition that follows in steps 5-6.
func (p *Pipeline) Run(ctx context.Context, req Request) error {
	d, err := p.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return err
	}
	wallet, err := p.store.GetWallet(ctx, req.DealID)
	if err != nil {
		return err
	}

	if err := p.checkSufficientBalance(ctx, d, wallet, req); err != nil {
		return err
	}

	costs := &domain.OperationalCosts{CompletionType: req.CompletionType}

	// Step 1: resource provisioning.
	p.provisionResources(ctx, wallet, req.RecipientAddress, costs)

	// Step 2: recipient payout. A failure here aborts the whole pipeline.
	payoutTxHash, err := p.transferRecipient(ctx, wallet, req)
	if err != nil {
		metrics.PayoutPipelineRuns.WithLabelValues("aborted").Inc()
		return p.abortOnBroadcastFailure(ctx, d, req, err)
	}

	// Step 3: commission transfer. Must not roll back step 2 on failure.
	p.transferCommission(ctx, wallet, req, costs)

	// Step 4: TRX sweep. Must follow step 3.
	p.sweepTRX(ctx, wallet, costs)

	// Step 5: cost accounting.
	p.accountCosts(ctx, costs)

	// Step 6: terminal transition, paired atomically with step 5 by being
	// in the same UpdateDeal call.
	return p.finish(ctx, d, req, payoutTxHash, costs)
}

// checkSufficientBalance guards against the wallet holding less USDT than
// the payout plus commission it is about to move (§9 open question:
// balance below commission raises an admin alert and leaves the deal in
// its current status rather than attempting a doomed broadcast).
func (p *Pipeline) checkSufficientBalance(ctx context.Context, d *domain.Deal, wallet *domain.MultisigWallet, req Request) error {
	var balance decimal.Decimal
	err := p.breaker.Call(func() error {
		b, err := p.chain.GetBalance(ctx, wallet.Address, usdt)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("payout pipeline: deal %d: balance check: %w", req.DealID, err)
	}

	required := req.NetAmount.Add(req.Commission)
	if balance.GreaterThanOrEqual(required) {
		return nil
	}

	cause := errs.InvariantViolation(fmt.Errorf("deal %d: wallet %s balance %s below required %s", req.DealID, wallet.Address, balance, required))
	if err := p.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: req.DealID, FromStatus: d.Status, ToStatus: d.Status, Actor: "system",
		Reason: "needs_attention: wallet balance below payout plus commission",
	}); err != nil {
		log.Errorf("Payout pipeline: deal %d: audit: %v", req.DealID, err)
	}
	p.alerts.Record(ctx, req.DealID, cause)
	metrics.PayoutPipelineRuns.WithLabelValues("aborted").Inc()
	return cause
}

func (p *Pipeline) provisionResources(ctx context.Context, wallet *domain.MultisigWallet, recipient string, costs *domain.OperationalCosts) {
	var rentalErr error
	err := p.breaker.Call(func() error {
		cost, err := p.rental.Rent(ctx, recipient)
		if err != nil {
			rentalErr = err
			return err
		}
		costs.RentalCostTRX = cost
		costs.ResourceMethod = domain.ResourceMethodFeesaver
		return nil
	})
	if err == nil {
		metrics.PayoutResourceMethod.WithLabelValues(string(domain.ResourceMethodFeesaver)).Inc()
		return
	}
	if !energyrental.IsDisabled(rentalErr) {
		log.Warnf("Payout pipeline: energy rental failed, falling back to TRX: %v", rentalErr)
	}

	costs.ResourceMethod = domain.ResourceMethodTRX
	costs.FallbackTRXSent = money.FallbackTRXBudget
	metrics.PayoutResourceMethod.WithLabelValues(string(domain.ResourceMethodTRX)).Inc()
	if err := p.sendTRX(ctx, p.arbiterAddress, wallet.Address, money.FallbackTRXBudget, p.arbiterKey); err != nil {
		log.Errorf("Payout pipeline: TRX fallback transfer failed: %v", err)
		costs.FallbackFee = decimal.Zero
		return
	}

	select {
	case <-time.After(FallbackSettleWait):
	case <-ctx.Done():
	}
}

// sendTRX signs a plain TRX transfer with a single key (the TRON owner
// permission, not the multisig active permission the USDT transfers in
// this pipeline require), used for both the arbiter-to-multisig fallback
// top-up and the multisig-to-arbiter sweep.
func (p *Pipeline) sendTRX(ctx context.Context, from, to string, amount decimal.Decimal, signingKey string) error {
	return p.breaker.Call(func() error {
		tx, err := p.chain.BuildSendTRX(ctx, from, to, amount)
		if err != nil {
			return err
		}
		signed, err := p.chain.Sign(ctx, tx, signingKey)
		if err != nil {
			return err
		}
		_, err = p.chain.Broadcast(ctx, signed)
		return err
	})
}

// transferRecipient implements §4.6 step 2: build, sign with {arbiter,
// recipient}, broadcast, and record the Transaction row.
func (p *Pipeline) transferRecipient(ctx context.Context, wallet *domain.MultisigWallet, req Request) (string, error) {
	var txHash string
	err := p.breaker.Call(func() error {
		unsigned, err := p.chain.BuildTRC20Transfer(ctx, usdt, wallet.Address, req.RecipientAddress, req.NetAmount)
		if err != nil {
			return err
		}
		signed, err := p.chain.Multisign(ctx, unsigned, []string{p.arbiterKey, req.RecipientKey})
		if err != nil {
			return err
		}
		info, err := p.chain.Broadcast(ctx, signed)
		if err != nil {
			return err
		}
		if !info.Success {
			return fmt.Errorf("payout broadcast reported failure for tx %s", info.TxHash)
		}
		txHash = info.TxHash
		return nil
	})
	if err != nil {
		return "", errs.BroadcastFailed(err)
	}

	if aerr := p.store.AppendTransaction(ctx, &domain.Transaction{
		DealID: req.DealID, Type: req.TxType, Asset: usdt.Symbol, Amount: req.NetAmount,
		TxHash: txHash, From: wallet.Address, To: req.RecipientAddress, Status: domain.TxStatusConfirmed,
	}); aerr != nil {
		log.Errorf("Payout pipeline: deal %d: record payout tx: %v", req.DealID, aerr)
	}
	return txHash, nil
}

// abortOnBroadcastFailure implements §4.6's step-2 failure semantics.
func (p *Pipeline) abortOnBroadcastFailure(ctx context.Context, d *domain.Deal, req Request, cause error) error {
	d.PendingKeyValidation = nil
	if err := p.store.UpdateDeal(ctx, d); err != nil && err != store.ErrVersionConflict {
		log.Errorf("Payout pipeline: deal %d: clear pendingKeyValidation after abort: %v", req.DealID, err)
	}
	log.Errorf("Payout pipeline: deal %d aborted at recipient payout: %v", req.DealID, cause)
	p.alerts.Record(ctx, req.DealID, cause)
	return cause
}

// transferCommission implements §4.6 step 3. A failure here is logged and
// surfaced, never rolled back.
func (p *Pipeline) transferCommission(ctx context.Context, wallet *domain.MultisigWallet, req Request, costs *domain.OperationalCosts) {
	if req.Commission.IsZero() {
		return
	}
	var txHash string
	err := p.breaker.Call(func() error {
		unsigned, err := p.chain.BuildTRC20Transfer(ctx, usdt, wallet.Address, string(p.commission), req.Commission)
		if err != nil {
			return err
		}
		signed, err := p.chain.Multisign(ctx, unsigned, []string{p.arbiterKey, req.RecipientKey})
		if err != nil {
			return err
		}
		info, err := p.chain.Broadcast(ctx, signed)
		if err != nil {
			return err
		}
		txHash = info.TxHash
		return nil
	})
	if err != nil {
		log.Errorf("Payout pipeline: deal %d: commission transfer failed (not rolling back payout): %v", req.DealID, err)
		p.alerts.Record(ctx, req.DealID, errs.PartialPipelineFailure(err))
		return
	}
	if aerr := p.store.AppendTransaction(ctx, &domain.Transaction{
		DealID: req.DealID, Type: domain.TxCommission, Asset: usdt.Symbol, Amount: req.Commission,
		TxHash: txHash, From: wallet.Address, To: string(p.commission), Status: domain.TxStatusConfirmed,
	}); aerr != nil {
		log.Errorf("Payout pipeline: deal %d: record commission tx: %v", req.DealID, aerr)
	}
}

// sweepTRX implements §4.6 step 4: repatriate excess TRX above the
// reserve, using the wallet's own key (arbiter-only signature).
func (p *Pipeline) sweepTRX(ctx context.Context, wallet *domain.MultisigWallet, costs *domain.OperationalCosts) {
	select {
	case <-time.After(SweepConfirmWait):
	case <-ctx.Done():
		return
	}

	var balance decimal.Decimal
	err := p.breaker.Call(func() error {
		b, err := p.chain.GetBalance(ctx, wallet.Address, chainclient.TRX)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		log.Errorf("Payout pipeline: deal %d wallet: sweep balance check failed: %v", wallet.DealID, err)
		p.alerts.Record(ctx, wallet.DealID, errs.PartialPipelineFailure(err))
		return
	}

	if !balance.GreaterThan(money.TRXSweepReserve) {
		return
	}
	sweepAmount := balance.Sub(money.TRXSweepReserve)

	if err := p.sendTRX(ctx, wallet.Address, p.arbiterAddress, sweepAmount, wallet.PrivateKey); err != nil {
		log.Errorf("Payout pipeline: deal %d wallet: TRX sweep failed: %v", wallet.DealID, err)
		p.alerts.Record(ctx, wallet.DealID, errs.PartialPipelineFailure(err))
		return
	}
	costs.TRXReturned = sweepAmount
}

func (p *Pipeline) accountCosts(ctx context.Context, costs *domain.OperationalCosts) {
	price, stale := p.prices.Price(ctx)
	costs.TRXUSDPrice = price
	costs.TRXUSDPriceStale = stale

	costs.NetTRX = costs.ActivationTRXSent.Add(costs.FallbackTRXSent).Sub(costs.TRXReturned)
	usdCost := costs.NetTRX.Mul(price).Add(costs.RentalCostTRX.Mul(price))
	costs.TotalUSDCost = usdCost.Round(money.USDTDisplayScale)
}

func (p *Pipeline) finish(ctx context.Context, d *domain.Deal, req Request, payoutTxHash string, costs *domain.OperationalCosts) error {
	from := d.Status
	now := time.Now()
	d.Status = req.TerminalStatus
	d.PayoutTxHash = payoutTxHash
	d.PendingKeyValidation = nil
	d.OperationalCosts = costs
	d.CompletedAt = &now

	if err := p.store.UpdateDeal(ctx, d); err != nil {
		pendingErr := errs.PartialPipelineFailure(fmt.Errorf("terminal transition failed after funds moved: %w", err))
		p.alerts.Record(ctx, req.DealID, pendingErr)
		return pendingErr
	}

	if err := p.store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: req.DealID, FromStatus: from, ToStatus: req.TerminalStatus,
		Actor: "system", Reason: "payout pipeline completed",
	}); err != nil {
		log.Errorf("Payout pipeline: deal %d: audit: %v", req.DealID, err)
	}

	metrics.PayoutPipelineRuns.WithLabelValues("completed").Inc()
	metrics.PayoutCostUSD.Observe(costs.TotalUSDCost.InexactFloat64())

	for _, userID := range []string{d.BuyerID, d.SellerID} {
		err := p.notifier.Notify(ctx, notifier.OutOfBand{
			UserID: userID,
			Text:   fmt.Sprintf("Deal %s is complete. Payout tx: %s", d.ShortID, payoutTxHash),
		})
		if err != nil {
			log.Errorf("Payout pipeline: deal %d: done notification to %s: %v", req.DealID, userID, err)
		}
	}
	return nil
}

var usdt = chainclient.Asset{Symbol: "USDT"}
