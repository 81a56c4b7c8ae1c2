// Package depositmonitor implements the Deposit Monitor (spec §4.2): a
// periodic watcher over deals in waiting_for_deposit, polling the chain for
// inbound USDT and locking the deal once the required amount has arrived.
// Its lifecycle — started/stopped atomics, a quit channel, a WaitGroup, and
// a single coordinating goroutine — follows breacharbiter.go's shape, the
// teacher's own periodic-watcher-with-persisted-state subsystem, adapted
// from an event-driven breach observer to a ticker-driven poll loop since
// there is no chain-notification primitive for TRC20 transfers here.
package depositmonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/shopspring/decimal"

	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/money"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/statemachine"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// DefaultPollInterval is how often a full sweep over waiting_for_deposit
// deals runs.
const DefaultPollInterval = 15 * time.Second

// DefaultBatchSize and DefaultBatchPause implement §5's "deals are
// processed in small bounded batches (default 5) with inter-batch sleep
// (default 2s)".
const (
	DefaultBatchSize = 5
	DefaultBatchPause = 2 * time.Second
)

// Config parameterizes a Monitor.
type Config struct {
	Store      store.Store
	Chain      chainclient.Client
	Notifier   notifier.Notifier
	PollEvery  time.Duration
	BatchSize  int
	BatchPause time.Duration
}

// Monitor is the Deposit Monitor subsystem.
type Monitor struct {
	cfg Config
	sm  *statemachine.Machine

	// isChecking is the single-flight latch spec §5 requires ("each cycle
	// is guarded by an isChecking latch so cycles never overlap").
	isChecking uint32

	started uint32
	stopped uint32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Monitor, filling unset Config durations/batch sizes
// with their documented defaults.
func New(cfg Config) *Monitor {
	if cfg.PollEvery == 0 {
		cfg.PollEvery = DefaultPollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause == 0 {
		cfg.BatchPause = DefaultBatchPause
	}
	return &Monitor{cfg: cfg, sm: statemachine.New(), quit: make(chan struct{})}
}

// Start is idempotent and launches the monitor's polling goroutine.
func (m *Monitor) Start() error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return nil
	}

	log.Infof("Deposit monitor starting, poll_interval=%v batch_size=%d",
		m.cfg.PollEvery, m.cfg.BatchSize)

	t := ticker.New(m.cfg.PollEvery)
	t.Resume()

	m.wg.Add(1)
	go m.pollLoop(t)

	return nil
}

// Stop is idempotent and blocks until the polling goroutine exits.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return nil
	}

	log.Infof("Deposit monitor shutting down")
	close(m.quit)
	m.wg.Wait()
	return nil
}

func (m *Monitor) pollLoop(t ticker.Ticker) {
	defer m.wg.Done()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			m.runCycle()
		case <-m.quit:
			return
		}
	}
}

// runCycle is one sweep over all waiting_for_deposit deals. It is a no-op
// if a previous cycle is still in flight.
func (m *Monitor) runCycle() {
	if !atomic.CompareAndSwapUint32(&m.isChecking, 0, 1) {
		log.Debugf("Deposit monitor: previous cycle still running, skipping")
		return
	}
	defer atomic.StoreUint32(&m.isChecking, 0)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollEvery)
	defer cancel()

	deals, err := m.cfg.Store.ListDeals(ctx, store.DealFilter{
		Status: []domain.Status{domain.StatusWaitingForDeposit},
	})
	if err != nil {
		log.Errorf("Deposit monitor: list deals: %v", err)
		return
	}

	for i := 0; i < len(deals); i += m.cfg.BatchSize {
		end := i + m.cfg.BatchSize
		if end > len(deals) {
			end = len(deals)
		}
		for _, d := range deals[i:end] {
			// Every suspension point re-reads from the store at the
			// start of each deal's own processing (§5), so a pause here
			// never operates on stale state picked up earlier in the
			// cycle.
			m.processDeal(ctx, d.ID)
		}
		if end < len(deals) {
			select {
			case <-time.After(m.cfg.BatchPause):
			case <-m.quit:
				return
			}
		}
	}
}

func (m *Monitor) processDeal(ctx context.Context, dealID int64) {
	d, err := m.cfg.Store.GetDeal(ctx, dealID)
	if err != nil {
		log.Errorf("Deposit monitor: deal %d: get: %v", dealID, err)
		return
	}
	if d.Status != domain.StatusWaitingForDeposit {
		return
	}

	transfers, err := m.cfg.Chain.GetAccountTransactionsTRC20(ctx, d.MultisigAddress, 0)
	if err != nil {
		log.Errorf("Deposit monitor: deal %d: chain query: %v", dealID, err)
		return
	}

	buyerShare := money.BuyerCommissionShare(d.Commission, money.CommissionPayer(d.CommissionPayer))
	required := money.DepositRequired(d.Amount, buyerShare)

	received, deposit := sumConfirmedDeposits(transfers)
	if !money.MeetsDeposit(received, required) {
		return
	}

	to, err := m.sm.Next(d.Status, statemachine.EventDeposited)
	if err != nil {
		log.Errorf("Deposit monitor: deal %d: %v", dealID, err)
		return
	}

	d.Status = to
	d.DepositTxHash = deposit.TxHash
	if err := m.cfg.Store.UpdateDeal(ctx, d); err != nil {
		if err == store.ErrVersionConflict {
			log.Debugf("Deposit monitor: deal %d moved under us, deferring", dealID)
			return
		}
		log.Errorf("Deposit monitor: deal %d: update: %v", dealID, err)
		return
	}

	if err := m.cfg.Store.AppendTransaction(ctx, &domain.Transaction{
		DealID: d.ID, Type: domain.TxDeposit, Asset: d.Asset, Amount: received,
		TxHash: deposit.TxHash, From: deposit.From, To: d.MultisigAddress,
		Status: domain.TxStatusConfirmed, Block: deposit.Block,
	}); err != nil {
		log.Errorf("Deposit monitor: deal %d: record deposit tx: %v", d.ID, err)
	}

	if err := m.cfg.Store.AppendAudit(ctx, &domain.AuditEntry{
		DealID: d.ID, FromStatus: domain.StatusWaitingForDeposit, ToStatus: to,
		Actor: "system", Reason: "deposit confirmed",
	}); err != nil {
		log.Errorf("Deposit monitor: deal %d: audit: %v", dealID, err)
	}

	metrics.DealTransitions.WithLabelValues("deposited", string(to)).Inc()
	metrics.DepositsConfirmed.Inc()

	m.notifyOnce(ctx, d)
}

// notifyOnce implements §5's notification-latch ordering guarantee: the
// latch is set and persisted (via its own UpdateDeal, below) before the
// send is attempted, so a send failure drops at most one notification and
// never duplicates one.
func (m *Monitor) notifyOnce(ctx context.Context, d *domain.Deal) {
	if d.DepositNotificationSent {
		return
	}
	d.DepositNotificationSent = true
	if err := m.cfg.Store.UpdateDeal(ctx, d); err != nil {
		log.Errorf("Deposit monitor: deal %d: latch notification sent: %v", d.ID, err)
		return
	}

	for _, userID := range []string{d.BuyerID, d.SellerID} {
		err := m.cfg.Notifier.Notify(ctx, notifier.OutOfBand{
			UserID: userID,
			Text:   "Deposit confirmed for deal " + d.ShortID + ". Funds are now locked in escrow.",
		})
		if err != nil {
			log.Errorf("Deposit monitor: deal %d: notify %s: %v", d.ID, userID, err)
		}
	}
}

// sumConfirmedDeposits totals the confirmed inbound transfers in a
// multisig's TRC20 history and returns the first one observed in full —
// sufficient for a single-deposit deal; a deal funded across multiple
// transfers still locks, but only the first transfer is recorded for
// display and ledger purposes.
func sumConfirmedDeposits(transfers []chainclient.TRC20Transfer) (decimal.Decimal, chainclient.TRC20Transfer) {
	sum := decimal.Zero
	var first chainclient.TRC20Transfer
	var seenFirst bool
	for _, t := range transfers {
		if !t.Confirmed {
			continue
		}
		sum = sum.Add(t.Amount)
		if !seenFirst {
			first = t
			seenFirst = true
		}
	}
	return sum, first
}
