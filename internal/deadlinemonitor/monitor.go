// Package deadlinemonitor implements the Deadline Monitor (spec §4.3):
// a periodic scan over deals past their deadline that first raises a
// notice, then — after a grace window — opens a key-validation Session so
// the affected party can authorize the automatic refund/release by
// supplying their ephemeral key. No signing happens without that key: this
// mirrors the teacher's htlcswitch timeout resolvers in shape (checkpointed
// re-entrant step logic keyed by an id, bounded in-flight set) but replaces
// unilateral on-chain timeout claims with a party-authorized unlock.
package deadlinemonitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/metrics"
	"github.com/escrowd/escrowd/internal/money"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/session"
	"github.com/escrowd/escrowd/internal/store"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// DefaultPollInterval matches spec §4.3: "Runs every 5 minutes".
const DefaultPollInterval = 5 * time.Minute

// GracePeriod is how long after the deadline a deal waits before opening a
// key-validation Session (§4.3 rule 2).
const GracePeriod = 12 * time.Hour

const (
	DefaultBatchSize  = 5
	DefaultBatchPause = 2 * time.Second
)

// maxInFlight bounds the in-flight tracking set (§4.3: "In-flight deals are
// tracked in a bounded set keyed by deal id").
const maxInFlight = 2048

var watchedStatuses = []domain.Status{
	domain.StatusLocked, domain.StatusInProgress, domain.StatusWorkSubmitted,
}

// Config parameterizes a Monitor.
type Config struct {
	Store      store.Store
	Sessions   *session.Store
	Notifier   notifier.Notifier
	PollEvery  time.Duration
	BatchSize  int
	BatchPause time.Duration
}

// Monitor is the Deadline Monitor subsystem.
type Monitor struct {
	cfg Config

	isChecking uint32

	inFlightMu sync.Mutex
	inFlight   map[int64]struct{}

	started uint32
	stopped uint32
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Monitor, filling defaults for unset durations.
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
	return &Monitor{cfg: cfg, quit: make(chan struct{}), inFlight: make(map[int64]struct{})}
}

// Start is idempotent and launches the monitor's polling goroutine.
func (m *Monitor) Start() error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return nil
	}

	log.Infof("Deadline monitor starting, poll_interval=%v grace=%v", m.cfg.PollEvery, GracePeriod)

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
	log.Infof("Deadline monitor shutting down")
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

func (m *Monitor) tryClaim(dealID int64) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if _, ok := m.inFlight[dealID]; ok {
		return false
	}
	if len(m.inFlight) >= maxInFlight {
		log.Warnf("Deadline monitor: in-flight set full, deferring deal %d", dealID)
		return false
	}
	m.inFlight[dealID] = struct{}{}
	return true
}

func (m *Monitor) release(dealID int64) {
	m.inFlightMu.Lock()
	delete(m.inFlight, dealID)
	m.inFlightMu.Unlock()
}

func (m *Monitor) runCycle() {
	if !atomic.CompareAndSwapUint32(&m.isChecking, 0, 1) {
		log.Debugf("Deadline monitor: previous cycle still running, skipping")
		return
	}
	defer atomic.StoreUint32(&m.isChecking, 0)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollEvery)
	defer cancel()

	now := time.Now().Unix()
	deals, err := m.cfg.Store.ListDeals(ctx, store.DealFilter{
		Status:         watchedStatuses,
		DeadlineBefore: &now,
	})
	if err != nil {
		log.Errorf("Deadline monitor: list deals: %v", err)
		return
	}

	for i := 0; i < len(deals); i += m.cfg.BatchSize {
		end := i + m.cfg.BatchSize
		if end > len(deals) {
			end = len(deals)
		}
		for _, d := range deals[i:end] {
			if !m.tryClaim(d.ID) {
				continue
			}
			m.processDeal(ctx, d.ID)
			m.release(d.ID)
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
		log.Errorf("Deadline monitor: deal %d: get: %v", dealID, err)
		return
	}
	if d.CompletedAt != nil || d.Deadline.After(time.Now()) {
		return
	}

	m.maybeSendNotice(ctx, d)

	if time.Since(d.Deadline) >= GracePeriod && d.PendingKeyValidation == nil {
		m.openKeyValidation(ctx, d)
	}
}

// maybeSendNotice implements §4.3 rule 1: the latch is set before the send
// is attempted, so a delivery failure drops at most one notice.
func (m *Monitor) maybeSendNotice(ctx context.Context, d *domain.Deal) {
	if d.DeadlineNotificationSent {
		return
	}
	d.DeadlineNotificationSent = true
	if err := m.cfg.Store.UpdateDeal(ctx, d); err != nil {
		if err != store.ErrVersionConflict {
			log.Errorf("Deadline monitor: deal %d: latch notice sent: %v", d.ID, err)
		}
		return
	}

	text := "Deal " + d.ShortID + " has passed its deadline. Confirm the work, open a dispute"
	if d.Status != domain.StatusWorkSubmitted {
		text += ", or wait for the seller to submit work"
	}
	text += "."
	metrics.DeadlineNoticesSent.Inc()
	for _, userID := range []string{d.BuyerID, d.SellerID} {
		if err := m.cfg.Notifier.Notify(ctx, notifier.OutOfBand{UserID: userID, Text: text}); err != nil {
			log.Errorf("Deadline monitor: deal %d: notify %s: %v", d.ID, userID, err)
		}
	}
}

// openKeyValidation implements §4.3 rule 2: past the grace window, open a
// key_validation Session for whichever party the deal's current status
// entitles to the automatic outcome.
func (m *Monitor) openKeyValidation(ctx context.Context, d *domain.Deal) {
	wallet, err := m.cfg.Store.GetWallet(ctx, d.ID)
	if err != nil {
		log.Errorf("Deadline monitor: deal %d: get wallet: %v", d.ID, err)
		return
	}

	var (
		kind     domain.KeyValidationKind
		userID   string
		signer   = domain.SignerBuyer
		netShare = money.BuyerCommissionShare
	)
	if d.Status == domain.StatusWorkSubmitted {
		kind = domain.KeyValidationSellerRelease
		userID = d.SellerID
		signer = domain.SignerSeller
		netShare = money.SellerCommissionShare
	} else {
		kind = domain.KeyValidationBuyerRefund
		userID = d.BuyerID
	}

	expectedAddr, ok := wallet.ActiveSigners[signer]
	if !ok {
		log.Errorf("Deadline monitor: deal %d: no registered %s signer", d.ID, signer)
		return
	}

	share := netShare(d.Commission, money.CommissionPayer(d.CommissionPayer))
	net := d.Amount.Sub(share)

	sess := &domain.Session{
		UserID: userID,
		Scope:  domain.ScopeKeyValidation,
		KeyValidation: &domain.KeyValidationData{
			DealID: d.ID, Kind: kind,
			NetAmount: net, Commission: d.Commission,
			ExpectedSignerAddress: expectedAddr,
		},
	}
	if err := m.cfg.Sessions.Put(ctx, sess); err != nil {
		log.Errorf("Deadline monitor: deal %d: open session: %v", d.ID, err)
		return
	}

	d.PendingKeyValidation = &kind
	if err := m.cfg.Store.UpdateDeal(ctx, d); err != nil {
		if err != store.ErrVersionConflict {
			log.Errorf("Deadline monitor: deal %d: set pendingKeyValidation: %v", d.ID, err)
		}
		return
	}

	metrics.DeadlineAutoResolutionsOpened.Inc()
	err = m.cfg.Notifier.Notify(ctx, notifier.OutOfBand{
		UserID: userID,
		Text:   "Deal " + d.ShortID + " grace period has elapsed. Enter your private key to claim your funds.",
	})
	if err != nil {
		log.Errorf("Deadline monitor: deal %d: key prompt: %v", d.ID, err)
	}
}
