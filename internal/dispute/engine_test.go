package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/alerts"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/store"
)

const disputeReason = "the seller never delivered anything resembling the product"

func seedDeal(t *testing.T, st store.Store, status domain.Status) *domain.Deal {
	t.Helper()
	d := &domain.Deal{
		ShortID: "DL-DISP01", BuyerID: "buyer-1", SellerID: "seller-1",
		ProductName: "widget", Asset: "USDT",
		Amount: decimal.NewFromInt(100), Commission: decimal.NewFromInt(15),
		CommissionPayer: "buyer", Deadline: time.Now().Add(48 * time.Hour),
		Status: status,
	}
	require.NoError(t, st.CreateDeal(context.Background(), d))
	return d
}

// newTestEngine passes a nil *session.Store: Open and Cancel never touch
// it, but Resolve's success path does (via openWinnerSession), so no test
// here exercises Resolve end to end. See internal/dealflow's test file and
// DESIGN.md for the same Redis-test-double gap.
func newTestEngine(st store.Store) (*Engine, *alerts.Recorder) {
	rec := alerts.New()
	return New(st, nil, notifier.NewLoggingNotifier(), rec), rec
}

func TestOpenRejectsShortReason(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusLocked)

	_, err := e.Open(context.Background(), d.ID, d.BuyerID, "too short", nil)
	require.Error(t, err)
}

func TestOpenRejectsNonParticipant(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusLocked)

	_, err := e.Open(context.Background(), d.ID, "some-stranger", disputeReason, nil)
	require.Error(t, err)
}

func TestOpenRejectsUndisputableStatus(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusCompleted)

	_, err := e.Open(context.Background(), d.ID, d.BuyerID, disputeReason, nil)
	require.Error(t, err)
}

func TestOpenMovesDealToDisputeAndRecordsPriorStatus(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusWorkSubmitted)

	disp, err := e.Open(context.Background(), d.ID, d.SellerID, disputeReason, nil)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeOpen, disp.Status)
	require.Equal(t, domain.StatusWorkSubmitted, disp.PriorStatus)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDispute, updated.Status)
}

func TestOpenRejectsSecondOpenDispute(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusLocked)

	_, err := e.Open(context.Background(), d.ID, d.BuyerID, disputeReason, nil)
	require.NoError(t, err)

	_, err = e.Open(context.Background(), d.ID, d.SellerID, disputeReason, nil)
	require.Error(t, err)
}

func TestCancelRestoresPriorStatusAndClosesDispute(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusInProgress)

	disp, err := e.Open(context.Background(), d.ID, d.BuyerID, disputeReason, nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), d.ID, "settled privately between the parties"))

	updatedDeal, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, updatedDeal.Status)

	updatedDisp, err := st.GetDispute(context.Background(), disp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeCancelled, updatedDisp.Status)
}

func TestCancelRejectsWhenDealNotInDispute(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)
	d := seedDeal(t, st, domain.StatusLocked)

	err := e.Cancel(context.Background(), d.ID, "nothing to cancel")
	require.Error(t, err)
}

// TestRecordOutcomeAutobansOnThirdConsecutiveLoss exercises the loss-streak
// bookkeeping §4.4 rule 2 names directly, without going through Resolve
// (which this package's tests can't drive end to end — see newTestEngine).
func TestRecordOutcomeAutobansOnThirdConsecutiveLoss(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)

	for i := 0; i < domain.AutobanLossStreak-1; i++ {
		_, autobanned, err := e.recordOutcome(context.Background(), "winner", "loser")
		require.NoError(t, err)
		require.False(t, autobanned)
	}

	streak, autobanned, err := e.recordOutcome(context.Background(), "winner", "loser")
	require.NoError(t, err)
	require.True(t, autobanned)
	require.Equal(t, domain.AutobanLossStreak, streak)

	stats, err := st.GetDisputeStats(context.Background(), "loser")
	require.NoError(t, err)
	require.True(t, stats.Blacklisted)
}

func TestRecordOutcomeResetsWinnerStreak(t *testing.T) {
	st := store.NewMemory()
	e, _ := newTestEngine(st)

	_, _, err := e.recordOutcome(context.Background(), "alice", "bob")
	require.NoError(t, err)
	_, _, err = e.recordOutcome(context.Background(), "bob", "alice")
	require.NoError(t, err)

	stats, err := st.GetDisputeStats(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, 0, stats.LossStreak)
}
