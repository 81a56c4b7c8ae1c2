package depositmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/store"
)

func seedWaitingDeal(t *testing.T, st store.Store, amount decimal.Decimal) *domain.Deal {
	t.Helper()
	d := &domain.Deal{
		ShortID: "DL-DEP0001", BuyerID: "buyer-1", SellerID: "seller-1",
		ProductName: "widget", Asset: "USDT",
		Amount: amount, Commission: decimal.NewFromInt(15), CommissionPayer: "buyer",
		Deadline: time.Now().Add(48 * time.Hour),
		Status:   domain.StatusWaitingForDeposit, MultisigAddress: "TMultisigAddress1111111111111",
	}
	require.NoError(t, st.CreateDeal(context.Background(), d))
	return d
}

func TestProcessDealLocksOnceDepositMeetsRequired(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	d := seedWaitingDeal(t, st, decimal.NewFromInt(100))
	chain.Transfers[d.MultisigAddress] = []chainclient.TRC20Transfer{
		{TxHash: "tx1", Amount: decimal.NewFromInt(115), Confirmed: true},
	}

	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})
	m.processDeal(context.Background(), d.ID)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, updated.Status)
	require.Equal(t, "tx1", updated.DepositTxHash)
	require.True(t, updated.DepositNotificationSent)

	txs, err := st.ListTransactions(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, domain.TxDeposit, txs[0].Type)
	require.Equal(t, "tx1", txs[0].TxHash)
	require.True(t, txs[0].Amount.Equal(decimal.NewFromInt(115)))
}

func TestProcessDealIgnoresPartialDeposit(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	d := seedWaitingDeal(t, st, decimal.NewFromInt(100))
	chain.Transfers[d.MultisigAddress] = []chainclient.TRC20Transfer{
		{TxHash: "tx1", Amount: decimal.NewFromInt(50), Confirmed: true},
	}

	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})
	m.processDeal(context.Background(), d.ID)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingForDeposit, updated.Status)
}

func TestProcessDealIgnoresUnconfirmedTransfer(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	d := seedWaitingDeal(t, st, decimal.NewFromInt(100))
	chain.Transfers[d.MultisigAddress] = []chainclient.TRC20Transfer{
		{TxHash: "tx1", Amount: decimal.NewFromInt(200), Confirmed: false},
	}

	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})
	m.processDeal(context.Background(), d.ID)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingForDeposit, updated.Status)
}

// TestDepositWithinToleranceLocksDealBelowFaceValue exercises spec
// scenario S2: a deposit required 50 is accepted at 48.5 (within
// DepositTolerance) but ignored at 47.99.
func TestDepositWithinToleranceLocksDealBelowFaceValue(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	d := seedWaitingDeal(t, st, decimal.NewFromInt(50))
	d.Commission = decimal.Zero
	require.NoError(t, st.UpdateDeal(context.Background(), d))
	chain.Transfers[d.MultisigAddress] = []chainclient.TRC20Transfer{
		{TxHash: "tx-tolerance", Amount: decimal.NewFromFloat(48.5), Confirmed: true},
	}

	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})
	m.processDeal(context.Background(), d.ID)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, updated.Status)
}

func TestDepositBelowToleranceStaysWaiting(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	d := seedWaitingDeal(t, st, decimal.NewFromInt(50))
	d.Commission = decimal.Zero
	require.NoError(t, st.UpdateDeal(context.Background(), d))
	chain.Transfers[d.MultisigAddress] = []chainclient.TRC20Transfer{
		{TxHash: "tx-short", Amount: decimal.NewFromFloat(47.99), Confirmed: true},
	}

	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})
	m.processDeal(context.Background(), d.ID)

	updated, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingForDeposit, updated.Status)
}

func TestRunCycleSkipsWhileAlreadyChecking(t *testing.T) {
	st := store.NewMemory()
	chain := chainclient.NewMock()
	m := New(Config{Store: st, Chain: chain, Notifier: notifier.NewLoggingNotifier()})

	m.isChecking = 1
	m.runCycle() // must return immediately without clearing the latch
	require.Equal(t, uint32(1), m.isChecking)
}
