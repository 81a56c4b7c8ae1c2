package payout

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/circuitbreaker"
	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/energyrental"
	"github.com/escrowd/escrowd/internal/errs"
	"github.com/escrowd/escrowd/internal/notifier"
	"github.com/escrowd/escrowd/internal/priceindex"
	"github.com/escrowd/escrowd/internal/store"
)

type fixedPriceSource struct{ price decimal.Decimal }

func (f fixedPriceSource) TRXUSDPrice(ctx context.Context) (decimal.Decimal, error) {
	return f.price, nil
}

// stubRental always succeeds, so tests that don't care about the TRX
// fallback path can skip straight past resource provisioning.
type stubRental struct{ cost decimal.Decimal }

func (s stubRental) Rent(ctx context.Context, address string) (decimal.Decimal, error) {
	return s.cost, nil
}

func newTestPipeline(t *testing.T, st store.Store, chain chainclient.Client, n notifier.Notifier, rental energyrental.Provider) *Pipeline {
	t.Helper()
	return New(Config{
		Store:            st,
		Chain:            chain,
		Rental:           rental,
		Prices:           priceindex.New(fixedPriceSource{price: decimal.NewFromFloat(0.3)}),
		Notifier:         n,
		CommissionWallet: "TCommissionWalletAddress111111111",
		ArbiterAddress:   "TArbiterAddress1111111111111111",
		ArbiterKey:       "arbiter-priv-key",
		Breaker:          circuitbreaker.New(circuitbreaker.DefaultConfig("test-chain")),
	})
}

func seedDeal(t *testing.T, st store.Store) *domain.Deal {
	t.Helper()
	d := &domain.Deal{
		ShortID:         "DL-TEST01",
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		Amount:          decimal.NewFromInt(100),
		Commission:      decimal.NewFromInt(15),
		CommissionPayer: "seller",
		MultisigAddress: "TMultisigAddress1111111111111111",
		Status:          domain.StatusWorkSubmitted,
	}
	require.NoError(t, st.CreateDeal(context.Background(), d))
	require.NoError(t, st.PutWallet(context.Background(), &domain.MultisigWallet{
		DealID:  d.ID,
		Address: d.MultisigAddress,
		ActiveSigners: map[domain.Signer]string{
			domain.SignerBuyer:    "TBuyerSignerAddress1111111111111",
			domain.SignerSeller:   "TSellerSignerAddress111111111111",
			domain.SignerArbiter:  "TArbiterAddress1111111111111111",
		},
		PrivateKey: "wallet-own-priv-key",
	}))
	return d
}

func TestRunCompletesPayoutAndTransitionsTerminal(t *testing.T) {
	st := store.NewMemory()
	d := seedDeal(t, st)
	chain := chainclient.NewMock()
	chain.Balances[d.MultisigAddress+":TRX"] = decimal.NewFromInt(3)
	chain.Balances[d.MultisigAddress+":USDT"] = decimal.NewFromInt(100)
	n := notifier.NewLoggingNotifier()

	p := newTestPipeline(t, st, chain, n, stubRental{cost: decimal.NewFromFloat(0.5)})

	err := p.Run(context.Background(), Request{
		DealID:           d.ID,
		RecipientID:      d.SellerID,
		RecipientAddress: "TSellerPayoutAddress11111111111",
		NetAmount:        decimal.NewFromInt(85),
		Commission:       decimal.NewFromInt(15),
		RecipientKey:     "seller-ephemeral-key",
		TxType:           domain.TxPayout,
		TerminalStatus:   domain.StatusCompleted,
		CompletionType:   domain.CompletionWorkAccepted,
	})
	require.NoError(t, err)

	got, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Nil(t, got.PendingKeyValidation)
	require.NotEmpty(t, got.PayoutTxHash)
	require.NotNil(t, got.OperationalCosts)
	require.Equal(t, domain.CompletionWorkAccepted, got.OperationalCosts.CompletionType)
	require.Equal(t, domain.ResourceMethodFeesaver, got.OperationalCosts.ResourceMethod, "successful rental skips the TRX fallback")

	require.Len(t, chain.Broadcasts, 3, "payout, commission, and TRX sweep each broadcast once")
	require.Len(t, n.Sent(), 2, "both parties get a done notification")
}

func TestRunAbortsOnPayoutBroadcastFailure(t *testing.T) {
	st := store.NewMemory()
	d := seedDeal(t, st)
	d2, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	kind := domain.KeyValidationSellerRelease
	d2.PendingKeyValidation = &kind
	require.NoError(t, st.UpdateDeal(context.Background(), d2))

	chain := chainclient.NewMock()
	chain.Balances[d.MultisigAddress+":USDT"] = decimal.NewFromInt(100)
	n := notifier.NewLoggingNotifier()
	failingBuild := &failOnTRC20Build{Mock: chain}
	p := newTestPipeline(t, st, failingBuild, n, stubRental{cost: decimal.NewFromFloat(0.5)})

	runErr := p.Run(context.Background(), Request{
		DealID:           d.ID,
		RecipientID:      d.SellerID,
		RecipientAddress: "TSellerPayoutAddress11111111111",
		NetAmount:        decimal.NewFromInt(85),
		Commission:       decimal.NewFromInt(15),
		RecipientKey:     "seller-ephemeral-key",
		TxType:           domain.TxPayout,
		TerminalStatus:   domain.StatusCompleted,
		CompletionType:   domain.CompletionWorkAccepted,
	})
	require.Error(t, runErr)

	got, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWorkSubmitted, got.Status, "deal must stay in its current state on abort")
	require.Nil(t, got.PendingKeyValidation, "pendingKeyValidation is cleared so the user may retry")
	require.Nil(t, got.CompletedAt)
}

func TestRunDoesNotRollBackPayoutOnCommissionFailure(t *testing.T) {
	st := store.NewMemory()
	d := seedDeal(t, st)
	chain := chainclient.NewMock()
	chain.Balances[d.MultisigAddress+":USDT"] = decimal.NewFromInt(100)
	// First broadcast (payout) succeeds; second (commission) fails.
	chain.Transfers = map[string][]chainclient.TRC20Transfer{}
	n := notifier.NewLoggingNotifier()
	p := newTestPipeline(t, st, chain, n, stubRental{cost: decimal.NewFromFloat(0.5)})

	// Wrap the chain so only the commission step's broadcast fails.
	flaky := &failAfterNBroadcasts{Mock: chain, failAtBroadcast: 2}
	p.chain = flaky

	err := p.Run(context.Background(), Request{
		DealID:           d.ID,
		RecipientID:      d.SellerID,
		RecipientAddress: "TSellerPayoutAddress11111111111",
		NetAmount:        decimal.NewFromInt(85),
		Commission:       decimal.NewFromInt(15),
		RecipientKey:     "seller-ephemeral-key",
		TxType:           domain.TxPayout,
		TerminalStatus:   domain.StatusCompleted,
		CompletionType:   domain.CompletionWorkAccepted,
	})
	require.NoError(t, err, "commission failure must not fail the whole run")

	got, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	require.NotEmpty(t, got.PayoutTxHash)

	txs, err := st.ListTransactions(context.Background(), d.ID)
	require.NoError(t, err)
	var sawPayout, sawCommission bool
	for _, tx := range txs {
		switch tx.Type {
		case domain.TxPayout:
			sawPayout = true
		case domain.TxCommission:
			sawCommission = true
		}
	}
	require.True(t, sawPayout, "payout must be recorded")
	require.False(t, sawCommission, "failed commission transfer must not be recorded")
}

// TestRunRaisesInvariantViolationOnInsufficientBalance covers the balance
// check ahead of step 2: a wallet holding less USDT than the payout plus
// commission must never reach the broadcast step, and the deal must stay
// in its current status rather than transition.
func TestRunRaisesInvariantViolationOnInsufficientBalance(t *testing.T) {
	st := store.NewMemory()
	d := seedDeal(t, st)
	chain := chainclient.NewMock()
	chain.Balances[d.MultisigAddress+":USDT"] = decimal.NewFromInt(50) // below 85+15
	n := notifier.NewLoggingNotifier()
	p := newTestPipeline(t, st, chain, n, stubRental{cost: decimal.NewFromFloat(0.5)})

	err := p.Run(context.Background(), Request{
		DealID:           d.ID,
		RecipientID:      d.SellerID,
		RecipientAddress: "TSellerPayoutAddress11111111111",
		NetAmount:        decimal.NewFromInt(85),
		Commission:       decimal.NewFromInt(15),
		RecipientKey:     "seller-ephemeral-key",
		TxType:           domain.TxPayout,
		TerminalStatus:   domain.StatusCompleted,
		CompletionType:   domain.CompletionWorkAccepted,
	})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errs.KindInvariantViolation, kind)

	require.Empty(t, chain.Broadcasts, "a balance shortfall must never reach the broadcast step")

	got, err := st.GetDeal(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWorkSubmitted, got.Status, "no terminal transition on an invariant violation")
}

// failOnTRC20Build wraps chainclient.Mock and fails the step-2 payout
// build, leaving the balance check (step 0) and every other call to
// succeed normally.
type failOnTRC20Build struct {
	*chainclient.Mock
}

func (f *failOnTRC20Build) BuildTRC20Transfer(ctx context.Context, contract chainclient.Asset, from, to string, amount decimal.Decimal) (*chainclient.UnsignedTx, error) {
	return nil, errBroadcastStub
}

// failAfterNBroadcasts wraps chainclient.Mock and fails the Nth Broadcast
// call (1-indexed), leaving every other call to succeed normally.
type failAfterNBroadcasts struct {
	*chainclient.Mock
	failAtBroadcast int
	count           int
}

func (f *failAfterNBroadcasts) Broadcast(ctx context.Context, tx *chainclient.SignedTx) (chainclient.TransactionInfo, error) {
	f.count++
	if f.count == f.failAtBroadcast {
		return chainclient.TransactionInfo{}, errBroadcastStub
	}
	return f.Mock.Broadcast(ctx, tx)
}

var errBroadcastStub = stubError("stubbed broadcast failure")

type stubError string

func (e stubError) Error() string { return string(e) }
