package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCommissionIsFlatBelowThreshold(t *testing.T) {
	require.True(t, Commission(decimal.NewFromInt(100)).Equal(FlatCommission))
	require.True(t, Commission(decimal.NewFromInt(299)).Equal(FlatCommission))
}

func TestCommissionIsPercentageAtOrAboveThreshold(t *testing.T) {
	c := Commission(decimal.NewFromInt(300))
	require.True(t, c.Equal(decimal.NewFromInt(15)), "5%% of 300 == 15, same as the flat rate at the boundary")

	c2 := Commission(decimal.NewFromInt(1000))
	require.True(t, c2.Equal(decimal.NewFromInt(50)))
}

func TestBuyerAndSellerCommissionShareSumToCommission(t *testing.T) {
	commission := decimal.NewFromInt(15)
	for _, payer := range []CommissionPayer{CommissionPayerBuyer, CommissionPayerSeller, CommissionPayerSplit} {
		buyer := BuyerCommissionShare(commission, payer)
		seller := SellerCommissionShare(commission, payer)
		require.True(t, buyer.Add(seller).Equal(commission), "payer=%s", payer)
	}
}

func TestBuyerCommissionShareByPayer(t *testing.T) {
	commission := decimal.NewFromInt(15)
	require.True(t, BuyerCommissionShare(commission, CommissionPayerBuyer).Equal(commission))
	require.True(t, BuyerCommissionShare(commission, CommissionPayerSeller).IsZero())
	require.True(t, BuyerCommissionShare(commission, CommissionPayerSplit).Equal(decimal.NewFromFloat(7.5)))
}

func TestMeetsDepositAcceptsWithinTolerance(t *testing.T) {
	required := decimal.NewFromInt(50)
	require.True(t, MeetsDeposit(decimal.NewFromFloat(48.5), required))
	require.False(t, MeetsDeposit(decimal.NewFromFloat(47.99), required))
}

func TestOnChainUnitRoundTrip(t *testing.T) {
	amount := decimal.NewFromFloat(115.50)
	units := ToOnChainUnits(amount)
	require.True(t, units.Equal(decimal.NewFromInt(115500000)))
	require.True(t, FromOnChainUnits(units).Equal(amount))
}
