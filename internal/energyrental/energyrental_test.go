package energyrental

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledRentReturnsDisabledError(t *testing.T) {
	var p Disabled
	cost, err := p.Rent(context.Background(), "TSomeAddress")
	require.True(t, cost.IsZero())
	require.Error(t, err)
	require.True(t, IsDisabled(err))
}

func TestIsDisabledFalseForOtherErrors(t *testing.T) {
	require.False(t, IsDisabled(errors.New("transient rpc failure")))
}
