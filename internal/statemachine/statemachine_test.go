package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/escrowd/escrowd/internal/domain"
	"github.com/escrowd/escrowd/internal/errs"
)

func TestHappyPathAdvances(t *testing.T) {
	m := New()

	to, err := m.Next(domain.StatusWaitingForSellerWallet, EventSellerWalletRegistered)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingForDeposit, to)

	to, err = m.Next(domain.StatusWaitingForDeposit, EventDeposited)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, to)

	to, err = m.Next(domain.StatusLocked, EventWorkSubmitted)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWorkSubmitted, to)

	to, err = m.Next(domain.StatusWorkSubmitted, EventWorkAccepted)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, to)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := New()

	_, err := m.Next(domain.StatusCompleted, EventDisputeOpened)
	require.Error(t, err)

	var e *errs.Error
	require.True(t, errs.As(err, &e))
	require.Equal(t, errs.KindInvalidStateTransition, e.Kind)
}

func TestNoTransitionsOutOfTerminalStates(t *testing.T) {
	m := New()
	for _, terminal := range []domain.Status{
		domain.StatusCompleted, domain.StatusResolved,
		domain.StatusExpired, domain.StatusCancelled, domain.StatusRefunded,
	} {
		require.True(t, terminal.IsTerminal())
		_, ok := transitions[terminal]
		require.False(t, ok, "terminal status %s must have no outgoing events", terminal)
		_, err := m.Next(terminal, EventDisputeOpened)
		require.Error(t, err)
	}
}

func TestDisputeOnlyFromActiveWorkStates(t *testing.T) {
	m := New()
	for _, s := range []domain.Status{domain.StatusLocked, domain.StatusInProgress, domain.StatusWorkSubmitted} {
		to, err := m.Next(s, EventDisputeOpened)
		require.NoError(t, err)
		require.Equal(t, domain.StatusDispute, to)
	}

	_, err := m.Next(domain.StatusWaitingForDeposit, EventDisputeOpened)
	require.Error(t, err)
}

func TestInitialStatusDependsOnCreator(t *testing.T) {
	require.Equal(t, domain.StatusWaitingForSellerWallet, InitialStatus(domain.RoleBuyer))
	require.Equal(t, domain.StatusWaitingForBuyerWallet, InitialStatus(domain.RoleSeller))
}

func TestCanCancelBeforeFunding(t *testing.T) {
	require.True(t, CanCancel(domain.StatusWaitingForSellerWallet))
	require.True(t, CanCancel(domain.StatusWaitingForDeposit))
	require.False(t, CanCancel(domain.StatusLocked))
}
