package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShowScreenPushesPreviousOntoStack(t *testing.T) {
	n := NewLoggingNotifier()
	ctx := context.Background()

	require.NoError(t, n.ShowScreen(ctx, "u1", Screen{Text: "home"}))
	require.NoError(t, n.ShowScreen(ctx, "u1", Screen{Text: "deal list"}))

	ok, err := n.Back(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "home", n.main["u1"].Text)
}

func TestBackOnEmptyStackReturnsFalse(t *testing.T) {
	n := NewLoggingNotifier()
	ok, err := n.Back(context.Background(), "fresh-user")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNotifyRecordsOutOfBandWithoutTouchingMainMessage(t *testing.T) {
	n := NewLoggingNotifier()
	ctx := context.Background()

	require.NoError(t, n.ShowScreen(ctx, "u1", Screen{Text: "home"}))
	require.NoError(t, n.Notify(ctx, OutOfBand{UserID: "u1", Text: "deposit confirmed"}))

	require.Equal(t, "home", n.main["u1"].Text)
	sent := n.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "deposit confirmed", sent[0].Text)
}

func TestNavigationStackReturnsMostRecentlyPushedScreen(t *testing.T) {
	n := NewLoggingNotifier()
	ctx := context.Background()

	for i := 0; i < maxNavigationDepth+5; i++ {
		require.NoError(t, n.ShowScreen(ctx, "u1", Screen{Text: screenName(i)}))
	}
	// Give the underlying ConcurrentQueue's dispatch goroutine a moment to
	// settle: pushes happen on its own goroutine via ChanIn.
	time.Sleep(10 * time.Millisecond)

	ok, err := n.Back(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, screenName(maxNavigationDepth+3), n.main["u1"].Text)
}

func screenName(i int) string {
	return "screen-" + string(rune('A'+i%26))
}
