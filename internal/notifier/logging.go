package notifier

import (
	"context"
	"sync"
)

// LoggingNotifier is a Notifier that only logs, used in tests and as the
// default until a real chat transport is wired in. It still keeps the
// single-slot main message and the per-user navigationStack, so callers
// exercise the same ShowScreen/Back paths.
type LoggingNotifier struct {
	mu     sync.Mutex
	stacks map[string]*navigationStack
	main   map[string]Screen
	sent   []OutOfBand
}

// NewLoggingNotifier constructs a LoggingNotifier.
func NewLoggingNotifier() *LoggingNotifier {
	return &LoggingNotifier{
		stacks: make(map[string]*navigationStack),
		main:   make(map[string]Screen),
	}
}

func (n *LoggingNotifier) stackFor(userID string) *navigationStack {
	s, ok := n.stacks[userID]
	if !ok {
		s = newNavigationStack()
		n.stacks[userID] = s
	}
	return s
}

func (n *LoggingNotifier) ShowScreen(ctx context.Context, userID string, screen Screen) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if prev, ok := n.main[userID]; ok {
		n.stackFor(userID).push(prev)
	}
	n.main[userID] = screen
	log.Debugf("notifier: user=%s main_message=%q", userID, screen.Text)
	return nil
}

func (n *LoggingNotifier) Back(ctx context.Context, userID string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prev, ok := n.stackFor(userID).pop()
	if !ok {
		return false, nil
	}
	n.main[userID] = prev
	log.Debugf("notifier: user=%s back_to=%q", userID, prev.Text)
	return true, nil
}

func (n *LoggingNotifier) Notify(ctx context.Context, out OutOfBand) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, out)
	log.Infof("notifier: user=%s out_of_band=%q", out.UserID, out.Text)
	return nil
}

// Sent returns the out-of-band notifications dispatched so far, for test
// assertions.
func (n *LoggingNotifier) Sent() []OutOfBand {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]OutOfBand, len(n.sent))
	copy(out, n.sent)
	return out
}

var _ Notifier = (*LoggingNotifier)(nil)
