// Package notifier implements the Notifier Adapter (spec §4.8): a
// single-slot main message per user, where every navigation step deletes
// the previous main message and sends a new one, plus out-of-band
// notifications delivered alongside. It is specified as an interface
// because the transport (Telegram, a chat widget, email) is out of scope;
// this package supplies the interface, a logging stub, and the
// navigationStack the stub relies on.
package notifier

import (
	"context"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/btcsuite/btclog"
)

// log is this subsystem's logger, wired the way every other escrowd
// subsystem wires btclog (see log.go at the module root).
var log = btclog.Disabled

// UseLogger sets the package-level logger used by this subsystem.
func UseLogger(l btclog.Logger) { log = l }

// Screen is one (text, keyboard) pair shown as a user's main message.
type Screen struct {
	Text     string
	Keyboard [][]string
}

// OutOfBand is a notification delivered alongside the main message rather
// than replacing it (deposit received, deadline expired, payout complete).
type OutOfBand struct {
	UserID string
	Text   string
}

// Notifier is the interface conversational UX is built against (§4.8).
// Implementations may relax single-slot semantics as long as no two
// messages are delivered for the same notification latch, and "back" stays
// well-defined and bounded.
type Notifier interface {
	// ShowScreen replaces the user's main message with screen, pushing the
	// previously shown screen onto that user's navigation stack.
	ShowScreen(ctx context.Context, userID string, screen Screen) error

	// Back pops the navigation stack and re-shows the previous screen. It
	// returns false if the stack is empty.
	Back(ctx context.Context, userID string) (bool, error)

	// Notify sends an out-of-band message that does not touch the main
	// message or the navigation stack.
	Notify(ctx context.Context, n OutOfBand) error
}

// maxNavigationDepth is the output-buffer size of each user's navigation
// queue. It does not cap how many screens the queue holds: lnd/queue's
// ConcurrentQueue keeps any excess in an unbounded overflow list.
const maxNavigationDepth = 10

// navigationStack is a per-user FIFO of previously shown screens, built on
// lnd/queue's ConcurrentQueue rather than a hand-rolled slice-as-stack.
// pop returns only the most recently pushed screen and discards the rest,
// so one Back restores one screen and a second Back finds the history
// empty.
type navigationStack struct {
	q *queue.ConcurrentQueue
}

func newNavigationStack() *navigationStack {
	// ConcurrentQueue runs its own dispatch goroutine; Start is required
	// before Pushes are observed by ChanOut.
	q := queue.NewConcurrentQueue(maxNavigationDepth)
	q.Start()
	return &navigationStack{q: q}
}

func (n *navigationStack) push(s Screen) {
	n.q.ChanIn() <- s
}

// pop drains the queue down to its last element and returns it, discarding
// everything below — the simplest way to get LIFO "last screen" semantics
// out of a FIFO queue primitive without reimplementing one.
func (n *navigationStack) pop() (Screen, bool) {
	var last Screen
	found := false
drain:
	for {
		select {
		case v := <-n.q.ChanOut():
			last = v.(Screen)
			found = true
		default:
			break drain
		}
	}
	return last, found
}
