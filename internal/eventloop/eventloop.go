// Package eventloop implements component C7: the harness each
// subsystem state handler runs under, multiplexing its message pipe,
// its umbilicals' event stream, an interrupt trigger, and an optional
// timeout into one select loop.
package eventloop

import (
	"context"
	"time"

	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/umbilical"
)

// Transition is returned by a state handler to say whether the event
// loop should keep running in the current state or return control to
// the subsystem driver (typically because the driver has decided to
// move to a different OperState).
type Transition int

const (
	Stay Transition = iota
	Leave
)

// Source identifies which multiplexed channel produced the callback.
type Source int

const (
	SourcePipe Source = iota
	SourceUmbilical
	SourceInterrupt
	SourceTimeout
	SourceDone
)

// Trigger is a level-triggered wakeup: any number of Fire calls between
// two receives collapse into a single wakeup, so callers never need to
// worry about missing or double counting a signal.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates a ready-to-use Trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire wakes up anyone waiting on C, coalescing with any pending fire.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

// Handler is invoked once per multiplexed event. msg is non-nil only
// when src is SourcePipe; ev is only meaningful when src is
// SourceUmbilical.
type Handler func(src Source, msg *pipe.Message, ev umbilical.Event) Transition

// RunInState multiplexes p, events, interrupt, and an optional timeout
// (zero means no timeout) until either ctx is cancelled, p is closed, or
// handle returns Leave. This is the one loop every subsystem OperState
// handler runs inside; what differs between states is only what handle
// does with each event.
func RunInState(ctx context.Context, p *pipe.Pipe, events <-chan umbilical.Event, interrupt *Trigger, timeout time.Duration, handle Handler) Transition {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return Leave

		case msg, ok := <-p.C():
			if !ok {
				return Leave
			}
			if handle(SourcePipe, msg, umbilical.Event{}) == Leave {
				return Leave
			}

		case ev, ok := <-events:
			if !ok {
				// A nil channel blocks forever in select, which is what we
				// want once the umbilical's event source has gone away
				// rather than busy-looping on a closed channel.
				events = nil
				continue
			}
			if handle(SourceUmbilical, nil, ev) == Leave {
				return Leave
			}

		case <-interrupt.C():
			if handle(SourceInterrupt, nil, umbilical.Event{}) == Leave {
				return Leave
			}

		case <-timeoutC:
			// A timeout is always terminal for this invocation of the
			// loop: the handler records what the timeout means for
			// this state (e.g. raise an alarm, decide a restart), and
			// the driver picks the next state.
			handle(SourceTimeout, nil, umbilical.Event{})
			return Leave
		}
	}
}
