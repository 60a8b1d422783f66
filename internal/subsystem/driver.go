package subsystem

import (
	"context"

	"github.com/dloman/gocapcom/internal/pipe"
)

// Run is the outer driver: it repeatedly looks at the current oper
// state and invokes that state's handler, until ctx is cancelled or the
// subsystem is removed. Each handler blocks (via eventloop.RunInState)
// until it has a reason to leave, at which point it will have already
// called enterState with the next state.
func (s *Subsystem) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.isRemoved() {
			return
		}

		switch s.getOperState() {
		case Offline:
			s.runOffline(ctx)
		case StartingChildren:
			s.runStartingChildren(ctx)
		case Connecting:
			s.runConnecting(ctx)
		case StartingProcesses:
			s.runStartingProcesses(ctx)
		case Online:
			s.runOnline(ctx)
		case StoppingProcesses:
			s.runStoppingProcesses(ctx)
		case StoppingChildren:
			s.runStoppingChildren(ctx)
		case Restarting:
			s.runRestarting(ctx)
		case RestartingProcesses:
			s.runRestartingProcesses(ctx)
		case Broken:
			s.runBroken(ctx)
		}
	}
}

// handleAbort implements the Abort cancellation mechanism shared by
// every state: an emergency abort jumps straight to Broken and emits
// onto the bus unconditionally; a graceful abort begins the normal
// shutdown path.
func (s *Subsystem) handleAbort(msg *pipe.Message) {
	if msg.Emergency {
		s.enterState(Broken)
		s.bus.EmergencyAbort(s.Name)
		return
	}
	s.enterState(StoppingProcesses)
}

func (s *Subsystem) isRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}
