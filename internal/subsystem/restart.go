package subsystem

import (
	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/process"
)

// restartIfPossibleAfterProcessCrash implements
// RestartIfPossibleAfterProcessCrash: given a process that was reported
// stopped, decides whether this is actually a crash and, if so, which
// recovery path the subsystem should take. It mutates oper state
// directly via enterState and returns once a decision has been made.
//
// Simultaneous crashes within one event-loop tick coalesce: only the
// first call in a tick drives an oper-state transition; later calls in
// the same tick (when policy is ProcessOnly) only enlarge
// processesToRestart.
func (s *Subsystem) restartIfPossibleAfterProcessCrash(p *process.Process) {
	status, signal, exited := p.ExitInfo()

	if p.Oneshot && exited && status == 0 {
		return
	}

	if p.Critical && signal != 0 && s.restartPolicy != ProcessOnly {
		s.beginFullRestart(p, "critical process exited on signal")
		return
	}

	switch s.restartPolicy {
	case Automatic:
		s.beginFullRestart(p, "process crashed")

	case Manual:
		p.RaiseAlarm(s.alarmSink, alarm.SeverityError, alarm.ReasonProcessCrash, "process crashed under manual restart policy")
		s.enterBroken()

	case ProcessOnly:
		n := p.IncNumRestarts()
		if n > p.MaxRestarts {
			p.RaiseAlarm(s.alarmSink, alarm.SeverityCritical, alarm.ReasonRestartLimit, "process restart limit reached")
			s.enterBroken()
			return
		}
		s.mu.Lock()
		s.processesToRestart[p.Name] = struct{}{}
		alreadyRestarting := s.operState == RestartingProcesses
		s.mu.Unlock()
		if !alreadyRestarting {
			s.enterState(RestartingProcesses)
		}
	}
}

// beginFullRestart raises a process-crash alarm and enters Restarting.
// The restart budget (num_restarts vs max_restarts) is checked once,
// on expiry of the Restarting delay, not here — entering Restarting
// never itself counts as a restart attempt.
func (s *Subsystem) beginFullRestart(p *process.Process, reason string) {
	p.RaiseAlarm(s.alarmSink, alarm.SeverityWarning, alarm.ReasonProcessCrash, reason)
	s.enterState(Restarting)
}

// beginFullRestartForReason is beginFullRestart for causes that are not
// tied to a single process (a child going Broken, an umbilical loss).
func (s *Subsystem) beginFullRestartForReason(reason alarm.Reason, message string) {
	s.alarmLatch.Raise(s.alarmSink, alarm.SeverityError, reason, message)
	s.enterState(Restarting)
}

// enterBroken transitions to Broken, emitting an emergency abort
// exactly once if this subsystem is critical.
func (s *Subsystem) enterBroken() {
	s.enterState(Broken)

	s.mu.Lock()
	already := s.emergencyEmitted
	if s.critical && !already {
		s.emergencyEmitted = true
	}
	shouldEmit := s.critical && !already
	s.mu.Unlock()

	if shouldEmit {
		s.bus.EmergencyAbort(s.Name)
	}
}
