package subsystem

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/eventloop"
	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/process"
	"github.com/dloman/gocapcom/internal/umbilical"
)

// runOffline: no processes, no umbilicals. Waits indefinitely for an
// admin request to come Online.
func (s *Subsystem) runOffline(ctx context.Context) {
	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, 0, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		if src != eventloop.SourcePipe || msg.Code != pipe.ChangeAdmin || msg.Admin != pipe.AdminOnline {
			return eventloop.Stay
		}
		s.mu.Lock()
		s.lastClientID = msg.ClientID
		s.mu.Unlock()
		next, ok := s.handleAdminCommand(msg, StartingChildren, StartingChildren)
		if !ok {
			return eventloop.Stay
		}
		s.enterState(next)
		return eventloop.Leave
	})
}

// runStartingChildren sends ChangeAdmin(Online) to every child and
// waits for each to report Online (or Broken).
func (s *Subsystem) runStartingChildren(ctx context.Context) {
	children, clientID := s.snapshotChildren()

	if len(children) == 0 {
		s.enterState(Connecting)
		return
	}

	for name, cp := range children {
		if !cp.Send(&pipe.Message{Code: pipe.ChangeAdmin, Sender: s.Name, ClientID: clientID, Admin: pipe.AdminOnline}) {
			s.log.Warn("dropped ChangeAdmin to child", zap.String("child", name))
		}
	}

	reported := make(map[string]OperState, len(children))

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, s.timeouts.ChildrenTimeout, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourcePipe:
			if msg.Code == pipe.Abort {
				s.handleAbort(msg)
				return eventloop.Leave
			}
			if msg.Code != pipe.ReportOper {
				return eventloop.Stay
			}
			if _, known := children[msg.Sender]; !known {
				return eventloop.Stay
			}
			st := OperState(msg.Oper)
			reported[msg.Sender] = st
			if st == Broken {
				s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonChildBroken, "child "+msg.Sender+" went Broken during startup")
				s.enterBroken()
				return eventloop.Leave
			}
			if len(reported) < len(children) {
				return eventloop.Stay
			}
			for _, st := range reported {
				if st != Online {
					return eventloop.Stay
				}
			}
			s.enterState(Connecting)
			return eventloop.Leave

		case eventloop.SourceTimeout:
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityError, alarm.ReasonChildBroken, "timed out waiting for children to start")
			s.enterBroken()
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

// runConnecting ensures an umbilical is connected for every compute
// this subsystem's processes target, retrying with backoff.
func (s *Subsystem) runConnecting(ctx context.Context) {
	computes := s.computesInUse()
	if len(computes) == 0 {
		s.enterState(StartingProcesses)
		return
	}

	for attempt := 1; ; attempt++ {
		allOK := true
		for _, c := range computes {
			if err := s.connectCompute(ctx, c); err != nil {
				allOK = false
				s.log.Warn("umbilical connect failed", zap.String("compute", c), zap.Error(err))
			}
		}
		if allOK {
			s.enterState(StartingProcesses)
			return
		}
		if attempt > s.maxRestarts {
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonUmbilicalDown, "persistent umbilical connect failure")
			s.enterBroken()
			return
		}

		delay := s.incRestartDelay()
		aborted := false
		eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, delay, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
			if src == eventloop.SourcePipe && msg.Code == pipe.Abort {
				aborted = true
				s.handleAbort(msg)
				return eventloop.Leave
			}
			return eventloop.Stay
		})
		if aborted || ctx.Err() != nil || s.isRemoved() || s.pipe.Closed() {
			return
		}
		// timeout elapsed with no abort: loop around and retry connecting
	}
}

// launchOne launches a single process, raising alarms and driving the
// subsystem to Broken for configuration-class failures (zygote missing,
// unknown/unconnected compute) rather than treating them as a crash
// subject to restart policy.
func (s *Subsystem) launchOne(ctx context.Context, p *process.Process) error {
	if p.Variant == process.Virtual {
		zp, ok := s.processByName(p.ZygoteName)
		if !ok || zp.Variant != process.Zygote || !zp.Running() {
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonZygoteNotFound, "zygote "+p.ZygoteName+" not available for "+p.Name)
			s.enterBroken()
			return fmt.Errorf("subsystem %s: zygote %q not found for %s", s.Name, p.ZygoteName, p.Name)
		}
	}

	u := s.umbilicalFor(p.Compute)
	if u == nil || !u.Connected() {
		s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonUnknownCompute, "no umbilical for compute "+p.Compute)
		s.enterBroken()
		return fmt.Errorf("subsystem %s: no umbilical for compute %q", s.Name, p.Compute)
	}

	launchCtx, cancel := context.WithTimeout(ctx, p.LaunchTimeout)
	defer cancel()

	if err := p.Launch(launchCtx, u.Client()); err != nil {
		p.RaiseAlarm(s.alarmSink, alarm.SeverityError, alarm.ReasonLaunchTimeout, err.Error())
		s.restartIfPossibleAfterProcessCrash(p)
		return err
	}
	s.indexProcessID(p.ProcessID(), p)
	if err := s.addProcessRef(ctx, p); err != nil {
		s.log.Warn("failed to add umbilical reference after launch", zap.String("process", p.Name), zap.Error(err))
	}
	return nil
}

// runStartingProcesses launches every process in descriptor order, then
// waits for any still-pending confirmations (or a crash mid-startup).
func (s *Subsystem) runStartingProcesses(ctx context.Context) {
	for _, p := range s.allProcesses() {
		if err := s.launchOne(ctx, p); err != nil {
			return
		}
		if s.getOperState() != StartingProcesses {
			return
		}
	}

	if s.allProcessesRunning() {
		s.enterState(Online)
		return
	}

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, s.timeouts.LaunchTimeout, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourcePipe:
			if msg.Code == pipe.Abort {
				s.handleAbort(msg)
				return eventloop.Leave
			}
			return eventloop.Stay
		case eventloop.SourceUmbilical:
			return s.handleProcessEvent(ev)
		case eventloop.SourceTimeout:
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityError, alarm.ReasonLaunchTimeout, "timed out waiting for processes to start")
			s.enterBroken()
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

// handleProcessEvent reacts to an umbilical event while mid-startup or
// resting Online: a start confirmation, a stop (crash or clean exit),
// or a full compute disconnect.
func (s *Subsystem) handleProcessEvent(ev umbilical.Event) eventloop.Transition {
	switch ev.Kind {
	case umbilical.EventProcessStarted:
		if p, ok := s.processByAgentID(ev.ProcessID); ok {
			p.ObserveStarted(ev.PID)
		}
		if s.allProcessesRunning() {
			s.enterState(Online)
			return eventloop.Leave
		}
		return eventloop.Stay

	case umbilical.EventProcessStopped:
		p, ok := s.processByAgentID(ev.ProcessID)
		if !ok {
			return eventloop.Stay
		}
		p.ObserveExit(ev.ExitStatus, ev.Signal)
		s.deleteProcessID(ev.ProcessID)
		s.removeProcessRef(p)
		s.restartIfPossibleAfterProcessCrash(p)
		return eventloop.Leave

	case umbilical.EventDisconnected:
		s.disconnectCompute(ev.Compute)
		s.beginRestartAfterUmbilicalLoss(ev.Compute)
		return eventloop.Leave

	default:
		return eventloop.Stay
	}
}

// beginRestartAfterUmbilicalLoss implements the umbilical-loss scenario:
// under ProcessOnly, only the affected compute's processes restart;
// otherwise the whole subsystem restarts.
func (s *Subsystem) beginRestartAfterUmbilicalLoss(compute string) {
	if s.restartPolicy == ProcessOnly {
		s.mu.Lock()
		for _, name := range s.processOrder {
			if s.processesByName[name].Compute == compute {
				s.processesToRestart[name] = struct{}{}
			}
		}
		s.mu.Unlock()
		s.enterState(RestartingProcesses)
		return
	}
	s.beginFullRestartForReason(alarm.ReasonUmbilicalDown, "umbilical disconnected for compute "+compute)
}

// runOnline is the resting state. It wakes on a StabilityWindow cadence
// purely to reset restart counters after a sufficiently long healthy
// run; actual work happens on pipe/umbilical events.
func (s *Subsystem) runOnline(ctx context.Context) {
	s.maybeResetStability()

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, StabilityWindow, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourcePipe:
			return s.handleOnlinePipeMessage(msg)
		case eventloop.SourceUmbilical:
			return s.handleProcessEvent(ev)
		case eventloop.SourceTimeout:
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

func (s *Subsystem) handleOnlinePipeMessage(msg *pipe.Message) eventloop.Transition {
	switch msg.Code {
	case pipe.ChangeAdmin:
		next, ok := s.handleAdminCommand(msg, StoppingProcesses, Online)
		if !ok || next == Online {
			return eventloop.Stay
		}
		s.enterState(next)
		return eventloop.Leave

	case pipe.ReportOper:
		return s.handleChildReportWhileOnline(msg)

	case pipe.Abort:
		s.handleAbort(msg)
		return eventloop.Leave

	case pipe.RestartProcesses, pipe.RestartCrashedProcesses:
		s.beginRestartProcesses(msg)
		return eventloop.Leave

	case pipe.SendTelemetryCommand:
		s.fanoutTelemetry(msg)
		return eventloop.Stay
	}
	return eventloop.Stay
}

// handleChildReportWhileOnline re-evaluates on a child's oper report: a
// child leaving Online (including going Broken) triggers this
// subsystem's own restart decision.
func (s *Subsystem) handleChildReportWhileOnline(msg *pipe.Message) eventloop.Transition {
	reported := OperState(msg.Oper)
	if reported == Online {
		return eventloop.Stay
	}

	if reported == Broken {
		s.alarmLatch.Raise(s.alarmSink, alarm.SeverityError, alarm.ReasonChildBroken, "child "+msg.Sender+" went Broken")
	}

	if s.restartPolicy == Manual {
		s.enterBroken()
		return eventloop.Leave
	}
	s.beginFullRestartForReason(alarm.ReasonChildBroken, "child "+msg.Sender+" left Online")
	return eventloop.Leave
}

// beginRestartProcesses handles an explicit RestartProcesses /
// RestartCrashedProcesses admin command.
func (s *Subsystem) beginRestartProcesses(msg *pipe.Message) {
	s.mu.Lock()
	if len(msg.ProcessNames) == 0 {
		for _, name := range s.processOrder {
			if msg.Code == pipe.RestartCrashedProcesses && s.processesByName[name].Running() {
				continue
			}
			s.processesToRestart[name] = struct{}{}
		}
	} else {
		for _, name := range msg.ProcessNames {
			if _, ok := s.processesByName[name]; ok {
				s.processesToRestart[name] = struct{}{}
			}
		}
	}
	s.mu.Unlock()
	s.enterState(RestartingProcesses)
}

// fanoutTelemetry forwards a telemetry command to every process
// declared telemetry-capable, then to every child subsystem.
func (s *Subsystem) fanoutTelemetry(msg *pipe.Message) {
	for _, p := range s.allProcesses() {
		if !p.Telemetry {
			continue
		}
		u := s.umbilicalFor(p.Compute)
		if u == nil || u.Client() == nil {
			continue
		}
		if err := p.SendTelemetryCommand(context.Background(), u.Client(), msg.TelemetryCommand); err != nil {
			s.log.Warn("telemetry command failed", zap.String("process", p.Name), zap.Error(err))
		}
	}

	s.mu.Lock()
	children := make([]*pipe.Pipe, 0, len(s.childPipes))
	for _, cp := range s.childPipes {
		children = append(children, cp)
	}
	s.mu.Unlock()

	for _, cp := range children {
		cp.Send(&pipe.Message{
			Code:             pipe.SendTelemetryCommand,
			Sender:           s.Name,
			ClientID:         pipe.NoClient,
			TelemetryCommand: msg.TelemetryCommand,
		})
	}
}

// runStoppingProcesses issues Stop to every process and waits for all
// to report stopped.
func (s *Subsystem) runStoppingProcesses(ctx context.Context) {
	for _, p := range s.allProcesses() {
		if !p.Running() {
			continue
		}
		u := s.umbilicalFor(p.Compute)
		if u == nil || u.Client() == nil {
			continue
		}
		if err := p.Stop(ctx, u.Client()); err != nil {
			s.log.Warn("stop request failed", zap.String("process", p.Name), zap.Error(err))
		}
	}

	if s.allProcessesStopped() {
		s.enterState(StoppingChildren)
		return
	}

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, s.timeouts.StopTimeout, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourceUmbilical:
			if ev.Kind == umbilical.EventProcessStopped {
				if p, ok := s.processByAgentID(ev.ProcessID); ok {
					p.ObserveExit(ev.ExitStatus, ev.Signal)
					s.deleteProcessID(ev.ProcessID)
					s.removeProcessRef(p)
				}
			}
			if s.allProcessesStopped() {
				s.enterState(StoppingChildren)
				return eventloop.Leave
			}
			return eventloop.Stay
		case eventloop.SourceTimeout:
			s.log.Warn("timed out waiting for processes to stop; proceeding to StoppingChildren")
			s.enterState(StoppingChildren)
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

// snapshotChildren returns a stable copy of this subsystem's child
// pipes and the client id that should be inherited in the fanout
// command.
func (s *Subsystem) snapshotChildren() (map[string]*pipe.Pipe, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*pipe.Pipe, len(s.childPipes))
	for k, v := range s.childPipes {
		out[k] = v
	}
	return out, s.lastClientID
}

// runStoppingChildren sends ChangeAdmin(Offline) to every child and
// waits for each to report Offline before releasing umbilicals.
func (s *Subsystem) runStoppingChildren(ctx context.Context) {
	children, clientID := s.snapshotChildren()

	if len(children) == 0 {
		s.releaseAllUmbilicals()
		s.enterState(Offline)
		return
	}

	for name, cp := range children {
		if !cp.Send(&pipe.Message{Code: pipe.ChangeAdmin, Sender: s.Name, ClientID: clientID, Admin: pipe.AdminOffline}) {
			s.log.Warn("dropped ChangeAdmin to child", zap.String("child", name))
		}
	}

	reported := make(map[string]struct{}, len(children))

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, s.timeouts.ChildrenTimeout, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourcePipe:
			if msg.Code != pipe.ReportOper {
				return eventloop.Stay
			}
			if _, known := children[msg.Sender]; !known {
				return eventloop.Stay
			}
			if OperState(msg.Oper) == Offline {
				reported[msg.Sender] = struct{}{}
			}
			if len(reported) < len(children) {
				return eventloop.Stay
			}
			s.releaseAllUmbilicals()
			s.enterState(Offline)
			return eventloop.Leave

		case eventloop.SourceTimeout:
			s.log.Warn("timed out waiting for children to stop; going Offline anyway")
			s.releaseAllUmbilicals()
			s.enterState(Offline)
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

// runRestarting waits out the current backoff delay (cancellable by
// Abort), then either restarts from the top or gives up to Broken.
func (s *Subsystem) runRestarting(ctx context.Context) {
	delay := s.incRestartDelay()
	aborted := false

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, delay, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		if src == eventloop.SourcePipe && msg.Code == pipe.Abort {
			aborted = true
			s.handleAbort(msg)
			return eventloop.Leave
		}
		return eventloop.Stay
	})
	if aborted {
		return
	}

	s.mu.Lock()
	admin := s.adminState
	canRestart := s.numRestarts < s.maxRestarts && admin == AdminOnline
	if canRestart {
		s.numRestarts++
	}
	s.mu.Unlock()

	if !canRestart {
		s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonRestartLimit, "restart limit reached")
		s.enterBroken()
		return
	}
	s.enterState(StartingChildren)
}

// runRestartingProcesses stops and relaunches only the processes queued
// in processesToRestart, leaving every other process untouched.
func (s *Subsystem) runRestartingProcesses(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.processesToRestart))
	for n := range s.processesToRestart {
		names = append(names, n)
	}
	s.processesToRestart = make(map[string]struct{})
	s.mu.Unlock()

	for _, name := range names {
		p, ok := s.processByName(name)
		if !ok {
			continue
		}
		if p.Running() {
			if u := s.umbilicalFor(p.Compute); u != nil && u.Client() != nil {
				if err := p.Stop(ctx, u.Client()); err != nil {
					s.log.Warn("stop before restart failed", zap.String("process", name), zap.Error(err))
				}
			}
		}
		if err := s.connectCompute(ctx, p.Compute); err != nil {
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityCritical, alarm.ReasonUmbilicalDown, "cannot reconnect compute "+p.Compute)
			s.enterBroken()
			return
		}
		if err := s.launchOne(ctx, p); err != nil {
			return
		}
		if s.getOperState() != RestartingProcesses {
			return
		}
	}

	if s.allProcessesRunning() {
		s.enterState(Online)
		return
	}

	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, s.timeouts.LaunchTimeout, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		switch src {
		case eventloop.SourcePipe:
			if msg.Code == pipe.Abort {
				s.handleAbort(msg)
				return eventloop.Leave
			}
			return eventloop.Stay
		case eventloop.SourceUmbilical:
			return s.handleProcessEvent(ev)
		case eventloop.SourceTimeout:
			s.alarmLatch.Raise(s.alarmSink, alarm.SeverityError, alarm.ReasonLaunchTimeout, "timed out waiting for restarted processes")
			s.enterBroken()
			return eventloop.Leave
		}
		return eventloop.Stay
	})
}

// runBroken is absorbing: only an explicit Restart command re-enters
// the machine, at Offline, immediately followed by StartingChildren if
// admin is still Online.
func (s *Subsystem) runBroken(ctx context.Context) {
	eventloop.RunInState(ctx, s.pipe, s.mergedEvents(), s.interrupt, 0, func(src eventloop.Source, msg *pipe.Message, ev umbilical.Event) eventloop.Transition {
		if src != eventloop.SourcePipe || msg.Code != pipe.Restart {
			return eventloop.Stay
		}

		s.mu.Lock()
		s.numRestarts = 0
		s.restartDelay = minRestartDelay
		s.emergencyEmitted = false
		admin := s.adminState
		s.mu.Unlock()

		s.enterState(Offline)
		if admin == AdminOnline {
			s.enterState(StartingChildren)
		}
		return eventloop.Leave
	})
}
