package subsystem

import "github.com/dloman/gocapcom/internal/alarm"

// ProcessStatus is one process's runtime snapshot within a BuildStatus
// report.
type ProcessStatus struct {
	Name           string
	Variant        string
	Compute        string
	Running        bool
	PID            int
	ProcessID      string
	Exited         bool
	ExitStatus     int
	ExitSignal     int
	NumRestarts    int
	AlarmCount     int
	RestartDelay   string
	MaybeConnected bool
}

// UmbilicalStatus is one held umbilical's snapshot.
type UmbilicalStatus struct {
	Compute   string
	Connected bool
	RefCount  int
}

// Status is the full snapshot returned by BuildStatus.
type Status struct {
	Name          string
	Admin         AdminState
	Oper          OperState
	PrevOper      OperState
	RestartPolicy RestartPolicy
	Critical      bool
	NumRestarts   int
	MaxRestarts   int
	ActiveClients []uint32
	Processes     []ProcessStatus
	Umbilicals    []UmbilicalStatus
	Alarm         *alarm.Alarm
	AlarmCount    int
}

// BuildStatus assembles a point-in-time snapshot of this subsystem for
// external reporting (operator socket, status feed, CLI).
func (s *Subsystem) BuildStatus() Status {
	s.mu.Lock()
	admin := s.adminState
	oper := s.operState
	prev := s.prevOperState
	numRestarts := s.numRestarts
	maxRestarts := s.maxRestarts
	clients := make([]uint32, 0, len(s.activeClients))
	for c := range s.activeClients {
		clients = append(clients, c)
	}
	umbilicals := make([]UmbilicalStatus, 0, len(s.umbilicals))
	for compute, u := range s.umbilicals {
		umbilicals = append(umbilicals, UmbilicalStatus{
			Compute:   compute,
			Connected: u.Connected(),
			RefCount:  u.RefCount(),
		})
	}
	s.mu.Unlock()

	var processes []ProcessStatus
	for _, p := range s.allProcesses() {
		status, signal, exited := p.ExitInfo()
		processes = append(processes, ProcessStatus{
			Name:           p.Name,
			Variant:        p.Variant.String(),
			Compute:        p.Compute,
			Running:        p.Running(),
			PID:            p.PID(),
			ProcessID:      p.ProcessID(),
			Exited:         exited,
			ExitStatus:     status,
			ExitSignal:     signal,
			NumRestarts:    p.NumRestarts(),
			AlarmCount:     p.AlarmCount(),
			RestartDelay:   p.RestartDelay().String(),
			MaybeConnected: p.MaybeConnected(),
		})
	}

	return Status{
		Name:          s.Name,
		Admin:         admin,
		Oper:          oper,
		PrevOper:      prev,
		RestartPolicy: s.restartPolicy,
		Critical:      s.critical,
		NumRestarts:   numRestarts,
		MaxRestarts:   maxRestarts,
		ActiveClients: clients,
		Processes:     processes,
		Umbilicals:    umbilicals,
		Alarm:         s.alarmLatch.Current(),
		AlarmCount:    s.alarmLatch.Count(),
	}
}

// CollectAlarms walks this subsystem plus every owned process and
// returns every currently-active alarm.
func (s *Subsystem) CollectAlarms() []alarm.Alarm {
	var out []alarm.Alarm
	if a := s.alarmLatch.Current(); a != nil {
		out = append(out, *a)
	}
	for _, p := range s.allProcesses() {
		if a := p.CurrentAlarm(); a != nil {
			out = append(out, *a)
		}
	}
	return out
}
