package subsystem

import "github.com/dloman/gocapcom/internal/process"

// processByName resolves a process by its subsystem-unique name.
func (s *Subsystem) processByName(name string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processesByName[name]
	return p, ok
}

// processByAgentID resolves a process by the agent-assigned process id
// it was last launched under.
func (s *Subsystem) processByAgentID(agentID string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processesByAgentID[agentID]
	return p, ok
}

// indexProcessID records agentID -> p in the agent-id index. Called
// once a Launch acknowledgement assigns a new process id.
func (s *Subsystem) indexProcessID(agentID string, p *process.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processesByAgentID[agentID] = p
}

// deleteProcessID removes agentID from the agent-id index only. The
// name index (processesByName) is keyed by a different, permanent
// space and must never be touched by this path — the two indices are
// strictly separate, each erased only from within its own key space.
func (s *Subsystem) deleteProcessID(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processesByAgentID, agentID)
}

// allProcesses returns every process in descriptor order.
func (s *Subsystem) allProcesses() []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Process, 0, len(s.processOrder))
	for _, name := range s.processOrder {
		out = append(out, s.processesByName[name])
	}
	return out
}

// allProcessesRunning implements AllProcessesRunning: every process
// must be running, except a oneshot that has already exited 0, which
// counts as running for this purpose.
func (s *Subsystem) allProcessesRunning() bool {
	for _, p := range s.allProcesses() {
		if p.Running() {
			continue
		}
		status, _, exited := p.ExitInfo()
		if p.Oneshot && exited && status == 0 {
			continue
		}
		return false
	}
	return true
}

// allProcessesStopped reports whether every process has been observed
// not running.
func (s *Subsystem) allProcessesStopped() bool {
	for _, p := range s.allProcesses() {
		if p.Running() {
			return false
		}
	}
	return true
}
