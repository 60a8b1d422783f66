package subsystem

import "github.com/dloman/gocapcom/internal/pipe"

// handleAdminCommand implements HandleAdminCommand: it folds a
// ChangeAdmin message into active_clients and the admin posture, and
// picks the next oper state. ok is false when the admin posture
// doesn't actually change yet (more clients still want Online while
// one dropped out), meaning the caller should stay in its current
// state rather than transition.
func (s *Subsystem) handleAdminCommand(msg *pipe.Message, nextNoClients, nextWithClients OperState) (next OperState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Admin {
	case pipe.AdminOnline:
		s.adminState = AdminOnline
		if msg.ClientID != pipe.NoClient {
			s.activeClients[msg.ClientID] = struct{}{}
		}
		if len(s.activeClients) > 0 {
			return nextWithClients, true
		}
		return nextNoClients, true

	case pipe.AdminOffline:
		if msg.ClientID != pipe.NoClient {
			delete(s.activeClients, msg.ClientID)
		}
		if len(s.activeClients) == 0 {
			s.adminState = AdminOffline
			return nextNoClients, true
		}
		return Offline, false

	default:
		return Offline, false
	}
}

// activeClientCount returns the number of clients currently demanding
// Online.
func (s *Subsystem) activeClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeClients)
}
