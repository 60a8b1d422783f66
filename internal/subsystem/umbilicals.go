package subsystem

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/process"
	"github.com/dloman/gocapcom/internal/umbilical"
)

// computesInUse returns the distinct compute ids referenced by this
// subsystem's processes, in process order.
func (s *Subsystem) computesInUse() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, name := range s.processOrder {
		p := s.processesByName[name]
		if _, ok := seen[p.Compute]; ok {
			continue
		}
		seen[p.Compute] = struct{}{}
		out = append(out, p.Compute)
	}
	return out
}

// ensureUmbilical returns the Umbilical for compute, creating it (but
// not yet connecting it) if this is the first time this subsystem has
// targeted that compute.
func (s *Subsystem) ensureUmbilical(compute string) *umbilical.Umbilical {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.umbilicals[compute]
	if ok {
		return u
	}
	u = umbilical.New(compute, s.dialer, s.log)
	s.umbilicals[compute] = u
	return u
}

// connectCompute connects the umbilical for compute if not already
// connected, registering its event stream with the merger so the event
// loop observes it. This only dials the connection; it does not add a
// process-level reference (see addProcessRef), so RefCount stays exactly
// the number of processes currently depending on the connection.
func (s *Subsystem) connectCompute(ctx context.Context, compute string) error {
	u := s.ensureUmbilical(compute)
	if u.Connected() {
		return nil
	}
	if err := u.Connect(ctx); err != nil {
		return err
	}
	s.merger.Add(compute, u.Events())
	return nil
}

// addProcessRef records p as relying on its compute's umbilical,
// incrementing the refcount to match invariant §3.2. Called once a
// process's Launch succeeds.
func (s *Subsystem) addProcessRef(ctx context.Context, p *process.Process) error {
	u := s.umbilicalFor(p.Compute)
	if u == nil {
		return fmt.Errorf("subsystem %s: no umbilical for compute %q", s.Name, p.Compute)
	}
	return u.AddReference(ctx)
}

// removeProcessRef releases p's hold on its compute's umbilical. Safe to
// call even if p never successfully added a reference.
func (s *Subsystem) removeProcessRef(p *process.Process) {
	if u := s.umbilicalFor(p.Compute); u != nil {
		u.RemoveReference()
	}
}

// allUmbilicalsConnected reports whether every compute currently in use
// has a connected umbilical.
func (s *Subsystem) allUmbilicalsConnected() bool {
	for _, compute := range s.computesInUse() {
		s.mu.Lock()
		u, ok := s.umbilicals[compute]
		s.mu.Unlock()
		if !ok || !u.Connected() {
			return false
		}
	}
	return true
}

// umbilicalFor returns the already-created Umbilical for a process's
// compute, or nil.
func (s *Subsystem) umbilicalFor(compute string) *umbilical.Umbilical {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.umbilicals[compute]
}

// releaseAllUmbilicals disconnects every process and tears down every
// umbilical this subsystem holds; used entering Offline.
func (s *Subsystem) releaseAllUmbilicals() {
	s.mu.Lock()
	names := s.processOrder
	computes := make([]string, 0, len(s.umbilicals))
	for c := range s.umbilicals {
		computes = append(computes, c)
	}
	for _, n := range names {
		s.processesByName[n].Disconnect()
	}
	s.mu.Unlock()

	for _, c := range computes {
		s.merger.Remove(c)
		s.mu.Lock()
		u := s.umbilicals[c]
		delete(s.umbilicals, c)
		s.mu.Unlock()
		if u != nil {
			for u.RefCount() > 0 {
				u.RemoveReference()
			}
			u.MarkDisconnected()
		}
	}
}

// disconnectCompute tears down the umbilical for one compute (used on
// an agent-reported Disconnected event) without touching the others.
func (s *Subsystem) disconnectCompute(compute string) {
	s.merger.Remove(compute)

	s.mu.Lock()
	u := s.umbilicals[compute]
	for _, name := range s.processOrder {
		p := s.processesByName[name]
		if p.Compute == compute {
			p.MarkNotRunning()
		}
	}
	s.mu.Unlock()

	if u != nil {
		u.MarkDisconnected()
	}

	s.log.Warn("umbilical disconnected", zap.String("compute", compute))
}
