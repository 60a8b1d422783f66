// Package registry is the single owner of every Subsystem: it builds
// them from their descriptors, wires the parent/child pipes that
// ChangeAdmin/ReportOper travel over, rejects descriptor sets that would
// close a dependency cycle, and drives each subsystem's driver loop.
//
// Nothing else in this module constructs a subsystem.Subsystem directly;
// the registry is the one place that turns a flat list of descriptors
// into the live graph the core state machine walks via notifyParents
// and Remove(recursive).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/depgraph"
	"github.com/dloman/gocapcom/internal/operator"
	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/subsystem"
	"github.com/dloman/gocapcom/internal/umbilical"
)

// removeOfflineTimeout bounds how long Remove waits for a descendant to
// report Offline before giving up and removing it anyway; removeOfflinePoll
// is the interval between OperState checks while waiting.
const (
	removeOfflineTimeout = 10 * time.Second
	removeOfflinePoll    = 20 * time.Millisecond
)

// Descriptor is one subsystem's full configuration as read from
// internal/config, plus the names of the subsystems it depends on
// (its children in the dependency graph: a parent comes Online only
// after its children report Online).
type Descriptor struct {
	subsystem.Config
	Children []string
}

// Registry owns every live Subsystem and the edges between them.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*subsystem.Subsystem
	// order preserves descriptor order for List, giving deterministic
	// listings rather than Go's randomized map iteration.
	order []string

	log *zap.Logger

	abortCh chan string
}

// New builds a Registry from descriptors. dialer is shared by every
// subsystem to open umbilicals; sink receives every subsystem's and
// process's alarms; recorder receives every oper-state transition for
// the audit trail. Returns an error if a descriptor names an unknown
// child or the child set closes a dependency cycle.
func New(descriptors []Descriptor, dialer umbilical.Dialer, sink alarm.Sink, recorder subsystem.TransitionRecorder, log *zap.Logger) (*Registry, error) {
	r := &Registry{
		subs:    make(map[string]*subsystem.Subsystem, len(descriptors)),
		log:     log,
		abortCh: make(chan string, 16),
	}

	for _, d := range descriptors {
		if _, exists := r.subs[d.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate subsystem name %q", d.Name)
		}
		r.subs[d.Name] = subsystem.NewWithRecorder(d.Config, dialer, sink, r, recorder, log)
		r.order = append(r.order, d.Name)
	}

	for _, d := range descriptors {
		parent := r.subs[d.Name]
		for _, childName := range d.Children {
			child, ok := r.subs[childName]
			if !ok {
				return nil, fmt.Errorf("registry: subsystem %q depends on unknown subsystem %q", d.Name, childName)
			}
			if depgraph.WouldCycle(d.Name, childName, r.lookupEdges) {
				return nil, fmt.Errorf("registry: subsystem %q depending on %q would close a dependency cycle", d.Name, childName)
			}
			parent.AddChild(childName, child.Pipe())
			child.AddParent(d.Name, parent.Pipe())
		}
	}

	return r, nil
}

func (r *Registry) lookupEdges(name string) (*depgraph.Edges, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[name]
	if !ok {
		return nil, false
	}
	return s.Edges(), true
}

// Get returns the named subsystem, or (nil, false) if it isn't
// registered. Satisfies operator.Registry.
func (r *Registry) Get(name string) (*subsystem.Subsystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[name]
	return s, ok
}

// List returns every registered subsystem's name and current oper
// state, in registration order. Satisfies operator.Registry.
func (r *Registry) List() []operator.SubsystemSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]operator.SubsystemSummary, 0, len(r.order))
	for _, name := range r.order {
		s := r.subs[name]
		out = append(out, operator.SubsystemSummary{Name: name, Oper: s.BuildStatus().Oper.String()})
	}
	return out
}

// Run starts every subsystem's driver loop and blocks until ctx is
// cancelled, at which point every driver returns once its current state
// handler observes cancellation.
func (r *Registry) Run(ctx context.Context) {
	r.mu.RLock()
	subs := make([]*subsystem.Subsystem, 0, len(r.subs))
	for _, name := range r.order {
		subs = append(subs, r.subs[name])
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subsystem.Subsystem) {
			defer wg.Done()
			s.Run(ctx)
		}(s)
	}
	wg.Wait()
}

// Remove detaches and stops the named subsystem. With recursive=true it
// first removes every descendant reachable through the dependency
// graph, bottom-up: each descendant is driven Offline via ChangeAdmin,
// confirmed (by polling its OperState rather than its own Subsystem,
// which has no safe way to observe a peer's state without racing that
// peer's driver loop), then detached and deregistered, before its
// ancestor is removed in turn. This is the registry's resolution of the
// recursive-remove behavior subsystem.Remove alone can only do
// best-effort (it holds child pipes, not child Subsystems, so it can
// send ChangeAdmin but cannot wait for or cascade past its own direct
// edges).
func (r *Registry) Remove(name string, recursive bool) error {
	r.mu.RLock()
	s, ok := r.subs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: subsystem %q not found", name)
	}

	if recursive {
		for _, childName := range s.Edges().Children() {
			if err := r.removeDescendant(s, childName); err != nil {
				return err
			}
		}
	}

	if err := s.Remove(false); err != nil {
		return err
	}

	r.deregister(name)
	return nil
}

// removeDescendant removes name and everything beneath it in the
// dependency graph, then detaches parent's edge to it. Descendants are
// removed deepest-first so that by the time name itself is asked to go
// Offline, it has no children left to wait on internally.
func (r *Registry) removeDescendant(parent *subsystem.Subsystem, name string) error {
	r.mu.RLock()
	child, ok := r.subs[name]
	r.mu.RUnlock()
	if !ok {
		parent.RemoveChild(name)
		return nil
	}

	for _, grandchildName := range child.Edges().Children() {
		if err := r.removeDescendant(child, grandchildName); err != nil {
			return err
		}
	}

	if child.OperState() != subsystem.Offline {
		child.Pipe().Send(&pipe.Message{Code: pipe.ChangeAdmin, Sender: parent.Name, ClientID: pipe.NoClient, Admin: pipe.AdminOffline})
		r.waitOffline(child, name)
	}

	if err := child.Remove(false); err != nil {
		return err
	}
	parent.RemoveChild(name)
	r.deregister(name)
	return nil
}

// waitOffline polls s's OperState until it reports Offline or
// removeOfflineTimeout elapses, logging and giving up on timeout rather
// than blocking Remove forever on a stuck descendant.
func (r *Registry) waitOffline(s *subsystem.Subsystem, name string) {
	deadline := time.Now().Add(removeOfflineTimeout)
	for s.OperState() != subsystem.Offline {
		if time.Now().After(deadline) {
			r.log.Warn("timed out waiting for subsystem to go offline during remove; removing anyway", zap.String("subsystem", name))
			return
		}
		time.Sleep(removeOfflinePoll)
	}
}

// deregister drops name from subs and order. Callers must have already
// stopped the subsystem's driver loop.
func (r *Registry) deregister(name string) {
	r.mu.Lock()
	delete(r.subs, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// EmergencyAbort implements subsystem.EmergencyBus: a critical
// subsystem's exactly-once Broken-entry emission lands here and is
// forwarded to Aborts() for the host daemon to act on (typically:
// terminate the process). Never blocks — a full channel drops the
// signal and logs, since a second critical failure close behind the
// first is still observable via the log and the audit ledger.
func (r *Registry) EmergencyAbort(subsystemName string) {
	r.log.Error("emergency abort raised by critical subsystem", zap.String("subsystem", subsystemName))
	select {
	case r.abortCh <- subsystemName:
	default:
		r.log.Warn("emergency abort channel full, signal dropped", zap.String("subsystem", subsystemName))
	}
}

// Aborts returns the channel the host daemon should select on to learn
// which critical subsystem demanded an emergency abort.
func (r *Registry) Aborts() <-chan string {
	return r.abortCh
}
