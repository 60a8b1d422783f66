package subsystem

import (
	"fmt"

	"github.com/dloman/gocapcom/internal/pipe"
)

// CheckRemove reports whether this subsystem can be removed right now.
// A non-recursive removal is refused while any child edge is still
// attached; the caller must detach children first. This package has no
// way to confirm a child has actually reached Offline on its own — it
// only holds the child's pipe, not its Subsystem, so it cannot poll the
// child's state without racing whatever is driving the child's own
// loop. The registry holds every subsystem by name and is the layer
// that performs the documented wait-for-Offline-then-remove cascade
// (see registry.Remove); recursive here is a narrower, best-effort
// primitive for callers operating outside a registry.
func (s *Subsystem) CheckRemove(recursive bool) error {
	if !recursive && s.edges.HasChildren() {
		return fmt.Errorf("subsystem %s: still has children attached; remove them or pass recursive", s.Name)
	}
	return nil
}

// Remove detaches this subsystem from every parent and marks it
// removed, stopping its driver loop on the next iteration.
//
// With recursive=true it additionally sends ChangeAdmin(Offline) to
// every direct child and detaches the child edges immediately — it does
// not wait for a child to actually report Offline, and it never
// recurses into grandchildren or removes the child from anything but
// this subsystem's own edge set. A caller that needs the full
// wait-then-cascade guarantee (drive every descendant Offline, confirm
// it, and remove it from the registry) must use registry.Registry.Remove,
// which has the Subsystem pointers this package lacks for the children.
func (s *Subsystem) Remove(recursive bool) error {
	if err := s.CheckRemove(recursive); err != nil {
		return err
	}

	if recursive {
		children, clientID := s.snapshotChildren()
		for name, cp := range children {
			cp.Send(&pipe.Message{Code: pipe.ChangeAdmin, Sender: s.Name, ClientID: clientID, Admin: pipe.AdminOffline})
			s.RemoveChild(name)
		}
	}

	for _, name := range s.edges.Parents() {
		s.RemoveParent(name)
	}

	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
	s.pipe.Close()
	s.interrupt.Fire()
	return nil
}
