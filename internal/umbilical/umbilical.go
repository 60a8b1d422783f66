// Package umbilical implements component C2: a subsystem-owned,
// refcounted connection to the launch agent running on one compute.
//
// The wire protocol itself lives in internal/umbilicalrpc: this package
// depends only on the AgentClient interface, which that package
// implements for real traffic, and which tests fake directly.
package umbilical

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LaunchSpec is everything the launch agent needs to start one process.
type LaunchSpec struct {
	ProcessName string
	Variant     string // "static", "zygote", "virtual"
	Executable  string
	Argv        []string
	Env         []string

	// Virtual-process-only fields.
	ZygoteProcessID string
	Module          string
	EntryPoint      string

	User  string
	Group string
	Cgroup string

	Interactive bool
	Notify      bool
}

// StopSpec carries the two shutdown timeouts the agent uses to escalate
// SIGINT -> SIGTERM -> SIGKILL.
type StopSpec struct {
	ProcessID      string
	GraceSignalSec int32
	KillSec        int32
}

// AgentClient is the launch-agent RPC surface consumed by this core.
type AgentClient interface {
	Launch(ctx context.Context, spec LaunchSpec) (processID string, pid int, err error)
	Stop(ctx context.Context, spec StopSpec) error
	SendInput(ctx context.Context, processID string, fd int, data []byte) error
	CloseFd(ctx context.Context, processID string, fd int) error
	SendTelemetryCommand(ctx context.Context, processID string, cmd []byte) error

	// Events returns the typed event stream for this connection. The
	// channel is closed when the connection is torn down.
	Events() <-chan Event

	Close() error
}

// Dialer opens an AgentClient for a named compute. Implemented by
// internal/umbilicalrpc for real traffic.
type Dialer interface {
	Dial(ctx context.Context, compute string) (AgentClient, error)
}

// Umbilical is one (subsystem, compute) connection, refcounted by the
// number of the subsystem's processes currently targeting that compute
// with maybe_connected set.
type Umbilical struct {
	mu       sync.Mutex
	compute  string
	dialer   Dialer
	log      *zap.Logger
	client   AgentClient
	refs     int
	connected bool

	pump *eventPump
}

// New creates an unconnected Umbilical for compute. Dial happens on the
// first Connect or AddReference.
func New(compute string, dialer Dialer, log *zap.Logger) *Umbilical {
	return &Umbilical{compute: compute, dialer: dialer, log: log}
}

// Compute returns the target compute id.
func (u *Umbilical) Compute() string { return u.compute }

// Connect dials the launch agent and starts the event pump if not
// already connected. It does not itself affect the refcount: the
// subsystem's Connecting state calls this once per compute to verify
// connectivity before any process has actually launched, so that
// RefCount stays exactly the number of processes currently relying on
// the connection (invariant: refcount == processes with maybe_connected
// set on this compute).
func (u *Umbilical) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connectLocked(ctx)
}

func (u *Umbilical) connectLocked(ctx context.Context) error {
	if u.connected {
		return nil
	}
	client, err := u.dialer.Dial(ctx, u.compute)
	if err != nil {
		return fmt.Errorf("umbilical: dial compute %q: %w", u.compute, err)
	}
	u.client = client
	u.connected = true
	u.pump = newEventPump(u.compute, client.Events(), u.log.With(zap.String("compute", u.compute)))
	return nil
}

// AddReference records one more process relying on this umbilical,
// dialing the connection first if it is not already up. Idempotent with
// respect to connectivity: only the refcount changes on repeated calls
// once connected.
func (u *Umbilical) AddReference(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.connectLocked(ctx); err != nil {
		return err
	}
	u.refs++
	return nil
}

// RemoveReference decrements the refcount. When it reaches zero the
// connection is torn down and the event reader cancelled. Returns true
// if teardown happened on this call.
func (u *Umbilical) RemoveReference() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.refs == 0 {
		return false
	}
	u.refs--
	if u.refs > 0 {
		return false
	}
	u.teardownLocked()
	return true
}

// teardownLocked closes the client and stops the pump. Caller must hold
// mu. refs is reset to zero here too, since MarkDisconnected tears down
// outside the normal decrement-to-zero path (an agent-initiated
// disconnect) and must leave the umbilical in a state a later Connect +
// AddReference can reuse cleanly.
func (u *Umbilical) teardownLocked() {
	if u.pump != nil {
		u.pump.stop()
		u.pump = nil
	}
	if u.client != nil {
		_ = u.client.Close()
		u.client = nil
	}
	u.connected = false
	u.refs = 0
}

// MarkDisconnected forces a teardown outside the normal refcount path —
// e.g. the agent process died out from under us. The subsystem calls it
// on observing an EventDisconnected (which the event pump emits when the
// agent stream closes).
func (u *Umbilical) MarkDisconnected() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.teardownLocked()
}

// RefCount returns the current reference count.
func (u *Umbilical) RefCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refs
}

// Connected reports whether the agent connection is currently live.
func (u *Umbilical) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

// Client returns the live AgentClient, or nil if not connected. Process
// operations (Launch, Stop, SendInput, ...) call through this.
func (u *Umbilical) Client() AgentClient {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.client
}

// Events returns the subsystem-facing event channel. Safe to call
// before the first connection; it returns nil (a channel that delivers
// nothing) until Connect or AddReference succeeds. Each reconnect replaces the underlying pump,
// so callers should re-fetch Events() after a reconnect rather than
// caching the channel long-term.
func (u *Umbilical) Events() <-chan Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pump == nil {
		return nil
	}
	return u.pump.out
}
