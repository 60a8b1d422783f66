// Package subsystem implements component C4: the per-subsystem state
// machine, the hard part of this supervisor. A Subsystem owns a set of
// processes and umbilicals, a pair of dependency edges to its parents
// and children, and drives an Admin x Oper state machine in response to
// messages on its pipe, events from its umbilicals, and timers.
package subsystem

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/depgraph"
	"github.com/dloman/gocapcom/internal/eventloop"
	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/process"
	"github.com/dloman/gocapcom/internal/umbilical"
)

const (
	minRestartDelay = time.Second
	maxRestartDelay = 32 * time.Second
)

// StabilityWindow is how long a subsystem must stay Online before its
// restart counters reset to zero. The source this was distilled from
// leaves the duration ambiguous; this value is the decision recorded in
// DESIGN.md.
const StabilityWindow = 60 * time.Second

// EmergencyBus is the process-wide bus that a critical subsystem's
// Broken entry emits onto exactly once (spec invariant: emergency abort
// on critical Broken).
type EmergencyBus interface {
	EmergencyAbort(subsystemName string)
}

// NopBus discards emergency aborts. Useful in tests.
type NopBus struct{}

func (NopBus) EmergencyAbort(string) {}

// TransitionRecorder receives a best-effort audit record of every
// oper-state change. Implemented by internal/ledger in production;
// failures are logged by the caller and never block a transition.
type TransitionRecorder interface {
	RecordTransition(subsystem, from, to string, clientID uint32) error
}

// NopRecorder discards every transition. Useful in tests.
type NopRecorder struct{}

func (NopRecorder) RecordTransition(string, string, string, uint32) error { return nil }

// Config is the immutable, descriptor-derived configuration for a
// Subsystem.
type Config struct {
	Name          string
	RestartPolicy RestartPolicy
	Critical      bool
	MaxRestarts   int
	Processes     []process.Config

	ChildrenTimeout time.Duration
	ConnectTimeout  time.Duration
	LaunchTimeout   time.Duration
	StopTimeout     time.Duration
}

// Subsystem drives one subsystem's Admin x Oper state machine.
type Subsystem struct {
	Name          string
	restartPolicy RestartPolicy
	critical      bool
	maxRestarts   int
	timeouts      Config

	log *zap.Logger

	pipe      *pipe.Pipe
	interrupt *eventloop.Trigger
	merger    *eventloop.Merger

	alarmLatch *alarm.Latch
	alarmSink  alarm.Sink
	bus        EmergencyBus
	recorder   TransitionRecorder

	dialer umbilical.Dialer

	mu sync.Mutex

	processesByName    map[string]*process.Process
	processesByAgentID map[string]*process.Process
	processOrder       []string

	edges       *depgraph.Edges
	childPipes  map[string]*pipe.Pipe
	parentPipes map[string]*pipe.Pipe

	adminState    AdminState
	operState     OperState
	prevOperState OperState

	activeClients map[uint32]struct{}
	lastClientID  uint32

	numRestarts  int
	restartDelay time.Duration

	umbilicals map[string]*umbilical.Umbilical

	processesToRestart map[string]struct{}

	emergencyEmitted bool

	stableSince time.Time

	removed bool
}

// New constructs a Subsystem from cfg. dialer is used to open
// umbilicals on demand; sink receives this subsystem's and its
// processes' alarms; bus receives the emergency-abort signal for
// critical subsystems.
func New(cfg Config, dialer umbilical.Dialer, sink alarm.Sink, bus EmergencyBus, log *zap.Logger) *Subsystem {
	return NewWithRecorder(cfg, dialer, sink, bus, NopRecorder{}, log)
}

// NewWithRecorder is New plus an audit-trail recorder invoked on every
// oper-state transition.
func NewWithRecorder(cfg Config, dialer umbilical.Dialer, sink alarm.Sink, bus EmergencyBus, recorder TransitionRecorder, log *zap.Logger) *Subsystem {
	if sink == nil {
		sink = alarm.NopSink{}
	}
	if bus == nil {
		bus = NopBus{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}

	s := &Subsystem{
		Name:                cfg.Name,
		restartPolicy:       cfg.RestartPolicy,
		critical:            cfg.Critical,
		maxRestarts:         cfg.MaxRestarts,
		timeouts:            cfg,
		log:                 log.With(zap.String("subsystem", cfg.Name)),
		pipe:                pipe.New(),
		interrupt:           eventloop.NewTrigger(),
		merger:              eventloop.NewMerger(),
		alarmLatch:          alarm.NewLatch(cfg.Name),
		alarmSink:           sink,
		bus:                 bus,
		recorder:            recorder,
		dialer:              dialer,
		processesByName:     make(map[string]*process.Process),
		processesByAgentID:  make(map[string]*process.Process),
		edges:               depgraph.NewEdges(),
		childPipes:          make(map[string]*pipe.Pipe),
		parentPipes:         make(map[string]*pipe.Pipe),
		activeClients:       make(map[uint32]struct{}),
		lastClientID:        pipe.NoClient,
		restartDelay:        minRestartDelay,
		umbilicals:          make(map[string]*umbilical.Umbilical),
		processesToRestart:  make(map[string]struct{}),
	}

	for _, pc := range cfg.Processes {
		p := process.New(cfg.Name, pc)
		s.processesByName[pc.Name] = p
		s.processOrder = append(s.processOrder, pc.Name)
	}

	return s
}

// Pipe returns this subsystem's message pipe, used by peers, the
// registry, and the operator socket to send it commands.
func (s *Subsystem) Pipe() *pipe.Pipe { return s.pipe }

// Interrupt returns the trigger used to force a re-poll without
// queuing a full message (Wakeup).
func (s *Subsystem) Interrupt() *eventloop.Trigger { return s.interrupt }

// AddChild registers name as a child, keeping both the dependency-graph
// edge and the live pipe used to actually deliver ChangeAdmin commands.
func (s *Subsystem) AddChild(name string, childPipe *pipe.Pipe) {
	s.edges.AddChild(name)
	s.mu.Lock()
	s.childPipes[name] = childPipe
	s.mu.Unlock()
}

// AddParent registers name as a parent.
func (s *Subsystem) AddParent(name string, parentPipe *pipe.Pipe) {
	s.edges.AddParent(name)
	s.mu.Lock()
	s.parentPipes[name] = parentPipe
	s.mu.Unlock()
}

// RemoveChild drops a child edge and its pipe handle.
func (s *Subsystem) RemoveChild(name string) {
	s.edges.RemoveChild(name)
	s.mu.Lock()
	delete(s.childPipes, name)
	s.mu.Unlock()
}

// RemoveParent drops a parent edge and its pipe handle.
func (s *Subsystem) RemoveParent(name string) {
	s.edges.RemoveParent(name)
	s.mu.Lock()
	delete(s.parentPipes, name)
	s.mu.Unlock()
}

// Edges exposes the dependency-graph edges, e.g. for registry-side
// cycle detection.
func (s *Subsystem) Edges() *depgraph.Edges { return s.edges }

// OperState returns this subsystem's current operational state. Exported
// for callers outside the package (the registry's remove cascade) that
// need to observe a state transition without racing the driver loop's
// own consumption of the subsystem's pipe.
func (s *Subsystem) OperState() OperState {
	return s.getOperState()
}

func (s *Subsystem) getOperState() OperState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operState
}

func (s *Subsystem) getAdminState() AdminState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminState
}

// enterState transitions to next, recording prevOperState, restarting
// the stability timer on entering Online, and notifying parents.
func (s *Subsystem) enterState(next OperState) {
	s.mu.Lock()
	prev := s.operState
	s.prevOperState = prev
	s.operState = next
	clientID := s.lastClientID
	if next == Online {
		s.stableSince = time.Now()
	}
	s.mu.Unlock()

	s.log.Info("oper state transition", zap.String("from", prev.String()), zap.String("to", next.String()))
	if err := s.recorder.RecordTransition(s.Name, prev.String(), next.String(), clientID); err != nil {
		s.log.Warn("failed to record transition in audit trail", zap.Error(err))
	}
	s.notifyParents(next)
}

// notifyParents sends ReportOper to every parent with the current
// state, fire-and-forget (a full pipe drops the notification rather
// than blocking this subsystem's driver).
func (s *Subsystem) notifyParents(oper OperState) {
	s.mu.Lock()
	parents := make([]*pipe.Pipe, 0, len(s.parentPipes))
	for _, p := range s.parentPipes {
		parents = append(parents, p)
	}
	name := s.Name
	s.mu.Unlock()

	for _, p := range parents {
		ok := p.Send(&pipe.Message{
			Code:     pipe.ReportOper,
			Sender:   name,
			ClientID: pipe.NoClient,
			Oper:     uint8(oper),
		})
		if !ok {
			s.log.Warn("dropped ReportOper to parent: pipe full or closed")
		}
	}
}

func (s *Subsystem) mergedEvents() <-chan umbilical.Event {
	return s.merger.C()
}

// incRestartDelay doubles the subsystem-level restart backoff, capped
// at maxRestartDelay, and returns the delay that was in effect BEFORE
// this call — the delay the Restarting handler actually waits.
func (s *Subsystem) incRestartDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.restartDelay
	next := s.restartDelay * 2
	if next > maxRestartDelay {
		next = maxRestartDelay
	}
	s.restartDelay = next
	return prev
}

// maybeResetStability zeroes the subsystem's own restart counters (and
// every owned process's) once it has stayed Online continuously for at
// least StabilityWindow.
func (s *Subsystem) maybeResetStability() {
	s.mu.Lock()
	since := s.stableSince
	s.mu.Unlock()
	if since.IsZero() || time.Since(since) < StabilityWindow {
		return
	}

	s.mu.Lock()
	s.numRestarts = 0
	s.restartDelay = minRestartDelay
	s.mu.Unlock()

	for _, p := range s.allProcesses() {
		p.ResetNumRestarts()
		p.ResetRestartDelay()
	}
}
