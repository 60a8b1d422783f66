// Package process implements component C1: the process descriptor owned
// by a subsystem. A Process is a tagged variant over the three process
// kinds a subsystem can launch — Static, Zygote, and Virtual — sharing
// one mutable runtime-state block and one restart/backoff bookkeeping
// surface.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/umbilical"
)

// Variant identifies which of the three process kinds a Process is.
type Variant uint8

const (
	// Static processes run a fixed executable directly.
	Static Variant = iota
	// Zygote processes are long-lived template processes that spawn
	// Virtual processes on demand by forking and loading a module.
	Zygote
	// Virtual processes are spawned from a Zygote rather than execed
	// directly; they carry a module and entry point instead of argv.
	Virtual
)

func (v Variant) String() string {
	switch v {
	case Static:
		return "static"
	case Zygote:
		return "zygote"
	case Virtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// minRestartDelay and maxRestartDelay bound the exponential backoff
// applied between automatic restarts of a crashed process.
const (
	minRestartDelay = time.Second
	maxRestartDelay = 32 * time.Second
)

// Config is the immutable, config-supplied description of a process.
// It never changes after the process is created; everything that
// changes over the process's lifetime lives in the runtime state below.
type Config struct {
	Name    string
	Variant Variant
	Compute string

	Executable string
	Argv       []string
	Env        []string

	// Virtual-only.
	ZygoteName string
	Module     string
	EntryPoint string

	User       string
	Group      string
	Cgroup     string
	Telemetry  bool
	Interactive bool
	Oneshot    bool
	Critical   bool
	Notify     bool
	MaxRestarts int

	LaunchTimeout time.Duration
	StopGraceSec  int32
	StopKillSec   int32
}

// Process is one managed process within a subsystem: immutable Config
// plus mutable runtime state, guarded by mu.
type Process struct {
	Config

	mu sync.Mutex

	processID       string
	pid             int
	running         bool
	exited          bool
	exitStatus      int
	exitSignal      int
	numRestarts     int
	restartDelay    time.Duration
	maybeConnected  bool

	latch *alarm.Latch
}

// New creates a Process descriptor. name is combined with the parent
// subsystem name to build the alarm subject "<subsystem>/<name>".
func New(subsystemName string, cfg Config) *Process {
	if cfg.LaunchTimeout == 0 {
		cfg.LaunchTimeout = 10 * time.Second
	}
	return &Process{
		Config:       cfg,
		restartDelay: minRestartDelay,
		latch:        alarm.NewLatch(subsystemName + "/" + cfg.Name),
	}
}

// ProcessID returns the launch agent's id from the most recent
// successful Launch, or "" if the process has never been launched. An
// observed exit does not clear it; Running reports whether that
// incarnation is alive.
func (p *Process) ProcessID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processID
}

// PID returns the OS process id reported by the agent, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Running reports whether the agent currently believes this process is
// alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ExitInfo returns the last exit status and signal observed, and
// whether any exit has been observed yet.
func (p *Process) ExitInfo() (status, signal int, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exitSignal, p.exited
}

// MaybeConnected reports whether this process currently wants its
// subsystem's umbilical to compute held open on its behalf. Set by
// Launch, cleared by a reported exit, MarkNotRunning or Disconnect.
func (p *Process) MaybeConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maybeConnected
}

// Connect marks this process as wanting its compute's umbilical held
// open. The caller is responsible for adjusting the umbilical's
// refcount to match.
func (p *Process) Connect() {
	p.mu.Lock()
	p.maybeConnected = true
	p.mu.Unlock()
}

// Disconnect clears the connection want. The caller is responsible for
// releasing the corresponding umbilical reference.
func (p *Process) Disconnect() {
	p.mu.Lock()
	p.maybeConnected = false
	p.mu.Unlock()
}

// Launch asks client to start this process. On success the process is
// marked running and maybe-connected; the caller (the subsystem driver)
// is responsible for arming the per-process launch timeout using
// Config.LaunchTimeout.
func (p *Process) Launch(ctx context.Context, client umbilical.AgentClient) error {
	spec := umbilical.LaunchSpec{
		ProcessName:     p.Name,
		Variant:         p.Variant.String(),
		Executable:      p.Executable,
		Argv:            p.Argv,
		Env:             p.Env,
		ZygoteProcessID: p.ZygoteName,
		Module:          p.Module,
		EntryPoint:      p.EntryPoint,
		User:            p.User,
		Group:           p.Group,
		Cgroup:          p.Cgroup,
		Interactive:     p.Interactive,
		Notify:          true,
	}

	processID, pid, err := client.Launch(ctx, spec)
	if err != nil {
		return fmt.Errorf("process %s: launch: %w", p.Name, err)
	}

	p.mu.Lock()
	p.processID = processID
	p.pid = pid
	p.running = true
	p.exited = false
	p.mu.Unlock()
	p.Connect()
	return nil
}

// Stop asks client to stop this process using the configured grace and
// kill timeouts. It does not itself wait for the exit report — the
// subsystem driver observes that via the umbilical event stream.
func (p *Process) Stop(ctx context.Context, client umbilical.AgentClient) error {
	p.mu.Lock()
	id := p.processID
	p.mu.Unlock()
	if id == "" {
		return nil
	}

	err := client.Stop(ctx, umbilical.StopSpec{
		ProcessID:      id,
		GraceSignalSec: p.StopGraceSec,
		KillSec:        p.StopKillSec,
	})
	if err != nil {
		return fmt.Errorf("process %s: stop: %w", p.Name, err)
	}
	return nil
}

// ObserveStarted records an agent-reported start (used when Launch's
// own acknowledgment is separate from the event-stream confirmation).
func (p *Process) ObserveStarted(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pid = pid
	p.running = true
	p.exited = false
}

// ObserveExit records an agent-reported exit and clears maybe-connected
// (the umbilical reference this process was holding should now be
// released by the caller).
func (p *Process) ObserveExit(status, signal int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.exited = true
	p.exitStatus = status
	p.exitSignal = signal
	p.maybeConnected = false
	p.pid = 0
}

// MarkNotRunning clears the running flag without recording an exit
// status — used when a process's compute umbilical is lost and the
// agent can no longer vouch for the process, as opposed to an observed
// exit.
func (p *Process) MarkNotRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.maybeConnected = false
}

// SendInput forwards data to the process's stdin (or another configured
// input fd) through client.
func (p *Process) SendInput(ctx context.Context, client umbilical.AgentClient, fd int, data []byte) error {
	p.mu.Lock()
	id := p.processID
	p.mu.Unlock()
	if id == "" {
		return fmt.Errorf("process %s: not running", p.Name)
	}
	return client.SendInput(ctx, id, fd, data)
}

// CloseFd closes one of the process's streamed file descriptors.
func (p *Process) CloseFd(ctx context.Context, client umbilical.AgentClient, fd int) error {
	p.mu.Lock()
	id := p.processID
	p.mu.Unlock()
	if id == "" {
		return fmt.Errorf("process %s: not running", p.Name)
	}
	return client.CloseFd(ctx, id, fd)
}

// SendTelemetryCommand forwards an opaque telemetry payload. Refused
// for processes not configured with Telemetry.
func (p *Process) SendTelemetryCommand(ctx context.Context, client umbilical.AgentClient, cmd []byte) error {
	if !p.Telemetry {
		return fmt.Errorf("process %s: telemetry not enabled", p.Name)
	}
	p.mu.Lock()
	id := p.processID
	p.mu.Unlock()
	if id == "" {
		return fmt.Errorf("process %s: not running", p.Name)
	}
	return client.SendTelemetryCommand(ctx, id, cmd)
}

// RaiseAlarm raises an alarm for this process through sink.
func (p *Process) RaiseAlarm(sink alarm.Sink, severity alarm.Severity, reason alarm.Reason, message string) {
	p.latch.Raise(sink, severity, reason, message)
}

// ClearAlarm clears this process's current alarm, if any.
func (p *Process) ClearAlarm(sink alarm.Sink) {
	p.latch.Clear(sink)
}

// AlarmCount returns how many times RaiseAlarm has fired since the last
// ResetAlarmCount.
func (p *Process) AlarmCount() int {
	return p.latch.Count()
}

// CurrentAlarm returns this process's latched alarm, or nil if clear.
func (p *Process) CurrentAlarm() *alarm.Alarm {
	return p.latch.Current()
}

// ResetAlarmCount zeroes the alarm counter.
func (p *Process) ResetAlarmCount() {
	p.latch.ResetCount()
}

// NumRestarts returns how many automatic restarts this process has had
// since the last ResetNumRestarts.
func (p *Process) NumRestarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRestarts
}

// IncNumRestarts increments the restart counter and returns the new
// value.
func (p *Process) IncNumRestarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numRestarts++
	return p.numRestarts
}

// ResetNumRestarts zeroes the restart counter, used once a process has
// stayed up past its subsystem's stability window.
func (p *Process) ResetNumRestarts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numRestarts = 0
}

// RestartDelay returns the current backoff delay without advancing it.
func (p *Process) RestartDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartDelay
}

// IncRestartDelay doubles the backoff delay, capped at maxRestartDelay,
// and returns the delay that was in effect BEFORE this call (the delay
// the caller should actually wait for this restart attempt).
func (p *Process) IncRestartDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.restartDelay
	next := p.restartDelay * 2
	if next > maxRestartDelay {
		next = maxRestartDelay
	}
	p.restartDelay = next
	return prev
}

// ResetRestartDelay returns the backoff delay to its floor.
func (p *Process) ResetRestartDelay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restartDelay = minRestartDelay
}
