// Package pipe implements the subsystem message pipe (component C3): a
// single-producer*-many-writer FIFO of admin/operational commands.
//
// (*) "single-producer" in the sense that exactly one goroutine — the
// subsystem's own driver — ever reads the pipe; any number of peers
// (parents, children, the registry, the operator socket) may write to
// it concurrently.
package pipe

import "fmt"

// NoClient is the sentinel client id meaning "no origin".
const NoClient uint32 = 0xFFFFFFFF

// Code identifies the kind of command carried by a Message.
type Code int

const (
	ChangeAdmin Code = iota
	ReportOper
	Abort
	Restart
	RestartProcesses
	RestartCrashedProcesses
	SendTelemetryCommand
)

func (c Code) String() string {
	switch c {
	case ChangeAdmin:
		return "ChangeAdmin"
	case ReportOper:
		return "ReportOper"
	case Abort:
		return "Abort"
	case Restart:
		return "Restart"
	case RestartProcesses:
		return "RestartProcesses"
	case RestartCrashedProcesses:
		return "RestartCrashedProcesses"
	case SendTelemetryCommand:
		return "SendTelemetryCommand"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// AdminState mirrors subsystem.AdminState without importing that package
// (pipe sits below subsystem in the dependency graph); subsystem converts
// between the two at its boundary.
type AdminState uint8

const (
	AdminOffline AdminState = iota
	AdminOnline
)

// Message is a single command traveling through a subsystem's pipe.
// Only the fields relevant to Code are populated; the rest are zero.
type Message struct {
	Code Code

	// Sender is the name of the subsystem that originated this message,
	// or "" for messages originated by the registry/operator/API rather
	// than a peer subsystem.
	Sender string

	// ClientID is the opaque requester id. NoClient means "no origin"
	// and must not touch the active-clients set.
	ClientID uint32

	// Admin carries the requested admin posture for ChangeAdmin.
	Admin AdminState

	// Oper carries the reported operational posture for ReportOper.
	Oper uint8 // subsystem.OperState, stored untyped to avoid an import cycle

	// Emergency marks an Abort that must jump straight to Broken with an
	// emergency-abort bus emission, rather than draining through
	// StoppingProcesses.
	Emergency bool

	// ProcessNames restricts RestartProcesses/RestartCrashedProcesses to
	// the named processes. Empty means "all processes" for
	// RestartProcesses and "all processes not currently running" for
	// RestartCrashedProcesses.
	ProcessNames []string

	// TelemetryCommand is the opaque payload for SendTelemetryCommand.
	TelemetryCommand []byte
}

// HighWaterMark is the default buffered-channel depth. Producers never
// block past this; Send reports whether the message was accepted.
const HighWaterMark = 256

// Pipe is a FIFO command queue owned by one subsystem.
type Pipe struct {
	ch     chan *Message
	closed chan struct{}
}

// New creates a Pipe with the default high-water mark.
func New() *Pipe {
	return &Pipe{
		ch:     make(chan *Message, HighWaterMark),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg without blocking. Returns false if the pipe is full
// or already closed — the caller (almost always a peer subsystem
// reporting state, or the registry) should log and move on; the message
// pipe provides at-least-once delivery only up to the high-water mark.
func (p *Pipe) Send(msg *Message) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// C exposes the receive side for use in a select statement (the event
// loop harness multiplexes this alongside umbilical events and timers).
func (p *Pipe) C() <-chan *Message {
	return p.ch
}

// Close marks the pipe closed. The subsystem driver treats pipe closure
// as a shutdown signal for its event loop. Safe to call once.
func (p *Pipe) Close() {
	close(p.closed)
	close(p.ch)
}

// Closed reports whether Close has been called.
func (p *Pipe) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
