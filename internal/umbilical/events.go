package umbilical

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind discriminates the fields populated on an Event.
type EventKind int

const (
	EventProcessStarted EventKind = iota
	EventProcessStopped
	EventProcessOutput
	EventDisconnected
	EventTelemetryStatus
	EventParameterUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventProcessStarted:
		return "ProcessStarted"
	case EventProcessStopped:
		return "ProcessStopped"
	case EventProcessOutput:
		return "ProcessOutput"
	case EventDisconnected:
		return "Disconnected"
	case EventTelemetryStatus:
		return "TelemetryStatus"
	case EventParameterUpdate:
		return "ParameterUpdate"
	default:
		return "Unknown"
	}
}

// Event is a single notification pushed up from the launch agent.
type Event struct {
	Kind EventKind

	// Compute is the compute id of the umbilical that produced this
	// event, stamped by the pump so a subsystem multiplexing several
	// umbilicals' events on one merged channel can tell them apart.
	Compute string

	ProcessID string
	PID       int

	// ProcessStopped fields.
	ExitStatus int
	Signal     int
	Core       bool

	// ProcessOutput fields.
	FD     int
	Output []byte

	// Disconnected fields.
	Reason string

	// TelemetryStatus / ParameterUpdate fields.
	Payload []byte
}

// inboxDepth bounds how many unconsumed events the pump will buffer
// before dropping newly arriving events, logging a warning each time it
// does.
const inboxDepth = 128

// eventPump reads the raw client-level event channel and republishes it
// on a bounded, subsystem-facing channel, counting and logging drops
// under backpressure rather than blocking the underlying gRPC stream
// reader (the same buffered-channel-plus-drop-counter shape used for
// high volume kernel event ingestion elsewhere in this stack).
type eventPump struct {
	out     chan Event
	done    chan struct{}
	log     *zap.Logger
	compute string
	mu      sync.Mutex
	drops   int
}

func newEventPump(compute string, in <-chan Event, log *zap.Logger) *eventPump {
	p := &eventPump{
		out:     make(chan Event, inboxDepth),
		done:    make(chan struct{}),
		log:     log,
		compute: compute,
	}
	go p.run(in)
	return p
}

func (p *eventPump) run(in <-chan Event) {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				select {
				case p.out <- Event{Kind: EventDisconnected, Compute: p.compute, Reason: "agent stream closed"}:
				default:
				}
				return
			}
			ev.Compute = p.compute
			select {
			case p.out <- ev:
			default:
				p.mu.Lock()
				p.drops++
				n := p.drops
				p.mu.Unlock()
				p.log.Warn("umbilical event dropped under backpressure",
					zap.String("kind", ev.Kind.String()),
					zap.Int("total_drops", n),
				)
			}
		case <-p.done:
			return
		}
	}
}

func (p *eventPump) stop() {
	close(p.done)
}
