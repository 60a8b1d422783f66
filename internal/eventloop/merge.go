package eventloop

import (
	"sync"

	"github.com/dloman/gocapcom/internal/umbilical"
)

// Merger fans the event channels of however many umbilicals a
// subsystem currently holds into the single channel RunInState expects.
// Umbilicals come and go as processes connect to new computes, so the
// set of input channels is dynamic.
type Merger struct {
	mu      sync.Mutex
	out     chan umbilical.Event
	cancels map[string]chan struct{}
	wg      sync.WaitGroup
}

// mergeBuffer bounds how many events may be queued on the merged
// output channel before a forwarder blocks (the per-umbilical pump
// already applies its own backpressure/drop policy upstream).
const mergeBuffer = 128

// NewMerger creates an empty Merger.
func NewMerger() *Merger {
	return &Merger{
		out:     make(chan umbilical.Event, mergeBuffer),
		cancels: make(map[string]chan struct{}),
	}
}

// C returns the merged output channel.
func (m *Merger) C() <-chan umbilical.Event {
	return m.out
}

// Add starts forwarding ch under key. If key is already present its
// prior forwarder is stopped first (used on umbilical reconnect, where
// the event channel is replaced).
func (m *Merger) Add(key string, ch <-chan umbilical.Event) {
	m.Remove(key)

	m.mu.Lock()
	done := make(chan struct{})
	m.cancels[key] = done
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				select {
				case m.out <- ev:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// Remove stops forwarding the channel registered under key, if any.
func (m *Merger) Remove(key string) {
	m.mu.Lock()
	done, ok := m.cancels[key]
	if ok {
		delete(m.cancels, key)
	}
	m.mu.Unlock()
	if ok {
		close(done)
	}
}

// Close stops all forwarders. The output channel is intentionally left
// open: once all forwarders exit there simply will be no more sends.
func (m *Merger) Close() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.cancels))
	for k := range m.cancels {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.Remove(k)
	}
	m.wg.Wait()
}
