package eventloop

import (
	"testing"
	"time"

	"github.com/dloman/gocapcom/internal/umbilical"
)

func TestMerger_ForwardsFromMultipleSources(t *testing.T) {
	m := NewMerger()
	defer m.Close()

	a := make(chan umbilical.Event, 1)
	b := make(chan umbilical.Event, 1)
	m.Add("compute-a", a)
	m.Add("compute-b", b)

	a <- umbilical.Event{Kind: umbilical.EventProcessStarted, Compute: "compute-a"}
	b <- umbilical.Event{Kind: umbilical.EventProcessStopped, Compute: "compute-b"}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-m.C():
			seen[ev.Compute] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged event")
		}
	}
	if !seen["compute-a"] || !seen["compute-b"] {
		t.Fatalf("expected events from both computes, got %v", seen)
	}
}

func TestMerger_RemoveStopsForwarding(t *testing.T) {
	m := NewMerger()
	defer m.Close()

	a := make(chan umbilical.Event, 1)
	m.Add("compute-a", a)
	m.Remove("compute-a")

	a <- umbilical.Event{Kind: umbilical.EventProcessStarted, Compute: "compute-a"}

	select {
	case ev := <-m.C():
		t.Fatalf("did not expect an event after Remove, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMerger_AddReplacesPriorForwarderOnSameKey(t *testing.T) {
	m := NewMerger()
	defer m.Close()

	old := make(chan umbilical.Event, 1)
	m.Add("compute-a", old)
	fresh := make(chan umbilical.Event, 1)
	m.Add("compute-a", fresh) // reconnect: replaces the old forwarder

	fresh <- umbilical.Event{Kind: umbilical.EventProcessStarted, Compute: "compute-a"}

	select {
	case ev := <-m.C():
		if ev.Compute != "compute-a" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event from the replacement channel")
	}
}
