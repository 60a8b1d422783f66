package registry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/process"
	"github.com/dloman/gocapcom/internal/subsystem"
	"github.com/dloman/gocapcom/internal/umbilical"
)

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, compute string) (umbilical.AgentClient, error) {
	return nil, nil
}

func descriptor(name string, children ...string) Descriptor {
	return Descriptor{
		Config: subsystem.Config{
			Name: name,
			Processes: []process.Config{
				{Name: "proc", Compute: "c1"},
			},
		},
		Children: children,
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New([]Descriptor{descriptor("a"), descriptor("a")}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for duplicate subsystem names")
	}
}

func TestNew_RejectsUnknownChild(t *testing.T) {
	_, err := New([]Descriptor{descriptor("a", "ghost")}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error when a descriptor names an unregistered child")
	}
}

func TestNew_RejectsDependencyCycle(t *testing.T) {
	_, err := New([]Descriptor{
		descriptor("a", "b"),
		descriptor("b", "a"),
	}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected a dependency cycle to be rejected")
	}
}

func TestNew_WiresParentChildPipes(t *testing.T) {
	r, err := New([]Descriptor{
		descriptor("parent", "child"),
		descriptor("child"),
	}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parent, ok := r.Get("parent")
	if !ok {
		t.Fatal("expected to find the parent subsystem")
	}
	if !parent.Edges().HasChildren() {
		t.Fatal("expected the parent to have a child edge recorded")
	}

	child, ok := r.Get("child")
	if !ok {
		t.Fatal("expected to find the child subsystem")
	}
	if len(child.Edges().Parents()) != 1 {
		t.Fatalf("expected the child to record one parent edge, got %d", len(child.Edges().Parents()))
	}
}

func TestGet_UnknownNameReturnsFalse(t *testing.T) {
	r, err := New(nil, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error building an empty registry: %v", err)
	}
	if _, ok := r.Get("nope"); ok {
		t.Fatal("expected Get to report false for an unregistered name")
	}
}

func TestList_PreservesRegistrationOrder(t *testing.T) {
	r, err := New([]Descriptor{descriptor("z"), descriptor("a"), descriptor("m")}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summaries := r.List()
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
	got := []string{summaries[0].Name, summaries[1].Name, summaries[2].Name}
	want := []string{"z", "a", "m"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected registration order %v, got %v", want, got)
		}
	}
}

func TestRemove_DropsFromRegistryAndOrder(t *testing.T) {
	r, err := New([]Descriptor{descriptor("solo")}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Remove("solo", false); err != nil {
		t.Fatalf("unexpected error removing a childless subsystem: %v", err)
	}
	if _, ok := r.Get("solo"); ok {
		t.Fatal("expected the subsystem to be gone from the registry after Remove")
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected an empty listing after removing the only subsystem, got %d", len(r.List()))
	}
}

func TestRemove_UnknownNameErrors(t *testing.T) {
	r, err := New(nil, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Remove("ghost", false); err == nil {
		t.Fatal("expected an error removing an unregistered subsystem")
	}
}

func TestRemove_RecursiveCascadesThroughDescendants(t *testing.T) {
	r, err := New([]Descriptor{
		descriptor("root", "mid"),
		descriptor("mid", "leaf"),
		descriptor("leaf"),
	}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Remove("root", true); err != nil {
		t.Fatalf("unexpected error from recursive remove: %v", err)
	}

	for _, name := range []string{"root", "mid", "leaf"} {
		if _, ok := r.Get(name); ok {
			t.Fatalf("expected %q to be deregistered by the recursive remove cascade", name)
		}
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected every descendant gone from the listing, got %d left", len(r.List()))
	}
}

func TestRemove_NonRecursiveRefusedWithChildAttached(t *testing.T) {
	r, err := New([]Descriptor{
		descriptor("root", "child"),
		descriptor("child"),
	}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Remove("root", false); err == nil {
		t.Fatal("expected a non-recursive remove to be refused while a child is still attached")
	}
	if _, ok := r.Get("child"); !ok {
		t.Fatal("expected the child to remain registered after a refused remove")
	}
	if _, ok := r.Get("root"); !ok {
		t.Fatal("expected root to remain registered after a refused remove")
	}
}

func TestEmergencyAbort_ForwardsOntoAbortsChannel(t *testing.T) {
	r, err := New([]Descriptor{descriptor("critical")}, noopDialer{}, alarm.NopSink{}, subsystem.NopRecorder{}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.EmergencyAbort("critical")

	select {
	case name := <-r.Aborts():
		if name != "critical" {
			t.Fatalf("expected the aborting subsystem's name, got %q", name)
		}
	default:
		t.Fatal("expected EmergencyAbort to post onto the Aborts channel")
	}
}
