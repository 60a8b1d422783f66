package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/dloman/gocapcom/internal/pipe"
	"github.com/dloman/gocapcom/internal/umbilical"
)

func TestRunInState_LeavesOnPipeMessage(t *testing.T) {
	p := pipe.New()
	events := make(chan umbilical.Event)
	interrupt := NewTrigger()

	p.Send(&pipe.Message{Code: pipe.Restart})

	var gotSrc Source
	RunInState(context.Background(), p, events, interrupt, 0, func(src Source, msg *pipe.Message, ev umbilical.Event) Transition {
		gotSrc = src
		return Leave
	})

	if gotSrc != SourcePipe {
		t.Fatalf("expected SourcePipe, got %v", gotSrc)
	}
}

func TestRunInState_LeavesOnUmbilicalEvent(t *testing.T) {
	p := pipe.New()
	events := make(chan umbilical.Event, 1)
	interrupt := NewTrigger()

	events <- umbilical.Event{Kind: umbilical.EventProcessStarted}

	var gotSrc Source
	RunInState(context.Background(), p, events, interrupt, 0, func(src Source, msg *pipe.Message, ev umbilical.Event) Transition {
		gotSrc = src
		return Leave
	})

	if gotSrc != SourceUmbilical {
		t.Fatalf("expected SourceUmbilical, got %v", gotSrc)
	}
}

func TestRunInState_TimeoutIsTerminal(t *testing.T) {
	p := pipe.New()
	events := make(chan umbilical.Event)
	interrupt := NewTrigger()

	calls := 0
	RunInState(context.Background(), p, events, interrupt, 10*time.Millisecond, func(src Source, msg *pipe.Message, ev umbilical.Event) Transition {
		calls++
		if src != SourceTimeout {
			t.Errorf("expected SourceTimeout, got %v", src)
		}
		return Stay // even Stay must be overridden by the terminal timeout rule
	})

	if calls != 1 {
		t.Fatalf("expected exactly one handler call on timeout, got %d", calls)
	}
}

func TestRunInState_LeavesOnContextCancel(t *testing.T) {
	p := pipe.New()
	events := make(chan umbilical.Event)
	interrupt := NewTrigger()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	RunInState(ctx, p, events, interrupt, 0, func(src Source, msg *pipe.Message, ev umbilical.Event) Transition {
		called = true
		return Stay
	})

	if called {
		t.Fatal("expected a cancelled context to leave before invoking the handler")
	}
}

func TestRunInState_ClosedPipeLeaves(t *testing.T) {
	p := pipe.New()
	events := make(chan umbilical.Event)
	interrupt := NewTrigger()
	p.Close()

	called := false
	RunInState(context.Background(), p, events, interrupt, 0, func(src Source, msg *pipe.Message, ev umbilical.Event) Transition {
		called = true
		return Stay
	})
	if called {
		t.Fatal("a closed pipe should leave without invoking the handler")
	}
}

func TestTrigger_FireCoalesces(t *testing.T) {
	tr := NewTrigger()
	tr.Fire()
	tr.Fire()
	tr.Fire()

	select {
	case <-tr.C():
	default:
		t.Fatal("expected at least one pending wakeup")
	}
	select {
	case <-tr.C():
		t.Fatal("expected repeated Fire calls to coalesce into a single wakeup")
	default:
	}
}
