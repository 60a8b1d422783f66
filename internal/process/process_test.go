package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dloman/gocapcom/internal/alarm"
	"github.com/dloman/gocapcom/internal/umbilical"
)

type fakeClient struct {
	launchErr  error
	processID  string
	pid        int
	stopErr    error
	events     chan umbilical.Event
	lastInput  []byte
	lastFD     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{processID: "agent-1", pid: 4242, events: make(chan umbilical.Event, 4)}
}

func (f *fakeClient) Launch(ctx context.Context, spec umbilical.LaunchSpec) (string, int, error) {
	if f.launchErr != nil {
		return "", 0, f.launchErr
	}
	return f.processID, f.pid, nil
}

func (f *fakeClient) Stop(ctx context.Context, spec umbilical.StopSpec) error { return f.stopErr }

func (f *fakeClient) SendInput(ctx context.Context, processID string, fd int, data []byte) error {
	f.lastFD = fd
	f.lastInput = data
	return nil
}

func (f *fakeClient) CloseFd(ctx context.Context, processID string, fd int) error { return nil }

func (f *fakeClient) SendTelemetryCommand(ctx context.Context, processID string, cmd []byte) error {
	return nil
}

func (f *fakeClient) Events() <-chan umbilical.Event { return f.events }
func (f *fakeClient) Close() error                   { return nil }

func TestNew_DefaultsLaunchTimeout(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	if p.LaunchTimeout != 10*time.Second {
		t.Fatalf("expected default LaunchTimeout of 10s, got %s", p.LaunchTimeout)
	}
	if p.RestartDelay() != time.Second {
		t.Fatalf("expected initial restart delay of 1s, got %s", p.RestartDelay())
	}
}

func TestLaunch_SuccessMarksRunning(t *testing.T) {
	p := New("sub", Config{Name: "proc", Variant: Static})
	client := newFakeClient()

	if err := p.Launch(context.Background(), client); err != nil {
		t.Fatalf("unexpected launch error: %v", err)
	}
	if !p.Running() {
		t.Fatal("expected process to be running after a successful launch")
	}
	if p.ProcessID() != "agent-1" || p.PID() != 4242 {
		t.Fatalf("unexpected process id/pid: %q/%d", p.ProcessID(), p.PID())
	}
	if !p.MaybeConnected() {
		t.Fatal("expected MaybeConnected to be set after launch")
	}
}

func TestLaunch_ErrorPropagates(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	client := newFakeClient()
	client.launchErr = errors.New("agent unreachable")

	if err := p.Launch(context.Background(), client); err == nil {
		t.Fatal("expected launch error to propagate")
	}
	if p.Running() {
		t.Fatal("a failed launch must not mark the process running")
	}
}

func TestStop_NoopWhenNotLaunched(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	client := newFakeClient()
	if err := p.Stop(context.Background(), client); err != nil {
		t.Fatalf("expected Stop to be a no-op before any launch, got %v", err)
	}
}

func TestObserveExit_ClearsRunningAndMaybeConnected(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	client := newFakeClient()
	_ = p.Launch(context.Background(), client)

	p.ObserveExit(1, 9)

	if p.Running() {
		t.Fatal("expected Running to be false after ObserveExit")
	}
	if p.MaybeConnected() {
		t.Fatal("expected MaybeConnected to be cleared after ObserveExit")
	}
	status, signal, exited := p.ExitInfo()
	if !exited || status != 1 || signal != 9 {
		t.Fatalf("unexpected exit info: status=%d signal=%d exited=%v", status, signal, exited)
	}
}

func TestRestartDelay_DoublesAndCaps(t *testing.T) {
	p := New("sub", Config{Name: "proc"})

	prev := p.IncRestartDelay()
	if prev != time.Second {
		t.Fatalf("expected first call to return the floor 1s, got %s", prev)
	}
	if p.RestartDelay() != 2*time.Second {
		t.Fatalf("expected delay to double to 2s, got %s", p.RestartDelay())
	}

	// Keep doubling past the 32s cap.
	for i := 0; i < 10; i++ {
		p.IncRestartDelay()
	}
	if p.RestartDelay() != 32*time.Second {
		t.Fatalf("expected delay to cap at 32s, got %s", p.RestartDelay())
	}

	p.ResetRestartDelay()
	if p.RestartDelay() != time.Second {
		t.Fatalf("expected ResetRestartDelay to return to the 1s floor, got %s", p.RestartDelay())
	}
}

func TestNumRestarts_IncAndReset(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	if p.IncNumRestarts() != 1 {
		t.Fatal("expected first increment to return 1")
	}
	if p.IncNumRestarts() != 2 {
		t.Fatal("expected second increment to return 2")
	}
	p.ResetNumRestarts()
	if p.NumRestarts() != 0 {
		t.Fatalf("expected NumRestarts to be 0 after reset, got %d", p.NumRestarts())
	}
}

func TestAlarmLatch_RaiseAndClear(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	sink := alarm.NopSink{}

	p.RaiseAlarm(sink, alarm.SeverityError, alarm.ReasonProcessCrash, "boom")
	if p.CurrentAlarm() == nil {
		t.Fatal("expected a current alarm after RaiseAlarm")
	}
	if p.AlarmCount() != 1 {
		t.Fatalf("expected alarm count 1, got %d", p.AlarmCount())
	}
	p.ClearAlarm(sink)
	if p.CurrentAlarm() != nil {
		t.Fatal("expected no current alarm after ClearAlarm")
	}
}

func TestSendTelemetryCommand_RefusedWhenNotEnabled(t *testing.T) {
	p := New("sub", Config{Name: "proc", Telemetry: false})
	client := newFakeClient()
	_ = p.Launch(context.Background(), client)

	if err := p.SendTelemetryCommand(context.Background(), client, []byte("x")); err == nil {
		t.Fatal("expected an error when telemetry is not enabled")
	}
}

func TestSendInput_RequiresRunningProcess(t *testing.T) {
	p := New("sub", Config{Name: "proc"})
	client := newFakeClient()
	if err := p.SendInput(context.Background(), client, 0, []byte("x")); err == nil {
		t.Fatal("expected an error when sending input to a process that was never launched")
	}
}
