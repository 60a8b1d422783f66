package umbilical

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClient struct {
	events  chan Event
	closed  bool
}

func newFakeClient() *fakeClient { return &fakeClient{events: make(chan Event, 8)} }

func (f *fakeClient) Launch(ctx context.Context, spec LaunchSpec) (string, int, error) {
	return "pid-1", 1, nil
}
func (f *fakeClient) Stop(ctx context.Context, spec StopSpec) error               { return nil }
func (f *fakeClient) SendInput(ctx context.Context, id string, fd int, d []byte) error { return nil }
func (f *fakeClient) CloseFd(ctx context.Context, id string, fd int) error        { return nil }
func (f *fakeClient) SendTelemetryCommand(ctx context.Context, id string, c []byte) error {
	return nil
}
func (f *fakeClient) Events() <-chan Event { return f.events }
func (f *fakeClient) Close() error         { f.closed = true; return nil }

type fakeDialer struct {
	client  *fakeClient
	dialErr error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, compute string) (AgentClient, error) {
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func TestAddReference_DialsOnFirstCallOnly(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	u := New("compute-a", dialer, zap.NewNop())

	if err := u.AddReference(context.Background()); err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	if !u.Connected() || u.RefCount() != 1 {
		t.Fatalf("expected connected with refcount 1, got connected=%v refs=%d", u.Connected(), u.RefCount())
	}

	if err := u.AddReference(context.Background()); err != nil {
		t.Fatalf("unexpected error on second AddReference: %v", err)
	}
	if u.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after second reference, got %d", u.RefCount())
	}
	if dialer.dials != 1 {
		t.Fatalf("expected exactly one dial for two references, got %d", dialer.dials)
	}
}

func TestAddReference_DialFailureLeavesRefcountZero(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	u := New("compute-a", dialer, zap.NewNop())

	if err := u.AddReference(context.Background()); err == nil {
		t.Fatal("expected dial failure to propagate")
	}
	if u.Connected() || u.RefCount() != 0 {
		t.Fatalf("expected no partial reference on dial failure, got connected=%v refs=%d", u.Connected(), u.RefCount())
	}
}

func TestRemoveReference_TeardownAtZero(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	u := New("compute-a", dialer, zap.NewNop())

	_ = u.AddReference(context.Background())
	_ = u.AddReference(context.Background())

	if u.RemoveReference() {
		t.Fatal("expected RemoveReference to report no teardown while refs remain")
	}
	if !u.RemoveReference() {
		t.Fatal("expected RemoveReference to report teardown when refcount reaches zero")
	}
	if u.Connected() {
		t.Fatal("expected Connected to be false after teardown")
	}
	if !client.closed {
		t.Fatal("expected the underlying client to be closed on teardown")
	}
}

func TestMarkDisconnected_ForcesTeardown(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	u := New("compute-a", dialer, zap.NewNop())
	_ = u.AddReference(context.Background())

	u.MarkDisconnected()

	if u.Connected() {
		t.Fatal("expected Connected to be false after MarkDisconnected")
	}
	if !client.closed {
		t.Fatal("expected the client to be closed after MarkDisconnected")
	}
}

func TestEvents_StampedWithComputeAndForwarded(t *testing.T) {
	client := newFakeClient()
	dialer := &fakeDialer{client: client}
	u := New("compute-a", dialer, zap.NewNop())
	_ = u.AddReference(context.Background())

	client.events <- Event{Kind: EventProcessStarted, ProcessID: "pid-1"}

	select {
	case ev := <-u.Events():
		if ev.Compute != "compute-a" {
			t.Fatalf("expected event to be stamped with the owning compute, got %q", ev.Compute)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the forwarded event")
	}
}

func TestEvents_NilBeforeFirstConnect(t *testing.T) {
	u := New("compute-a", &fakeDialer{client: newFakeClient()}, zap.NewNop())
	if u.Events() != nil {
		t.Fatal("expected Events() to be nil before any AddReference")
	}
}
