package alarm

import "testing"

type recordingSink struct {
	raised []Alarm
	cleared []string
}

func (r *recordingSink) Raise(a Alarm)     { r.raised = append(r.raised, a) }
func (r *recordingSink) Clear(subject string) { r.cleared = append(r.cleared, subject) }

func TestLatch_RaiseReplacesPriorAndForwards(t *testing.T) {
	sink := &recordingSink{}
	l := NewLatch("sub1")

	l.Raise(sink, SeverityWarning, ReasonProcessCrash, "first")
	l.Raise(sink, SeverityCritical, ReasonRestartLimit, "second")

	if len(sink.raised) != 2 {
		t.Fatalf("expected 2 raises forwarded, got %d", len(sink.raised))
	}
	cur := l.Current()
	if cur == nil || cur.Message != "second" {
		t.Fatalf("expected current alarm to be the latest raise, got %+v", cur)
	}
	if l.Count() != 2 {
		t.Fatalf("expected count 2, got %d", l.Count())
	}
}

func TestLatch_ClearNoopWhenNotRaised(t *testing.T) {
	sink := &recordingSink{}
	l := NewLatch("sub1")
	l.Clear(sink)
	if len(sink.cleared) != 0 {
		t.Fatalf("expected no Clear forwarded when nothing was raised, got %d", len(sink.cleared))
	}
}

func TestLatch_ClearForwardsAndResetsCurrent(t *testing.T) {
	sink := &recordingSink{}
	l := NewLatch("sub1")
	l.Raise(sink, SeverityError, ReasonUmbilicalDown, "down")
	l.Clear(sink)

	if l.Current() != nil {
		t.Fatalf("expected Current to be nil after Clear, got %+v", l.Current())
	}
	if len(sink.cleared) != 1 || sink.cleared[0] != "sub1" {
		t.Fatalf("expected Clear forwarded with subject sub1, got %v", sink.cleared)
	}
	// ResetCount does not touch Clear state but zeroes the counter.
	if l.Count() != 1 {
		t.Fatalf("expected count 1 before reset, got %d", l.Count())
	}
	l.ResetCount()
	if l.Count() != 0 {
		t.Fatalf("expected count 0 after ResetCount, got %d", l.Count())
	}
}

func TestMultiSink_FansOutToEveryMember(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := NewMultiSink(a, nil, b)

	m.Raise(Alarm{Subject: "x", Message: "boom"})
	m.Clear("x")

	if len(a.raised) != 1 || len(b.raised) != 1 {
		t.Fatalf("expected both sinks to receive the raise, got a=%d b=%d", len(a.raised), len(b.raised))
	}
	if len(a.cleared) != 1 || len(b.cleared) != 1 {
		t.Fatalf("expected both sinks to receive the clear, got a=%d b=%d", len(a.cleared), len(b.cleared))
	}
}

func TestNopSink_DiscardsSilently(t *testing.T) {
	var s Sink = NopSink{}
	s.Raise(Alarm{Subject: "x"})
	s.Clear("x")
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{
		SeverityWarning:  "WARNING",
		SeverityError:    "ERROR",
		SeverityCritical: "CRITICAL",
	}
	for sev, want := range cases {
		if got := sev.String(); got != want {
			t.Errorf("Severity(%d).String() = %q, want %q", sev, got, want)
		}
	}
}
