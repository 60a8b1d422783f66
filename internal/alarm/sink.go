package alarm

import "go.uber.org/zap"

// LogSink emits every alarm as a structured zap log line. This is the
// always-on sink; other sinks (the Prometheus counters in
// internal/observability, the audit ledger in internal/ledger) are
// composed alongside it with MultiSink.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a Sink that logs through log.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Raise(a Alarm) {
	s.log.Warn("alarm raised",
		zap.String("severity", a.Severity.String()),
		zap.String("reason", string(a.Reason)),
		zap.String("subject", a.Subject),
		zap.String("message", a.Message),
	)
}

func (s *LogSink) Clear(subject string) {
	s.log.Info("alarm cleared", zap.String("subject", subject))
}

// MultiSink fans out every Raise/Clear call to all of its members, in
// order. A nil member is skipped.
type MultiSink struct {
	Sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) Raise(a Alarm) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Raise(a)
		}
	}
}

func (m *MultiSink) Clear(subject string) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Clear(subject)
		}
	}
}
