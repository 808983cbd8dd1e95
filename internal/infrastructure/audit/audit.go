// Package audit records structured security-relevant events.
//
// Every admission decision, auth decision, backend selection failure,
// circuit breaker transition and session lifecycle event flows through a
// Sink. The default sink writes through zap so audit records share the
// process log pipeline; deployments with a dedicated audit store plug in
// their own Sink.
package audit

import (
	"time"

	"go.uber.org/zap"

	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

// Severity classifies how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome records whether the audited action was permitted.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is one structured audit record.
type Event struct {
	Timestamp time.Time
	Severity  Severity
	Source    string // component that emitted the event
	Action    string // e.g. "admit", "authenticate", "breaker-open"
	Outcome   Outcome
	Risk      int // 0-100, coarse risk score for downstream triage
	Subject   string
	Address   string
	Detail    string
	Fields    map[string]interface{}
}

// Sink accepts audit events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	Record(event Event)
}

// LogSink writes audit events through the process logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a Sink backed by the given logger.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

// Record writes one event at a level matching its severity.
func (s *LogSink) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.Time("at", event.Timestamp),
		zap.String("source", event.Source),
		zap.String("action", event.Action),
		zap.String("outcome", string(event.Outcome)),
		zap.Int("risk", event.Risk),
	}
	if event.Subject != "" {
		fields = append(fields, zap.String("subject", event.Subject))
	}
	if event.Address != "" {
		fields = append(fields, zap.String("address", event.Address))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch event.Severity {
	case SeverityCritical:
		s.logger.Error("audit", fields...)
	case SeverityWarning:
		s.logger.Warn("audit", fields...)
	default:
		s.logger.Info("audit", fields...)
	}
}

// NopSink discards all events, useful in tests.
type NopSink struct{}

func (NopSink) Record(Event) {}
