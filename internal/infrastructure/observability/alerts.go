package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert reports one operation that crossed a latency threshold.
type Alert struct {
	Severity    AlertSeverity `json:"severity"`
	Category    Category      `json:"category"`
	Label       string        `json:"label"`
	DurationMs  float64       `json:"durationMs"`
	ThresholdMs float64       `json:"thresholdMs"`
	OccurredAt  time.Time     `json:"occurredAt"`
}

// AlertSink delivers alerts somewhere outside the process.
type AlertSink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("category", string(alert.Category)),
		zap.String("label", alert.Label),
		zap.Float64("duration_ms", alert.DurationMs),
		zap.Float64("threshold_ms", alert.ThresholdMs),
	}
	if alert.Severity == SeverityCritical {
		s.Logger.Error("Critical slow operation", fields...)
	} else {
		s.Logger.Warn("Slow operation", fields...)
	}
	return nil
}

// Alerter fans alerts out to its sinks in the background. A slow or failing
// sink never delays the operation that raised the alert.
type Alerter struct {
	sinks     []AlertSink
	collector *Collector
	logger    *zap.Logger
	timeout   time.Duration
}

func NewAlerter(logger *zap.Logger, collector *Collector, sinks ...AlertSink) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		sinks:     sinks,
		collector: collector,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Notify returns immediately. A nil Alerter drops the alert.
func (a *Alerter) Notify(alert Alert) {
	if a == nil {
		return
	}
	a.collector.IncSlowOperation(alert.Category, alert.Severity)

	for _, sink := range a.sinks {
		go a.deliver(sink, alert)
	}
}

func (a *Alerter) deliver(sink AlertSink, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Alert sink panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := sink.Send(ctx, alert); err != nil {
		a.logger.Warn("Failed to deliver alert",
			zap.String("label", alert.Label),
			zap.Error(err))
	}
}

// SeverityFor classifies a duration: above criticalAfter is critical, from
// warnAfter up to criticalAfter inclusive is a warning. ok is false below
// warnAfter.
func SeverityFor(d, warnAfter, criticalAfter time.Duration) (AlertSeverity, bool) {
	switch {
	case d > criticalAfter:
		return SeverityCritical, true
	case d >= warnAfter:
		return SeverityWarning, true
	default:
		return "", false
	}
}
