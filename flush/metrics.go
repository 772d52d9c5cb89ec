package flush

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type cycleMetrics struct {
	logger          *log.Logger
	start           time.Time
	executeDuration time.Duration
	persistDuration time.Duration
	invalidateDur   time.Duration
	trigger         string
}

func newCycleMetrics(logger *log.Logger, trigger string) *cycleMetrics {
	return &cycleMetrics{logger: logger, start: time.Now(), trigger: trigger}
}

func (m *cycleMetrics) ObserveExecute(d time.Duration) {
	if d <= 0 {
		return
	}
	m.executeDuration += d
}

func (m *cycleMetrics) ObservePersist(d time.Duration) {
	if d <= 0 {
		return
	}
	m.persistDuration += d
}

func (m *cycleMetrics) ObserveInvalidate(d time.Duration) {
	if d <= 0 {
		return
	}
	m.invalidateDur = d
}

func (m *cycleMetrics) Log(rep Report, span trace.Span) {
	if m == nil || m.logger == nil {
		return
	}
	fields := log.Fields{
		"trigger":       m.trigger,
		"total_ms":      durationToMillis(time.Since(m.start)),
		"attempted":     rep.Attempted,
		"succeeded":     rep.Succeeded,
		"retried":       rep.Retried,
		"dead_lettered": rep.DeadLettered,
		"remapped":      rep.Remapped,
		"remaining":     rep.Remaining,
		"stopped":       string(rep.Stopped),
	}
	if m.executeDuration > 0 {
		fields["execute_ms"] = durationToMillis(m.executeDuration)
	}
	if m.persistDuration > 0 {
		fields["persist_ms"] = durationToMillis(m.persistDuration)
	}
	if m.invalidateDur > 0 {
		fields["invalidate_ms"] = durationToMillis(m.invalidateDur)
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("commitflow.flush.trigger", m.trigger),
			attribute.Int("commitflow.flush.attempted", rep.Attempted),
			attribute.Int("commitflow.flush.succeeded", rep.Succeeded),
			attribute.Int("commitflow.flush.dead_lettered", rep.DeadLettered),
			attribute.Int("commitflow.flush.remaining", rep.Remaining),
			attribute.String("commitflow.flush.stopped", string(rep.Stopped)),
		)
	}
	m.logger.WithFields(fields).Info("sync.flush.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
