package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink maps events onto Prometheus collectors.
type PrometheusSink struct {
	gatherer prometheus.Gatherer

	messagesProcessed *prometheus.CounterVec
	messageLatency    *prometheus.HistogramVec
	aiGenerations     *prometheus.CounterVec
	aiLatency         prometheus.Histogram
	aiTokens          prometheus.Counter
	smtpSends         *prometheus.CounterVec
	sessionEvents     *prometheus.CounterVec
	sessionsConnected prometheus.Gauge
}

// NewPrometheusSink registers its collectors with reg. Passing a fresh
// prometheus.NewRegistry keeps tests independent of the default registry.
func NewPrometheusSink(reg *prometheus.Registry) (*PrometheusSink, error) {
	s := &PrometheusSink{
		gatherer: reg,
		messagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_messages_processed_total",
				Help: "Total number of messages processed, by outcome",
			},
			[]string{"outcome", "error_kind"},
		),
		messageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reply_message_processing_seconds",
				Help:    "Time spent processing one message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		aiGenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_ai_generations_total",
				Help: "Total number of reply generation attempts, by status",
			},
			[]string{"status"},
		),
		aiLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reply_ai_generation_seconds",
				Help:    "Reply generation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		aiTokens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reply_ai_tokens_total",
				Help: "Total number of tokens generated",
			},
		),
		smtpSends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_smtp_sends_total",
				Help: "Total number of SMTP send attempts, by status",
			},
			[]string{"status"},
		),
		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reply_session_events_total",
				Help: "Session lifecycle events",
			},
			[]string{"event"},
		),
		sessionsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reply_sessions_connected",
				Help: "Number of sessions currently connected to their mailbox",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		s.messagesProcessed, s.messageLatency,
		s.aiGenerations, s.aiLatency, s.aiTokens,
		s.smtpSends, s.sessionEvents, s.sessionsConnected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	return s, nil
}

// Record implements Sink.
func (s *PrometheusSink) Record(event string, fields Fields) error {
	switch event {
	case EventMessageProcessed:
		outcome := stringField(fields, FieldOutcome)
		s.messagesProcessed.WithLabelValues(outcome, stringField(fields, FieldErrorKind)).Inc()
		if d, ok := fields[FieldLatency].(time.Duration); ok {
			s.messageLatency.WithLabelValues(outcome).Observe(d.Seconds())
		}

	case EventAIGenerate:
		s.aiGenerations.WithLabelValues(stringField(fields, FieldStatus)).Inc()
		if d, ok := fields[FieldLatency].(time.Duration); ok {
			s.aiLatency.Observe(d.Seconds())
		}
		if n, ok := fields[FieldTokens].(int); ok && n > 0 {
			s.aiTokens.Add(float64(n))
		}

	case EventSMTPSend:
		s.smtpSends.WithLabelValues(stringField(fields, FieldStatus)).Inc()

	case EventSessionConnect:
		s.sessionEvents.WithLabelValues(event).Inc()
		s.sessionsConnected.Inc()

	case EventSessionDisconnect:
		s.sessionEvents.WithLabelValues(event).Inc()
		s.sessionsConnected.Dec()

	case EventSessionBackoff, EventSessionFailed, EventSessionForcedStop:
		s.sessionEvents.WithLabelValues(event).Inc()

	default:
		return fmt.Errorf("unknown metrics event %q", event)
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

func stringField(fields Fields, key string) string {
	if v, ok := fields[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
