package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/reply-optimizer/internal/model"
)

type failingSink struct{ calls int }

func (f *failingSink) Record(string, Fields) error {
	f.calls++
	return errors.New("statsd unreachable")
}

type panickingSink struct{}

func (panickingSink) Record(string, Fields) error { panic("boom") }

func TestRecorder_SwallowsFailures(t *testing.T) {
	failing := &failingSink{}
	r := Safe(failing, nil)

	assert.NotPanics(t, func() {
		r.Record(EventMessageProcessed, Fields{FieldOutcome: "sent"})
		r.Record(EventSessionConnect, nil)
	})
	assert.Equal(t, 2, failing.calls)
	assert.Equal(t, int64(2), r.Dropped())

	p := Safe(panickingSink{}, nil)
	assert.NotPanics(t, func() { p.Record(EventSMTPSend, nil) })
	assert.Equal(t, int64(1), p.Dropped())

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.Record(EventSMTPSend, nil) })
}

func TestMulti_JoinsErrors(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	err := Multi{a, Nop{}, b}.Record(EventSMTPSend, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.NoError(t, Multi{Nop{}}.Record(EventSMTPSend, nil))
}

func TestPrometheusSink_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Record(EventMessageProcessed, Fields{
		FieldOutcome: model.OutcomeSent,
		FieldLatency: 250 * time.Millisecond,
	}))
	require.NoError(t, sink.Record(EventMessageProcessed, Fields{
		FieldOutcome:   model.OutcomeFailedGeneration,
		FieldErrorKind: "timeout",
	}))
	require.NoError(t, sink.Record(EventAIGenerate, Fields{FieldStatus: "success", FieldTokens: 40}))
	require.NoError(t, sink.Record(EventSessionConnect, nil))
	require.NoError(t, sink.Record(EventSessionConnect, nil))
	require.NoError(t, sink.Record(EventSessionDisconnect, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.messagesProcessed.WithLabelValues("sent", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.messagesProcessed.WithLabelValues("failed_generation", "timeout")))
	assert.Equal(t, 40.0, testutil.ToFloat64(sink.aiTokens))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.sessionEvents.WithLabelValues(EventSessionConnect)))

	assert.Error(t, sink.Record("bogus", nil))

	_, err = NewPrometheusSink(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Record(EventSMTPSend, Fields{FieldStatus: "success"}))

	srv := NewServer(":0", sink.Handler(), func() any { return map[string]int{"running": 2} })
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string         `json:"status"`
		Sessions map[string]int `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Sessions["running"])

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	buf := new(strings.Builder)
	_, _ = io.Copy(buf, metrics.Body)
	assert.Contains(t, buf.String(), `reply_smtp_sends_total{status="success"} 1`)
}

func TestInitTracing(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), model.ObservabilityConfig{TraceExporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracing(context.Background(), model.ObservabilityConfig{TraceExporter: "zipkin"})
	assert.Error(t, err)

	ctx, span := StartSpan(context.Background(), SpanAIGenerate, "s1")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("failed"))
}
