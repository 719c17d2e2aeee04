package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/observability"
	"github.com/nhle/reply-optimizer/internal/sessionlog"
	"github.com/nhle/reply-optimizer/internal/store"
	"github.com/nhle/reply-optimizer/internal/testutil"
)

const waitFor = 2 * time.Second

func testConfig() model.SessionConfig {
	return model.SessionConfig{
		SessionID: "s1",
		OwnerID:   "owner-1",
		Account: model.MailboxAccount{
			Address:  "support@shop.test",
			Username: "support",
			Password: "secret",
			IMAPHost: "imap.shop.test",
			IMAPPort: "993",
			SMTPHost: "smtp.shop.test",
			SMTPPort: "465",
			TLS:      true,
		},
		Instructions: "Answer politely.",
		PollInterval: 10 * time.Millisecond,
		Enabled:      true,
	}
}

func testOptions() model.WorkerConfig {
	return model.WorkerConfig{
		GenerationAttempts: 3,
		GenerationBackoff:  time.Millisecond,
		GenerationTimeout:  time.Second,
		SendAttempts:       2,
		SendRetryDelay:     time.Millisecond,
		SendTimeout:        time.Second,
		HistoryLimit:       20,
	}
}

type harness struct {
	transport *testutil.FakeTransport
	generator ai.Generator
	scripted  *testutil.ScriptedGenerator
	ledger    *ledger.Set
	sink      *testutil.RecordingSink
	stream    *sessionlog.Stream
	threads   store.ThreadStore
	metrics   *observability.Recorder

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	stream, err := sessionlog.NewStreams("", 200, nil).Open("s1")
	require.NoError(t, err)

	h := &harness{
		transport: testutil.NewFakeTransport(),
		scripted:  testutil.NewScriptedGenerator("Thanks, we are on it."),
		ledger:    ledger.New("s1", nil),
		sink:      &testutil.RecordingSink{},
		stream:    stream,
	}
	h.generator = h.scripted
	h.metrics = observability.Safe(h.sink, nil)
	return h
}

func (h *harness) build(t *testing.T) *Worker {
	t.Helper()

	w, err := New(testConfig(), testOptions(), Deps{
		Transport: h.transport,
		Generator: h.generator,
		Ledger:    h.ledger,
		Threads:   h.threads,
		Log:       h.stream,
		Metrics:   h.metrics,
	}, Hooks{
		OnState: func(s State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
	})
	require.NoError(t, err)
	return w
}

func (h *harness) start(t *testing.T) (*Worker, context.CancelFunc, <-chan error) {
	t.Helper()

	w := h.build(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return w, cancel, done
}

func (h *harness) recordedStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) outcomes() []model.Outcome {
	var out []model.Outcome
	for _, e := range h.sink.Events(observability.EventMessageProcessed) {
		out = append(out, e.Fields[observability.FieldOutcome].(model.Outcome))
	}
	return out
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RepliesToNewMessage(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueBatch(testutil.Message(1))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(1) }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.transport.Polls() >= 2 }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	outcome, ok := h.ledger.Outcome(1)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeSent, outcome)
	assert.Equal(t, 1, h.ledger.Len())

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m1@customer.test", sent[0].InReplyTo)
	assert.Equal(t, []string{"customer@customer.test"}, sent[0].To)
	assert.Equal(t, "support@shop.test", sent[0].From)
	assert.Equal(t, "Thanks, we are on it.", sent[0].Body)
	assert.Equal(t, []uint32{1}, h.transport.Seen())

	states := h.recordedStates()
	require.GreaterOrEqual(t, len(states), 5)
	assert.Equal(t, []State{StateConnecting, StatePolling, StateProcessing, StateSending, StatePolling}, states[:5])
	assert.Equal(t, StateTerminated, states[len(states)-1])

	sentLines := 0
	for _, line := range h.stream.Tail(0) {
		if strings.Contains(line, `"outcome":"sent"`) {
			sentLines++
		}
	}
	assert.Equal(t, 1, sentLines)

	assert.Len(t, h.sink.Events(observability.EventSessionConnect), 1)
	assert.Len(t, h.sink.Events(observability.EventSessionDisconnect), 1)
	assert.Equal(t, 1, h.transport.Closed())
}

func TestWorker_GenerationFailureSkipsMessage(t *testing.T) {
	h := newHarness(t)
	h.scripted.FailFor(2, &ai.GenerationError{Reason: ai.ReasonTimeout, Err: errors.New("model too slow")})
	h.transport.QueueBatch(testutil.Message(2)).QueueBatch(testutil.Message(3))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(3) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	outcome, _ := h.ledger.Outcome(2)
	assert.Equal(t, model.OutcomeFailedGeneration, outcome)
	assert.Equal(t, 3, h.scripted.CallsFor(2))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "m3@customer.test", sent[0].InReplyTo)

	events := h.sink.Events(observability.EventMessageProcessed)
	require.NotEmpty(t, events)
	assert.Equal(t, model.OutcomeFailedGeneration, events[0].Fields[observability.FieldOutcome])
	assert.Equal(t, "timeout", events[0].Fields[observability.FieldErrorKind])
	assert.Equal(t, 3, events[0].Fields[observability.FieldAttempts])
}

func TestWorker_FilteredReplyIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.scripted.FailFor(4, &ai.GenerationError{Reason: ai.ReasonFiltered, Err: errors.New("declined")})
	h.transport.QueueBatch(testutil.Message(4))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(4) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, 1, h.scripted.CallsFor(4))
	assert.Empty(t, h.transport.Sent())
}

func TestWorker_RedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueBatch(testutil.Message(1)).QueueBatch(testutil.Message(1))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.transport.Polls() >= 3 }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, 1, h.scripted.CallsFor(1))
	assert.Equal(t, 1, h.transport.SendCalls())
	assert.Equal(t, 1, h.ledger.Len())
	assert.Equal(t, []model.Outcome{model.OutcomeSent, model.OutcomeSkippedDuplicate}, h.outcomes())
}

func TestWorker_SendRetriedOnceOnNetworkError(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueSendError(&mailbox.NetworkError{Op: "send", Err: errors.New("reset")})
	h.transport.QueueBatch(testutil.Message(5))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(5) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	outcome, _ := h.ledger.Outcome(5)
	assert.Equal(t, model.OutcomeSent, outcome)
	assert.Equal(t, 2, h.transport.SendCalls())
	assert.Len(t, h.transport.Sent(), 1)
}

func TestWorker_SendFailureDoesNotBlockBatch(t *testing.T) {
	h := newHarness(t)
	netErr := &mailbox.NetworkError{Op: "send", Err: errors.New("reset")}
	h.transport.QueueSendError(netErr).QueueSendError(netErr)
	h.transport.QueueBatch(testutil.Message(5), testutil.Message(6))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(6) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	outcome, _ := h.ledger.Outcome(5)
	assert.Equal(t, model.OutcomeFailedSend, outcome)
	outcome, _ = h.ledger.Outcome(6)
	assert.Equal(t, model.OutcomeSent, outcome)
	assert.Equal(t, 3, h.transport.SendCalls())
}

func TestWorker_SendAuthErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueSendError(&mailbox.AuthError{Protocol: "smtp", Username: "support", Err: errors.New("535")})
	h.transport.QueueBatch(testutil.Message(7))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(7) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, 1, h.transport.SendCalls())
	events := h.sink.Events(observability.EventMessageProcessed)
	require.Len(t, events, 1)
	assert.Equal(t, KindAuth, events[0].Fields[observability.FieldErrorKind])
}

func TestWorker_RejectedReplyIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueSendError(&mailbox.SendError{Code: 550, Err: errors.New("mailbox unavailable")})
	h.transport.QueueBatch(testutil.Message(8))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Contains(8) }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	outcome, _ := h.ledger.Outcome(8)
	assert.Equal(t, model.OutcomeFailedSend, outcome)
	assert.Equal(t, 1, h.transport.SendCalls())
	events := h.sink.Events(observability.EventMessageProcessed)
	require.Len(t, events, 1)
	assert.Equal(t, KindSend, events[0].Fields[observability.FieldErrorKind])
}

func TestWorker_StopDuringSendFinishesMessage(t *testing.T) {
	h := newHarness(t)
	started, release := h.transport.HoldSends()
	h.transport.QueueBatch(testutil.Message(3))

	w, cancel, done := h.start(t)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("send never started")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("worker exited before its send finished")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("worker did not stop")
	}

	outcome, _ := h.ledger.Outcome(3)
	assert.Equal(t, model.OutcomeSent, outcome)
	assert.Len(t, h.transport.Sent(), 1)
	assert.Equal(t, StateTerminated, w.State())

	states := h.recordedStates()
	assert.Equal(t, []State{StateStopping, StateTerminated}, states[len(states)-2:])
}

type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, _ ai.Request) (*model.ReplyDraft, error) {
	g.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorker_StopDuringGenerationLeavesMessageUnprocessed(t *testing.T) {
	h := newHarness(t)
	gen := &blockingGenerator{started: make(chan struct{}, 1)}
	h.generator = gen
	h.transport.QueueBatch(testutil.Message(8))

	_, cancel, done := h.start(t)
	select {
	case <-gen.started:
	case <-time.After(waitFor):
		t.Fatal("generation never started")
	}
	stop(t, cancel, done)

	assert.False(t, h.ledger.Contains(8))
	assert.Empty(t, h.transport.Sent())
	assert.Equal(t, []model.Outcome{model.OutcomeFailedTransient}, h.outcomes())
}

func TestWorker_AuthErrorOnConnectIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueConnectError(&mailbox.AuthError{Protocol: "imap", Username: "support", Err: errors.New("NO")})
	w := h.build(t)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, mailbox.IsAuthError(err))
	assert.Equal(t, StateTerminated, w.State())
	assert.Zero(t, h.transport.Polls())
	assert.Zero(t, h.transport.Closed())
}

func TestWorker_TransientErrorsBackOff(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		h := newHarness(t)
		h.transport.QueueConnectError(&mailbox.NetworkError{Op: "dial", Err: errors.New("refused")})
		w := h.build(t)

		err := w.Run(context.Background())
		require.Error(t, err)
		assert.True(t, mailbox.IsNetworkError(err))
		assert.Equal(t, StateBackoff, w.State())
	})

	t.Run("poll", func(t *testing.T) {
		h := newHarness(t)
		h.transport.QueuePollError(&mailbox.NetworkError{Op: "search", Err: errors.New("reset")})
		w := h.build(t)

		err := w.Run(context.Background())
		require.Error(t, err)
		assert.False(t, mailbox.IsAuthError(err))
		assert.Equal(t, StateBackoff, w.State())
		assert.Equal(t, 1, h.transport.Closed())
	})
}

func TestWorker_FailingMetricsSinkDoesNotBlockProcessing(t *testing.T) {
	h := newHarness(t)
	h.metrics = observability.Safe(testutil.FailingSink{}, nil)
	h.transport.QueueBatch(testutil.Message(1), testutil.Message(2))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Len() == 2 }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	assert.Len(t, h.transport.Sent(), 2)
	assert.Positive(t, h.metrics.Dropped())
}

func TestWorker_ProcessesBatchInUIDOrder(t *testing.T) {
	h := newHarness(t)
	h.transport.QueueBatch(testutil.Message(9), testutil.Message(7), testutil.Message(8))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.ledger.Len() == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.transport.Polls() >= 2 }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	var order []string
	for _, m := range h.transport.Sent() {
		order = append(order, m.InReplyTo)
	}
	assert.Equal(t, []string{"m7@customer.test", "m8@customer.test", "m9@customer.test"}, order)
	assert.Equal(t, uint32(0), h.transport.Watermarks()[0])
	assert.Equal(t, uint32(9), h.transport.Watermarks()[1])
}

func TestWorker_CarriesThreadHistory(t *testing.T) {
	h := newHarness(t)
	threads := testutil.NewTestStore(t)
	h.threads = threads
	h.transport.QueueBatch(testutil.Message(1))

	_, cancel, done := h.start(t)
	require.Eventually(t, func() bool { return len(h.transport.Sent()) == 1 }, waitFor, 5*time.Millisecond)

	followUp := testutil.Message(2)
	followUp.InReplyTo = []string{h.transport.Sent()[0].MessageID}
	h.transport.QueueBatch(followUp)

	require.Eventually(t, func() bool { return len(h.transport.Sent()) == 2 }, waitFor, 5*time.Millisecond)
	stop(t, cancel, done)

	requests := h.scripted.Requests()
	require.Len(t, requests, 2)
	assert.Empty(t, requests[0].Conversation)
	require.Len(t, requests[1].Conversation, 2)
	assert.Equal(t, model.DirectionIncoming, requests[1].Conversation[0].Direction)
	assert.Equal(t, model.DirectionOutgoing, requests[1].Conversation[1].Direction)

	turns, err := threads.GetThread(context.Background(), "s1", "m1@customer.test", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), testOptions(), Deps{}, Hooks{})
	assert.Error(t, err)

	_, err = New(testConfig(), testOptions(), Deps{
		Transport: testutil.NewFakeTransport(),
		Generator: testutil.NewScriptedGenerator("hi"),
		Ledger:    ledger.New("other", nil),
	}, Hooks{})
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(42).String())
}
