package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/observability"
)

// Error kinds reported in processing records.
const (
	KindCancelled = "cancelled"
	KindAuth      = "auth"
	KindNetwork   = "network"
	KindSend      = "send"
)

// process handles one message. Message-level failures are recorded and
// absorbed here; nothing escapes to the loop.
func (w *Worker) process(ctx context.Context, msg model.EmailMessage) {
	rec := model.ProcessingRecord{
		SessionID: w.cfg.SessionID,
		UID:       msg.UID,
		MessageID: msg.MessageID,
		StartedAt: time.Now(),
	}

	if w.deps.Ledger.Contains(msg.UID) {
		rec.Outcome = model.OutcomeSkippedDuplicate
		w.finish(rec)
		return
	}

	w.setState(StateProcessing)
	threadID, history := w.thread(ctx, msg)
	rec.ThreadID = threadID

	draft, attempts, err := w.generate(ctx, msg, history)
	rec.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			// Not recorded in the ledger: the message is offered again on the
			// next start.
			rec.Outcome = model.OutcomeFailedTransient
			rec.ErrorKind = KindCancelled
			rec.Error = err.Error()
			w.finish(rec)
			return
		}
		rec.Outcome = model.OutcomeFailedGeneration
		rec.ErrorKind = generationKind(err)
		rec.Error = err.Error()
		w.settle(ctx, rec)
		return
	}
	rec.Tokens = draft.Tokens
	rec.GenerationLatency = draft.Latency

	w.remember(ctx, model.ThreadTurn{
		ThreadID:  threadID,
		MessageID: msg.MessageID,
		Direction: model.DirectionIncoming,
		Sender:    msg.From,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})

	w.setState(StateSending)
	reply := mailbox.BuildReply(msg, w.cfg.Account.Address, draft.Text)

	// The send step runs to completion even after a stop request.
	sendCtx := context.WithoutCancel(ctx)
	sendAttempts, err := w.send(sendCtx, reply)
	rec.Attempts += sendAttempts
	if err != nil {
		rec.Outcome = model.OutcomeFailedSend
		rec.ErrorKind = sendKind(err)
		rec.Error = err.Error()
		w.settle(sendCtx, rec)
		return
	}

	rec.Outcome = model.OutcomeSent
	w.settle(sendCtx, rec)

	w.remember(sendCtx, model.ThreadTurn{
		ThreadID:  threadID,
		MessageID: reply.MessageID,
		Direction: model.DirectionOutgoing,
		Sender:    reply.From,
		Subject:   reply.Subject,
		Body:      reply.Body,
	})
}

// settle adds a final outcome to the ledger, acknowledges the message on
// the server and emits the record.
func (w *Worker) settle(ctx context.Context, rec model.ProcessingRecord) {
	added, err := w.deps.Ledger.Record(ctx, rec.UID, rec.Outcome)
	if err != nil {
		w.logger.Warn("persisting ledger entry failed", "uid", rec.UID, "error", err)
	}
	if !added {
		w.logger.Warn("message already in ledger", "uid", rec.UID)
	}

	if flagger, ok := w.deps.Transport.(mailbox.Flagger); ok {
		if err := flagger.MarkSeen(ctx, rec.UID); err != nil {
			w.logger.Debug("marking message seen failed", "uid", rec.UID, "error", err)
		}
	}

	w.finish(rec)
}

// finish writes rec to the session log and the metrics sink.
func (w *Worker) finish(rec model.ProcessingRecord) {
	rec.FinishedAt = time.Now()

	if w.deps.Log != nil {
		w.deps.Log.Record(rec)
	} else {
		w.logger.Info("message processed", "uid", rec.UID, "outcome", rec.Outcome, "error_kind", rec.ErrorKind)
	}

	w.metric(observability.EventMessageProcessed, observability.Fields{
		observability.FieldOutcome:   rec.Outcome,
		observability.FieldErrorKind: rec.ErrorKind,
		observability.FieldLatency:   rec.Latency(),
		observability.FieldTokens:    rec.Tokens,
		observability.FieldAttempts:  rec.Attempts,
	})
}

// thread finds the conversation msg belongs to and returns its recent
// history. History lookups are best-effort.
func (w *Worker) thread(ctx context.Context, msg model.EmailMessage) (string, []model.ThreadTurn) {
	threadID := msg.MessageID
	if threadID == "" {
		threadID = fmt.Sprintf("uid-%d", msg.UID)
	}
	if w.deps.Threads == nil {
		return threadID, nil
	}

	candidates := append([]string(nil), msg.InReplyTo...)
	for i := len(msg.References) - 1; i >= 0; i-- {
		candidates = append(candidates, msg.References[i])
	}
	for _, id := range candidates {
		found, ok, err := w.deps.Threads.ResolveThread(ctx, w.cfg.SessionID, id)
		if err != nil {
			w.logger.Warn("resolving thread failed", "message_id", id, "error", err)
			break
		}
		if ok {
			threadID = found
			break
		}
	}

	history, err := w.deps.Threads.GetThread(ctx, w.cfg.SessionID, threadID, 0)
	if err != nil {
		w.logger.Warn("loading thread history failed", "thread_id", threadID, "error", err)
		return threadID, nil
	}
	return threadID, ai.TrimConversation(history, w.opts.HistoryLimit)
}

func (w *Worker) remember(ctx context.Context, turn model.ThreadTurn) {
	if w.deps.Threads == nil {
		return
	}
	turn.SessionID = w.cfg.SessionID
	if err := w.deps.Threads.AppendTurn(ctx, turn); err != nil {
		w.logger.Warn("saving thread turn failed", "thread_id", turn.ThreadID, "error", err)
	}
}

// generate asks the generator for a reply, retrying retryable failures with
// a short exponential backoff up to the configured number of attempts.
func (w *Worker) generate(
	ctx context.Context,
	msg model.EmailMessage,
	history []model.ThreadTurn,
) (*model.ReplyDraft, int, error) {
	req := ai.Request{
		SessionID:    w.cfg.SessionID,
		Instructions: w.cfg.Instructions,
		Message:      msg,
		Conversation: history,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.opts.GenerationBackoff
	policy.MaxInterval = 8 * w.opts.GenerationBackoff

	attempts := 0
	draft, err := backoff.Retry(ctx, func() (*model.ReplyDraft, error) {
		attempts++
		d, err := w.generateOnce(ctx, req)
		if err != nil && !w.retryableGeneration(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return d, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(w.opts.GenerationAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("reply generation failed, retrying", "uid", msg.UID, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, attempts, err
	}
	return draft, attempts, nil
}

func (w *Worker) generateOnce(ctx context.Context, req ai.Request) (draft *model.ReplyDraft, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanAIGenerate, w.cfg.SessionID,
		attribute.Int64("uid", int64(req.Message.UID)))
	defer func() { observability.EndSpan(span, err) }()

	if w.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.GenerationTimeout)
		defer cancel()
	}

	start := time.Now()
	draft, err = w.deps.Generator.Generate(ctx, req)

	fields := observability.Fields{observability.FieldLatency: time.Since(start)}
	if err != nil {
		fields[observability.FieldStatus] = generationKind(err)
	} else {
		fields[observability.FieldStatus] = "success"
		fields[observability.FieldTokens] = draft.Tokens
		if draft.Latency == 0 {
			draft.Latency = time.Since(start)
		}
	}
	w.metric(observability.EventAIGenerate, fields)
	return draft, err
}

// retryableGeneration reports whether a failed attempt is worth repeating.
// Every failure is, except a model that declined to answer and the
// session's own cancellation.
func (w *Worker) retryableGeneration(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return ai.ReasonOf(err) != ai.ReasonFiltered
}

// send delivers reply, retrying network failures once per remaining
// attempt. ctx is expected to be detached from the worker's cancellation.
func (w *Worker) send(ctx context.Context, reply model.OutgoingMessage) (int, error) {
	if w.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.SendTimeout)
		defer cancel()
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := w.sendOnce(ctx, reply)
		if err != nil && !mailbox.IsNetworkError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.opts.SendRetryDelay)),
		backoff.WithMaxTries(uint(max(w.opts.SendAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
	}
	return attempts, err
}

func (w *Worker) sendOnce(ctx context.Context, reply model.OutgoingMessage) (err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanSMTPSend, w.cfg.SessionID)
	defer func() { observability.EndSpan(span, err) }()

	err = w.deps.Transport.Send(ctx, reply)

	status := "success"
	if err != nil {
		status = sendKind(err)
	}
	w.metric(observability.EventSMTPSend, observability.Fields{observability.FieldStatus: status})
	return err
}

func generationKind(err error) string {
	var genErr *ai.GenerationError
	switch {
	case errors.As(err, &genErr):
		return string(genErr.Reason)
	case errors.Is(err, context.DeadlineExceeded):
		return string(ai.ReasonTimeout)
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return string(ai.ReasonProvider)
}

func sendKind(err error) string {
	switch {
	case mailbox.IsAuthError(err):
		return KindAuth
	case mailbox.IsNetworkError(err):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return KindSend
}
