// Package worker runs the poll, generate and send loop of one session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/observability"
	"github.com/nhle/reply-optimizer/internal/sessionlog"
	"github.com/nhle/reply-optimizer/internal/store"
)

// Deps are the collaborators of a worker. Transport, Generator and Ledger
// are required; the rest may be nil.
type Deps struct {
	Transport mailbox.Transport
	Generator ai.Generator
	Ledger    *ledger.Set

	Threads store.ThreadStore
	Log     *sessionlog.Stream
	Metrics *observability.Recorder
	Logger  *slog.Logger
}

// Hooks let the owner follow the worker. Both are optional and are called
// from the worker goroutine.
type Hooks struct {
	OnState     func(State)
	OnConnected func()
}

// Worker drives one session. A Worker runs once; the session manager builds
// a new one for every restart.
type Worker struct {
	cfg   model.SessionConfig
	opts  model.WorkerConfig
	deps  Deps
	hooks Hooks

	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates an idle worker.
func New(cfg model.SessionConfig, opts model.WorkerConfig, deps Deps, hooks Hooks) (*Worker, error) {
	if deps.Transport == nil || deps.Generator == nil || deps.Ledger == nil {
		return nil, errors.New("worker needs a transport, a generator and a ledger")
	}
	if deps.Ledger.SessionID() != cfg.SessionID {
		return nil, fmt.Errorf("ledger of session %s handed to session %s", deps.Ledger.SessionID(), cfg.SessionID)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Log != nil {
		logger = deps.Log.Logger()
	}

	return &Worker{
		cfg:    cfg,
		opts:   opts,
		deps:   deps,
		hooks:  hooks,
		logger: logger.With("component", "worker"),
	}, nil
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(next State) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.mu.Unlock()

	if prev == next && next != StatePolling {
		return
	}
	if w.deps.Log != nil {
		w.deps.Log.Transition("worker", prev.String(), next.String())
	}
	if w.hooks.OnState != nil {
		w.hooks.OnState(next)
	}
}

// Run connects and loops until ctx is cancelled or a session-level error
// occurs. It returns nil after a cancellation, the *mailbox.AuthError when
// the mailbox rejects the credentials, and any other error when the session
// should be retried after a backoff.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateConnecting)

	if err := w.deps.Ledger.Hydrate(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("loading processed ledger failed, continuing with memory only", "error", err)
	}

	if err := w.deps.Transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return w.stopped()
		}
		w.logger.Error("mailbox connect failed", "error", err)
		return w.exit(fmt.Errorf("connecting to %s: %w", w.cfg.Account.IMAPAddr(), err))
	}
	defer w.disconnect()

	w.metric(observability.EventSessionConnect, observability.Fields{})
	w.logger.Info("mailbox connected", "mailbox", w.cfg.Account.Address)
	if w.hooks.OnConnected != nil {
		w.hooks.OnConnected()
	}

	for {
		w.setState(StatePolling)

		msgs, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.stopped()
			}
			w.logger.Error("mailbox poll failed", "error", err)
			return w.exit(fmt.Errorf("polling %s: %w", w.cfg.Account.Address, err))
		}

		if len(msgs) > 0 {
			w.setState(StateProcessing)
			for _, msg := range msgs {
				if ctx.Err() != nil {
					break
				}
				w.process(ctx, msg)
			}
		}

		if ctx.Err() != nil {
			return w.stopped()
		}
		if !w.idle(ctx) {
			return w.stopped()
		}
	}
}

func (w *Worker) poll(ctx context.Context) (msgs []model.EmailMessage, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanIMAPPoll, w.cfg.SessionID)
	defer func() { observability.EndSpan(span, err) }()

	msgs, err = w.deps.Transport.PollNewSince(ctx, w.deps.Ledger.Watermark())
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

// idle waits one poll interval. It reports false if ctx ended first.
func (w *Worker) idle(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) stopped() error {
	w.setState(StateStopping)
	w.logger.Info("worker stopping")
	w.setState(StateTerminated)
	return nil
}

// exit ends the run after a session-level failure. Authentication failures
// terminate the worker; everything else hands it to the manager's backoff.
func (w *Worker) exit(err error) error {
	if mailbox.IsAuthError(err) {
		w.setState(StateTerminated)
		return err
	}
	w.setState(StateBackoff)
	return err
}

func (w *Worker) disconnect() {
	if err := w.deps.Transport.Close(); err != nil {
		w.logger.Debug("closing mailbox", "error", err)
	}
	w.metric(observability.EventSessionDisconnect, observability.Fields{})
}

func (w *Worker) metric(event string, fields observability.Fields) {
	fields[observability.FieldSession] = w.cfg.SessionID
	w.deps.Metrics.Record(event, fields)
}
