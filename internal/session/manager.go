// Package session owns the registry of running sessions and supervises
// their workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/reply-optimizer/internal/ai"
	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/observability"
	"github.com/nhle/reply-optimizer/internal/sessionlog"
	"github.com/nhle/reply-optimizer/internal/store"
	"github.com/nhle/reply-optimizer/internal/worker"
)

// GeneratorFactory builds the reply generator for one worker incarnation.
type GeneratorFactory func(ctx context.Context, cfg model.SessionConfig) (ai.Generator, error)

// Options configures a Manager. Transports and Generators are required.
type Options struct {
	Manager model.ManagerConfig
	Worker  model.WorkerConfig

	Transports mailbox.Factory
	Generators GeneratorFactory

	// Ledger persists processed sets; nil keeps them in memory.
	Ledger ledger.Backend
	// Threads stores conversation history; nil disables it.
	Threads store.ThreadStore
	// Logs holds the per-session streams; nil keeps them in memory.
	Logs *sessionlog.Streams

	Metrics *observability.Recorder
	Logger  *slog.Logger
}

// Manager is the session registry. Every mutation of an entry happens under
// the registry lock; workers only report back through callbacks that check
// they still belong to the current incarnation.
type Manager struct {
	opts   Options
	policy BackoffPolicy
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	cfg    model.SessionConfig
	status model.SessionStatus

	// incarnation increases every time a worker is launched or abandoned;
	// callbacks from older incarnations are ignored.
	incarnation uint64
	cancel      context.CancelFunc
	done        chan struct{}
	transport   mailbox.Transport
	retry       *time.Timer

	ledger *ledger.Set
	stream *sessionlog.Stream

	failures         int
	internalFailures int

	// stopped is closed once a stop has removed the entry.
	stopped chan struct{}
	final   model.SessionStatus
}

// NewManager creates an empty registry.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transports == nil || opts.Generators == nil {
		return nil, errors.New("session manager needs a transport factory and a generator factory")
	}
	policy := PolicyFromConfig(opts.Manager)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Logs == nil {
		opts.Logs = sessionlog.NewStreams("", 0, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		opts:    opts,
		policy:  policy,
		logger:  opts.Logger.With("component", "session_manager"),
		entries: make(map[string]*entry),
	}, nil
}

// Start validates cfg and launches a worker for it. Starting a session that
// is already live returns its id without launching a second worker. A
// Failed session is launched again with cfg.
func (m *Manager) Start(ctx context.Context, cfg model.SessionConfig) (string, error) {
	return m.start(ctx, cfg, nil)
}

func (m *Manager) start(_ context.Context, cfg model.SessionConfig, keep *ledger.Set) (string, error) {
	if err := m.validate(cfg); err != nil {
		return cfg.SessionID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return cfg.SessionID, ErrClosed
	}

	e, ok := m.entries[cfg.SessionID]
	if ok {
		switch {
		case e.status.Status.Live():
			return cfg.SessionID, nil
		case e.status.Status == model.StatusStopping:
			return cfg.SessionID, ErrStopping
		}
		// Failed: an explicit start retries with the new configuration.
		e.cfg = cfg
		e.failures = 0
		e.internalFailures = 0
		e.status.Restarts = 0
		e.status.LastError = ""
	} else {
		var err error
		e, err = m.newEntry(cfg, keep)
		if err != nil {
			return cfg.SessionID, err
		}
		m.entries[cfg.SessionID] = e
	}

	m.transition(e, model.StatusStarting, nil)
	m.launch(e)
	m.logger.Info("session started", "session_id", cfg.SessionID, "mailbox", cfg.Account.Address)
	return cfg.SessionID, nil
}

func (m *Manager) newEntry(cfg model.SessionConfig, keep *ledger.Set) (*entry, error) {
	stream, err := m.opts.Logs.Open(cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("opening log stream for session %s: %w", cfg.SessionID, err)
	}

	set := keep
	if set == nil {
		set = ledger.New(cfg.SessionID, m.opts.Ledger)
	}

	now := time.Now()
	return &entry{
		cfg: cfg,
		status: model.SessionStatus{
			SessionID: cfg.SessionID,
			OwnerID:   cfg.OwnerID,
			Mailbox:   cfg.Account.Address,
			Status:    model.StatusStopped,
			StartedAt: now,
			UpdatedAt: now,
		},
		ledger:  set,
		stream:  stream,
		stopped: make(chan struct{}),
	}, nil
}

// validate checks the parts of cfg a worker cannot run without.
func (m *Manager) validate(cfg model.SessionConfig) error {
	var problems []string
	if cfg.SessionID == "" {
		problems = append(problems, "session id is empty")
	}
	if cfg.Account.Address == "" {
		problems = append(problems, "mailbox address is empty")
	}
	if cfg.Account.IMAPHost == "" || cfg.Account.IMAPPort == "" {
		problems = append(problems, "IMAP endpoint is incomplete")
	}
	if cfg.Account.SMTPHost == "" || cfg.Account.SMTPPort == "" {
		problems = append(problems, "SMTP endpoint is incomplete")
	}
	if cfg.Account.Password == "" {
		problems = append(problems, "mailbox credentials are missing")
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		problems = append(problems, "reply instructions are empty")
	}
	lo, hi := m.opts.Manager.MinPollInterval, m.opts.Manager.MaxPollInterval
	if cfg.PollInterval < lo || (hi > 0 && cfg.PollInterval > hi) {
		problems = append(problems, fmt.Sprintf("poll interval %s outside [%s, %s]", cfg.PollInterval, lo, hi))
	}

	if len(problems) > 0 {
		return &ConfigError{SessionID: cfg.SessionID, Err: errors.New(strings.Join(problems, "; "))}
	}
	return nil
}

// transition moves e to status to. Disallowed moves are logged and ignored.
// Must be called with m.mu held.
func (m *Manager) transition(e *entry, to model.Status, cause error) bool {
	from := e.status.Status
	if !model.CanTransition(from, to) {
		m.logger.Error("refusing session status transition",
			"session_id", e.cfg.SessionID, "from", from, "to", to)
		return false
	}

	e.status.Status = to
	e.status.UpdatedAt = time.Now()
	if to != model.StatusRunning {
		e.status.RunningSince = time.Time{}
	}
	if to != model.StatusBackoff {
		e.status.NextRetryAt = time.Time{}
	}

	args := []any{}
	if cause != nil {
		e.status.LastError = cause.Error()
		args = append(args, "error", cause.Error())
	}
	e.stream.Transition("session", string(from), string(to), args...)
	return true
}

// launch starts a new worker incarnation for e. Must be called with m.mu
// held and e in Starting.
func (m *Manager) launch(e *entry) {
	e.incarnation++
	inc := e.incarnation

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.transport = nil
	e.retry = nil

	cfg := e.cfg
	go func() {
		defer close(done)
		err := m.runWorker(ctx, e, inc, cfg)
		cancel()
		m.exited(e, inc, err)
	}()
}

// runWorker builds the collaborators of one incarnation and runs it. Panics
// become InternalErrors.
func (m *Manager) runWorker(ctx context.Context, e *entry, inc uint64, cfg model.SessionConfig) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &InternalError{Err: fmt.Errorf("worker panic: %v", p)}
		}
	}()

	transport, err := m.opts.Transports(cfg.Account)
	if err != nil {
		return &InternalError{Err: fmt.Errorf("building mailbox transport: %w", err)}
	}
	if !m.attach(e, inc, transport) {
		_ = transport.Close()
		return nil
	}

	generator, err := m.opts.Generators(ctx, cfg)
	if err != nil {
		_ = transport.Close()
		return &ConfigError{SessionID: cfg.SessionID, Err: err}
	}

	w, err := worker.New(cfg, m.opts.Worker, worker.Deps{
		Transport: transport,
		Generator: generator,
		Ledger:    e.ledger,
		Threads:   m.opts.Threads,
		Log:       e.stream,
		Metrics:   m.opts.Metrics,
	}, worker.Hooks{
		OnState:     func(s worker.State) { m.workerState(e, inc, s) },
		OnConnected: func() { m.connected(e, inc) },
	})
	if err != nil {
		return &InternalError{Err: err}
	}
	return w.Run(ctx)
}

// attach records the transport of the current incarnation so a forced stop
// can close it.
func (m *Manager) attach(e *entry, inc uint64, t mailbox.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.incarnation != inc {
		return false
	}
	e.transport = t
	return true
}

func (m *Manager) workerState(e *entry, inc uint64, s worker.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.incarnation == inc {
		e.status.WorkerState = s.String()
	}
}

func (m *Manager) connected(e *entry, inc uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.incarnation != inc || e.status.Status != model.StatusStarting {
		return
	}
	if m.transition(e, model.StatusRunning, nil) {
		e.status.RunningSince = time.Now()
	}
}

// exited applies the supervision policy after an incarnation ends on its
// own.
func (m *Manager) exited(e *entry, inc uint64, err error) {
	event, fields := m.settleExit(e, inc, err)
	if event != "" {
		m.opts.Metrics.Record(event, fields)
	}
}

// settleExit moves e to Failed or Backoff after its worker exited and
// returns the event to record once m.mu is released.
func (m *Manager) settleExit(e *entry, inc uint64, err error) (string, observability.Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.incarnation != inc || !e.status.Status.Live() {
		// Stopped, or replaced by a newer incarnation.
		return "", nil
	}
	if err == nil {
		err = &InternalError{Err: errors.New("worker exited without being stopped")}
	}

	if e.status.Status == model.StatusRunning && m.policy.Healthy(time.Since(e.status.RunningSince)) {
		e.failures = 0
		e.internalFailures = 0
	}

	id := e.cfg.SessionID
	class := Classify(err)
	if class == ClassInternal {
		e.internalFailures++
		if e.internalFailures > m.opts.Manager.MaxInternalRestarts {
			class = ClassTerminal
			err = fmt.Errorf("giving up after %d internal failures: %w", e.internalFailures, err)
		}
	}

	if class == ClassTerminal {
		m.transition(e, model.StatusFailed, err)
		m.logger.Error("session failed", "session_id", id, "error", err)
		return observability.EventSessionFailed, observability.Fields{
			observability.FieldSession: id,
			observability.FieldError:   err.Error(),
		}
	}

	e.failures++
	delay := m.policy.Delay(e.failures)
	if !m.transition(e, model.StatusBackoff, err) {
		return "", nil
	}
	e.status.NextRetryAt = time.Now().Add(delay)
	e.retry = time.AfterFunc(delay, func() { m.restartAfterBackoff(e, inc) })

	m.logger.Warn("session backing off", "session_id", id, "class", class, "delay", delay, "error", err)
	return observability.EventSessionBackoff, observability.Fields{
		observability.FieldSession: id,
		observability.FieldDelay:   delay,
		observability.FieldError:   err.Error(),
	}
}

func (m *Manager) restartAfterBackoff(e *entry, inc uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || e.incarnation != inc || e.status.Status != model.StatusBackoff {
		return
	}
	if m.transition(e, model.StatusStarting, nil) {
		e.status.Restarts++
		m.launch(e)
	}
}

// Stop cancels the session's worker and waits up to the stop grace period
// for it to finish its in-flight message. A worker that does not exit in
// time is abandoned and its transport closed. The entry is removed from the
// registry and its final status returned.
func (m *Manager) Stop(ctx context.Context, id string) (model.SessionStatus, error) {
	final, _, err := m.stop(ctx, id)
	return final, err
}

func (m *Manager) stop(ctx context.Context, id string) (model.SessionStatus, *entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return model.SessionStatus{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.status.Status == model.StatusStopping {
		// Another caller is already stopping it.
		m.mu.Unlock()
		select {
		case <-e.stopped:
			return e.final, e, nil
		case <-ctx.Done():
			return model.SessionStatus{}, nil, ctx.Err()
		}
	}

	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	m.transition(e, model.StatusStopping, nil)
	cancel, done, transport := e.cancel, e.done, e.transport
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	forced := false
	if done != nil {
		grace := time.NewTimer(m.opts.Manager.StopGrace)
		select {
		case <-done:
		case <-grace.C:
			forced = true
		case <-ctx.Done():
			forced = true
		}
		grace.Stop()
	}

	if forced {
		if transport != nil {
			// Close may itself block on a wedged connection.
			go func() { _ = transport.Close() }()
		}
		e.stream.Logger().Warn("worker did not stop within the grace period, abandoning it",
			"grace", m.opts.Manager.StopGrace)
		m.logger.Warn("forced session stop", "session_id", id)
		m.opts.Metrics.Record(observability.EventSessionForcedStop, observability.Fields{
			observability.FieldSession: id,
		})
	}

	m.mu.Lock()
	e.incarnation++
	m.transition(e, model.StatusStopped, nil)
	e.status.WorkerState = ""
	e.final = m.snapshot(e)
	if m.entries[id] == e {
		delete(m.entries, id)
	}
	close(e.stopped)
	m.mu.Unlock()

	if err := m.opts.Logs.Close(id); err != nil {
		m.logger.Debug("closing session log", "session_id", id, "error", err)
	}
	m.logger.Info("session stopped", "session_id", id, "forced", forced)
	return e.final, e, nil
}

// Restart stops the session and starts it again with the same
// configuration and processed set.
func (m *Manager) Restart(ctx context.Context, id string) (string, error) {
	_, e, err := m.stop(ctx, id)
	if err != nil {
		return id, err
	}
	return m.start(ctx, e.cfg, e.ledger)
}

// Status returns a snapshot of one session.
func (m *Manager) Status(id string) (model.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return model.SessionStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.snapshot(e), nil
}

// List returns snapshots of every registered session ordered by id.
func (m *Manager) List() []model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.SessionStatus, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, m.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Tail returns up to n of the latest lines of a session's log stream.
func (m *Manager) Tail(id string, n int) ([]string, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.stream.Tail(n), nil
}

func (m *Manager) snapshot(e *entry) model.SessionStatus {
	s := e.status
	s.Processed = e.ledger.Counts()
	return s
}

// Shutdown stops every session concurrently and refuses further starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.Stop(gctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	if closeErr := m.opts.Logs.CloseAll(); closeErr != nil {
		m.logger.Debug("closing session logs", "error", closeErr)
	}
	return err
}
