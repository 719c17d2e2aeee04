package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nhle/reply-optimizer/internal/model"
)

// ConfigSource is the read-only source of session configurations.
type ConfigSource interface {
	SessionConfig(ctx context.Context, id string) (model.SessionConfig, error)
	EnabledSessions(ctx context.Context) ([]model.SessionConfig, error)
}

// SyncResult lists what one Sync changed.
type SyncResult struct {
	Started []string
	Stopped []string
	Failed  map[string]error
}

// Reconciler keeps the registry in line with the configured sessions.
type Reconciler struct {
	manager *Manager
	source  ConfigSource
	logger  *slog.Logger
}

// NewReconciler creates a reconciler for manager.
func NewReconciler(manager *Manager, source ConfigSource, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		manager: manager,
		source:  source,
		logger:  logger.With("component", "reconciler"),
	}
}

// StartByID loads a session's configuration and starts it. A configuration
// that cannot be loaded is a ConfigError.
func (r *Reconciler) StartByID(ctx context.Context, id string) (string, error) {
	cfg, err := r.source.SessionConfig(ctx, id)
	if err != nil {
		return id, &ConfigError{SessionID: id, Err: err}
	}
	return r.manager.Start(ctx, cfg)
}

// Sync starts enabled sessions missing from the registry and stops
// registered sessions that are no longer enabled. Sessions already in the
// registry are left alone whatever their status, so a Failed session stays
// failed until it is restarted explicitly.
func (r *Reconciler) Sync(ctx context.Context) (SyncResult, error) {
	result := SyncResult{Failed: make(map[string]error)}

	enabled, err := r.source.EnabledSessions(ctx)
	if err != nil {
		return result, fmt.Errorf("listing enabled sessions: %w", err)
	}

	wanted := make(map[string]model.SessionConfig, len(enabled))
	for _, cfg := range enabled {
		wanted[cfg.SessionID] = cfg
	}

	registered := make(map[string]bool)
	for _, st := range r.manager.List() {
		registered[st.SessionID] = true
		if _, ok := wanted[st.SessionID]; ok {
			continue
		}
		if _, err := r.manager.Stop(ctx, st.SessionID); err != nil && !errors.Is(err, ErrNotFound) {
			result.Failed[st.SessionID] = err
			continue
		}
		result.Stopped = append(result.Stopped, st.SessionID)
	}

	for id, cfg := range wanted {
		if registered[id] {
			continue
		}
		if _, err := r.manager.Start(ctx, cfg); err != nil {
			result.Failed[id] = err
			r.logger.Warn("starting session failed", "session_id", id, "error", err)
			continue
		}
		result.Started = append(result.Started, id)
	}

	if len(result.Started) > 0 || len(result.Stopped) > 0 {
		r.logger.Info("sessions reconciled", "started", result.Started, "stopped", result.Stopped)
	}
	return result, nil
}
