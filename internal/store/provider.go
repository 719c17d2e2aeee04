package store

import (
	"context"
	"fmt"

	"github.com/nhle/reply-optimizer/internal/credential"
	"github.com/nhle/reply-optimizer/internal/model"
)

// ConfigProvider serves session configurations from a SessionStore with
// their secrets resolved from the keyring.
type ConfigProvider struct {
	sessions    SessionStore
	credentials credential.Resolver
}

// NewConfigProvider returns a provider reading from sessions and resolving
// secrets through credentials.
func NewConfigProvider(sessions SessionStore, credentials credential.Resolver) *ConfigProvider {
	return &ConfigProvider{sessions: sessions, credentials: credentials}
}

// SessionConfig returns the fully resolved configuration of one session.
func (p *ConfigProvider) SessionConfig(ctx context.Context, id string) (model.SessionConfig, error) {
	cfg, err := p.sessions.GetSession(ctx, id)
	if err != nil {
		return model.SessionConfig{}, err
	}
	return p.resolve(*cfg)
}

// EnabledSessions returns every enabled session. Sessions whose secrets
// cannot be resolved are returned unresolved so the caller can report the
// failure on start.
func (p *ConfigProvider) EnabledSessions(ctx context.Context) ([]model.SessionConfig, error) {
	sessions, err := p.sessions.ListSessions(ctx, SessionFilter{EnabledOnly: true})
	if err != nil {
		return nil, err
	}

	out := make([]model.SessionConfig, 0, len(sessions))
	for _, cfg := range sessions {
		if resolved, err := p.resolve(cfg); err == nil {
			cfg = resolved
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (p *ConfigProvider) resolve(cfg model.SessionConfig) (model.SessionConfig, error) {
	password, err := p.credentials.Resolve(cfg.Account.CredentialRef)
	if err != nil {
		return model.SessionConfig{}, fmt.Errorf("resolving mailbox credential for session %s: %w", cfg.SessionID, err)
	}
	cfg.Account.Password = password

	if cfg.AIKeyRef != "" {
		key, err := p.credentials.Resolve(cfg.AIKeyRef)
		if err != nil {
			return model.SessionConfig{}, fmt.Errorf("resolving AI key for session %s: %w", cfg.SessionID, err)
		}
		cfg.AIKey = key
	}
	return cfg, nil
}
