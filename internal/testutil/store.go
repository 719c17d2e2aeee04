// Package testutil holds test doubles shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/99designs/keyring"

	"github.com/nhle/reply-optimizer/internal/credential"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestCredentials returns a credential store backed by an in-memory
// keyring.
func NewTestCredentials() *credential.Store {
	return credential.New(keyring.NewArrayKeyring(nil))
}

// SeedSession stores cfg with its mailbox password kept in creds under the
// session's keyring key, the way `replyd session add` does. The password on
// cfg itself is never written to the store.
func SeedSession(t *testing.T, s *store.SQLiteStore, creds *credential.Store, cfg model.SessionConfig, password string) {
	t.Helper()

	cfg.Account.CredentialRef = credential.MailboxKey(cfg.SessionID)
	if password != "" {
		if err := creds.Set(cfg.Account.CredentialRef, password); err != nil {
			t.Fatalf("storing password for session %s: %v", cfg.SessionID, err)
		}
	}
	if err := s.UpsertSession(context.Background(), cfg); err != nil {
		t.Fatalf("seeding session %s: %v", cfg.SessionID, err)
	}
}
