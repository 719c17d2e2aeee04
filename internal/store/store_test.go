package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/reply-optimizer/internal/credential"
	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/store"
	"github.com/nhle/reply-optimizer/internal/testutil"
)

func session(id, owner string, enabled bool) model.SessionConfig {
	return model.SessionConfig{
		SessionID: id,
		OwnerID:   owner,
		Account: model.MailboxAccount{
			Address:       id + "@shop.test",
			CredentialRef: credential.MailboxKey(id),
			IMAPHost:      "imap.shop.test",
			IMAPPort:      "993",
			SMTPHost:      "smtp.shop.test",
			SMTPPort:      "465",
			TLS:           true,
		},
		Instructions: "Be brief.",
		PollInterval: 45 * time.Second,
		Enabled:      enabled,
	}
}

func TestSessions_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	cfg := session("a", "u1", true)
	cfg.Account.Password = "never stored"
	cfg.AIProvider = "openai"
	require.NoError(t, s.UpsertSession(ctx, cfg))

	got, err := s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, "a@shop.test", got.Account.Address)
	assert.Equal(t, 45*time.Second, got.PollInterval)
	assert.True(t, got.Account.TLS)
	assert.True(t, got.Enabled)
	assert.Equal(t, "openai", got.AIProvider)
	assert.Empty(t, got.Account.Password)

	cfg.Instructions = "Be polite."
	require.NoError(t, s.UpsertSession(ctx, cfg))
	got, err = s.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Be polite.", got.Instructions)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessions_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.UpsertSession(ctx, session("a", "u1", true)))
	require.NoError(t, s.UpsertSession(ctx, session("b", "u2", false)))
	require.NoError(t, s.UpsertSession(ctx, session("c", "u1", true)))

	all, err := s.ListSessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	enabled, err := s.ListSessions(ctx, store.SessionFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(enabled))

	owner := "u2"
	owned, err := s.ListSessions(ctx, store.SessionFilter{OwnerID: &owner})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(owned))

	require.NoError(t, s.SetSessionEnabled(ctx, "b", true))
	enabled, err = s.ListSessions(ctx, store.SessionFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Len(t, enabled, 3)

	assert.ErrorIs(t, s.SetSessionEnabled(ctx, "missing", true), store.ErrNotFound)
}

func TestSessions_DeleteRemovesHistory(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.UpsertSession(ctx, session("a", "u1", true)))
	require.NoError(t, s.AppendTurn(ctx, model.ThreadTurn{
		SessionID: "a", ThreadID: "t1", MessageID: "t1", Direction: model.DirectionIncoming, Body: "hi",
	}))
	require.NoError(t, s.Ledger().Append(ctx, "a", ledger.Entry{UID: 3, Outcome: model.OutcomeSent, RecordedAt: time.Now()}))

	require.NoError(t, s.DeleteSession(ctx, "a"))

	_, err := s.GetSession(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	turns, err := s.GetThread(ctx, "a", "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)

	entries, err := s.Ledger().Load(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestThreads(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, body := range []string{"one", "two", "three"} {
		dir := model.DirectionIncoming
		if i%2 == 1 {
			dir = model.DirectionOutgoing
		}
		require.NoError(t, s.AppendTurn(ctx, model.ThreadTurn{
			SessionID: "a",
			ThreadID:  "root@customer.test",
			MessageID: body + "@customer.test",
			Direction: dir,
			Body:      body,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	// Same message id in another session.
	require.NoError(t, s.AppendTurn(ctx, model.ThreadTurn{
		SessionID: "b", ThreadID: "other", MessageID: "two@customer.test", Direction: model.DirectionIncoming,
	}))

	thread, ok, err := s.ResolveThread(ctx, "a", "two@customer.test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root@customer.test", thread)

	thread, ok, err = s.ResolveThread(ctx, "a", "root@customer.test")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root@customer.test", thread)

	_, ok, err = s.ResolveThread(ctx, "a", "unknown@customer.test")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.ResolveThread(ctx, "a", "")
	require.NoError(t, err)
	assert.False(t, ok)

	turns, err := s.GetThread(ctx, "a", "root@customer.test", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, bodies(turns))
	assert.Equal(t, model.DirectionOutgoing, turns[1].Direction)

	turns, err = s.GetThread(ctx, "a", "root@customer.test", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, bodies(turns))
}

func TestLedgerBackend(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	backend := s.Ledger()
	now := time.Now()

	require.NoError(t, backend.Append(ctx, "a", ledger.Entry{UID: 9, Outcome: model.OutcomeFailedSend, RecordedAt: now}))
	require.NoError(t, backend.Append(ctx, "a", ledger.Entry{UID: 2, Outcome: model.OutcomeSent, RecordedAt: now}))
	require.NoError(t, backend.Append(ctx, "a", ledger.Entry{UID: 9, Outcome: model.OutcomeSent, RecordedAt: now}))
	require.NoError(t, backend.Append(ctx, "b", ledger.Entry{UID: 1, Outcome: model.OutcomeSent, RecordedAt: now}))

	entries, err := backend.Load(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(2), entries[0].UID)
	assert.Equal(t, uint32(9), entries[1].UID)
	assert.Equal(t, model.OutcomeFailedSend, entries[1].Outcome)

	set := ledger.New("a", backend)
	require.NoError(t, set.Hydrate(ctx))
	assert.True(t, set.Contains(9))
	assert.Equal(t, uint32(9), set.Watermark())
}

func TestConfigProvider(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	creds := testutil.NewTestCredentials()

	withKey := session("a", "u1", true)
	withKey.AIKeyRef = credential.AIKey("a")
	testutil.SeedSession(t, s, creds, withKey, "pw-a")
	testutil.SeedSession(t, s, creds, session("b", "u1", true), "")
	testutil.SeedSession(t, s, creds, session("c", "u1", false), "pw-c")
	require.NoError(t, creds.Set(credential.AIKey("a"), "sk-a"))

	provider := store.NewConfigProvider(s, creds)

	cfg, err := provider.SessionConfig(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "pw-a", cfg.Account.Password)
	assert.Equal(t, "sk-a", cfg.AIKey)

	_, err = provider.SessionConfig(ctx, "b")
	assert.ErrorIs(t, err, credential.ErrNotFound)

	enabled, err := provider.EnabledSessions(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	byID := map[string]model.SessionConfig{}
	for _, c := range enabled {
		byID[c.SessionID] = c
	}
	assert.Equal(t, "pw-a", byID["a"].Account.Password)
	assert.Empty(t, byID["b"].Account.Password)
}

func ids(sessions []model.SessionConfig) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.SessionID)
	}
	return out
}

func bodies(turns []model.ThreadTurn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Body)
	}
	return out
}
