package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/reply-optimizer/internal/ledger"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/store"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestRootCommand_Help(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"session", "--help"})

	require.NoError(t, root.Execute())
	for _, sub := range []string{"add", "list", "enable", "disable", "remove"} {
		assert.Contains(t, out.String(), sub)
	}
}

func TestOpenLedger(t *testing.T) {
	st, err := openStore(model.DatabaseConfig{Path: filepath.Join(t.TempDir(), "db", "replyd.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend, release, err := openLedger(context.Background(), model.LedgerConfig{Backend: "sqlite"}, st)
	require.NoError(t, err)
	release()
	assert.IsType(t, &store.LedgerBackend{}, backend)

	backend, release, err = openLedger(context.Background(), model.LedgerConfig{Backend: "memory"}, st)
	require.NoError(t, err)
	release()
	assert.Equal(t, ledger.Nop{}, backend)
}
