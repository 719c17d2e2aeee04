package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/reply-optimizer/internal/mailbox"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/store"
	"github.com/nhle/reply-optimizer/internal/testutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"auth", fmt.Errorf("connect: %w", &mailbox.AuthError{Protocol: "imap", Err: errors.New("NO")}), ClassTerminal},
		{"config", &ConfigError{SessionID: "s", Err: errors.New("bad")}, ClassTerminal},
		{"network", fmt.Errorf("poll: %w", &mailbox.NetworkError{Op: "search", Err: errors.New("reset")}), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"panic", &InternalError{Err: errors.New("boom")}, ClassInternal},
		{"unknown", errors.New("surprise"), ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, "terminal", ClassTerminal.String())
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{
		Floor:      5 * time.Second,
		Ceiling:    5 * time.Minute,
		Multiplier: 2,
		ResetAfter: 2 * time.Minute,
	}
	require.NoError(t, p.Validate())

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 40*time.Second, p.Delay(4))

	prev := time.Duration(0)
	for failures := 1; failures <= 200; failures++ {
		d := p.Delay(failures)
		assert.GreaterOrEqual(t, d, prev, "failure %d", failures)
		assert.LessOrEqual(t, d, p.Ceiling, "failure %d", failures)
		prev = d
	}
	assert.Equal(t, p.Ceiling, p.Delay(200))

	assert.True(t, p.Healthy(2*time.Minute))
	assert.False(t, p.Healthy(time.Minute))
}

func TestBackoffPolicy_Validate(t *testing.T) {
	assert.Error(t, BackoffPolicy{Floor: 0, Ceiling: time.Second, Multiplier: 2}.Validate())
	assert.Error(t, BackoffPolicy{Floor: time.Second, Ceiling: time.Millisecond, Multiplier: 2}.Validate())
	assert.Error(t, BackoffPolicy{Floor: time.Second, Ceiling: time.Minute, Multiplier: 0.5}.Validate())

	p := PolicyFromConfig(model.DefaultAppConfig().Manager)
	assert.NoError(t, p.Validate())
	assert.Equal(t, 5*time.Second, p.Floor)
	assert.Equal(t, 5*time.Minute, p.Ceiling)
}

type reconcileFixture struct {
	*fixture
	store      *store.SQLiteStore
	reconciler *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()

	f := newFixture(t, nil)
	st := testutil.NewTestStore(t)
	creds := testutil.NewTestCredentials()

	for _, id := range []string{"a", "b", "c"} {
		testutil.SeedSession(t, st, creds, sessionConfig(id), "pw-"+id)
	}

	return &reconcileFixture{
		fixture:    f,
		store:      st,
		reconciler: NewReconciler(f.manager, store.NewConfigProvider(st, creds), nil),
	}
}

func TestReconciler_SyncStartsAndStops(t *testing.T) {
	rf := newReconcileFixture(t)
	ctx := context.Background()

	res, err := rf.reconciler.Sync(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, res.Started)
	assert.Empty(t, res.Failed)

	for _, id := range []string{"a", "b", "c"} {
		rf.waitStatus(t, id, model.StatusRunning)
	}

	require.NoError(t, rf.store.SetSessionEnabled(ctx, "b", false))
	res, err = rf.reconciler.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Stopped)
	assert.Empty(t, res.Started)

	var ids []string
	for _, st := range rf.manager.List() {
		ids = append(ids, st.SessionID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestReconciler_LeavesFailedSessionsAlone(t *testing.T) {
	rf := newReconcileFixture(t)
	ctx := context.Background()
	transport := rf.transports.For("a@shop.test")
	transport.QueueConnectError(&mailbox.AuthError{Protocol: "imap", Username: "a", Err: errors.New("NO")})

	_, err := rf.reconciler.Sync(ctx)
	require.NoError(t, err)
	rf.waitStatus(t, "a", model.StatusFailed)

	res, err := rf.reconciler.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Started)
	assert.Equal(t, 1, transport.Connects())
}

func TestReconciler_StartByID(t *testing.T) {
	rf := newReconcileFixture(t)
	ctx := context.Background()

	id, err := rf.reconciler.StartByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	rf.waitStatus(t, "a", model.StatusRunning)

	_, err = rf.reconciler.StartByID(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestReconciler_MissingCredentialIsConfigError(t *testing.T) {
	rf := newReconcileFixture(t)
	ctx := context.Background()

	testutil.SeedSession(t, rf.store, testutil.NewTestCredentials(), sessionConfig("d"), "")

	_, err := rf.reconciler.StartByID(ctx, "d")
	assert.True(t, IsConfigError(err))

	res, err := rf.reconciler.Sync(ctx)
	require.NoError(t, err)
	require.Contains(t, res.Failed, "d")
	assert.True(t, IsConfigError(res.Failed["d"]))
	assert.Zero(t, rf.transports.Builds("d@shop.test"))
}
