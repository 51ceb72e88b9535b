package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldwatch/internal/config"
	"fieldwatch/internal/outbox"
)

func newStack(t *testing.T) (*Server, *Client, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(config.Default(), nil)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		hs.Close()
		srv.Close()
	})
	client, err := OpenClient(context.Background(), ClientOptions{
		Workspace: t.TempDir(),
		ServerURL: hs.URL,
		ActorID:   "op-2",
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return srv, client, hs
}

func TestQueuedActionReachesServer(t *testing.T) {
	srv, client, _ := newStack(t)
	ctx := context.Background()

	env, err := client.Dispatcher.Do(ctx, http.MethodPost, "/incidents/inc-1002/note", map[string]any{"note": "Lane closed"})
	require.NoError(t, err)
	n, err := client.Store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := client.Worker.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	inc, err := srv.Engine.Incident("inc-1002")
	require.NoError(t, err)
	assert.Equal(t, []string{"Lane closed"}, inc.Notes)
	require.Len(t, inc.AuditLog, 1)
	assert.Equal(t, "Sam Moderator", inc.AuditLog[0].User)

	// redelivering the same envelope is a no-op on the server
	require.NoError(t, client.API.Send(ctx, env))
	inc, err = srv.Engine.Incident("inc-1002")
	require.NoError(t, err)
	assert.Len(t, inc.AuditLog, 1)

	n, err = client.Store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectedActionIsDiscarded(t *testing.T) {
	_, client, _ := newStack(t)
	ctx := context.Background()
	var discarded atomic.Int32
	client.Worker.OnDiscard = func(outbox.Discard) { discarded.Add(1) }

	_, err := client.Dispatcher.Do(ctx, http.MethodPost, "/incidents/does-not-exist/verify", nil)
	require.NoError(t, err)
	res, err := client.Worker.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, int32(1), discarded.Load())

	discards, err := client.Store.Discards(ctx)
	require.NoError(t, err)
	require.Len(t, discards, 1)
	assert.Equal(t, http.StatusNotFound, discards[0].Status)
}

func TestOfflineActionsSurviveUntilServerReturns(t *testing.T) {
	srv, err := NewServer(config.Default(), nil)
	require.NoError(t, err)
	defer srv.Close()
	var up atomic.Bool
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		srv.Handler.ServeHTTP(w, r)
	}))
	defer hs.Close()

	ctx := context.Background()
	client, err := OpenClient(ctx, ClientOptions{Workspace: t.TempDir(), ServerURL: hs.URL, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Dispatcher.Do(ctx, http.MethodPost, "/incidents/inc-1002/claim", nil)
	require.NoError(t, err)
	res, err := client.Worker.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	up.Store(true)
	require.Eventually(t, func() bool {
		res, err := client.Worker.SyncOnce(ctx)
		return err == nil && res.Delivered == 1
	}, 2*time.Second, 5*time.Millisecond)

	inc, err := srv.Engine.Incident("inc-1002")
	require.NoError(t, err)
	assert.Equal(t, "op-1", inc.ClaimedBy)
}
