package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldwatch/internal/db"
	"fieldwatch/internal/domain"
	"fieldwatch/internal/migrate"
	"fieldwatch/internal/outbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type fakeSender struct {
	mu     sync.Mutex
	script map[string][]error
	sent   []string
}

func (f *fakeSender) Send(_ context.Context, env domain.ActionEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env.ActionID)
	queue := f.script[env.ActionID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.script[env.ActionID] = queue[1:]
	return err
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T, workspace string) *outbox.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return outbox.NewStore(conn)
}

func envelope(id string, at time.Time) domain.ActionEnvelope {
	return domain.ActionEnvelope{
		ActionID:      id,
		URL:           "/incidents/inc-1/verify",
		Method:        "POST",
		Payload:       json.RawMessage(fmt.Sprintf(`{"actionId":%q}`, id)),
		CreatedAt:     at,
		NextAttemptAt: at,
	}
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	b := outbox.DefaultBackoff
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(500))
	prev := time.Duration(0)
	for n := 0; n < 70; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := openStore(t, workspace)
	require.NoError(t, first.Enqueue(ctx, envelope("a-1", now)))
	require.NoError(t, first.Enqueue(ctx, envelope("a-2", now)))
	require.NoError(t, first.UpdateAttempt(ctx, "a-1", 2, now.Add(4*time.Second), "boom"))
	require.NoError(t, first.DB.Close())

	second := openStore(t, workspace)
	pending, err := second.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a-1", pending[0].ActionID)
	assert.Equal(t, 2, pending[0].AttemptCount)
	assert.Equal(t, "boom", pending[0].LastError)
	assert.True(t, pending[0].NextAttemptAt.Equal(now.Add(4*time.Second)))
	assert.JSONEq(t, `{"actionId":"a-2"}`, string(pending[1].Payload))
}

func TestEnqueueSameActionIDOnce(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	now := time.Now().UTC()
	require.NoError(t, s.Enqueue(ctx, envelope("dup", now)))
	require.NoError(t, s.Enqueue(ctx, envelope("dup", now)))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.Enqueue(ctx, domain.ActionEnvelope{Payload: json.RawMessage(`{}`)})
	var fatal outbox.FatalLocalError
	assert.True(t, errors.As(err, &fatal))
}

func TestSyncOnceClassifiesResponses(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ids := []string{"ok", "server-down", "bad-request", "offline", "token-expired", "forbidden", "timeout", "rate-limited", "gone", "conflict"}
	for _, id := range ids {
		require.NoError(t, s.Enqueue(ctx, envelope(id, clk.Now())))
	}
	sender := &fakeSender{script: map[string][]error{
		"server-down":   {statusErr(503)},
		"bad-request":   {statusErr(400)},
		"offline":       {errors.New("dial tcp: connection refused")},
		"token-expired": {statusErr(401)},
		"forbidden":     {statusErr(403)},
		"timeout":       {statusErr(408)},
		"rate-limited":  {statusErr(429)},
		"gone":          {statusErr(404)},
		"conflict":      {statusErr(409)},
	}}
	var discarded []outbox.Discard
	w := outbox.NewWorker(s, sender, nil)
	w.Now = clk.Now
	w.OnDiscard = func(d outbox.Discard) { discarded = append(discarded, d) }

	res, err := w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.PassResult{Delivered: 1, Retried: 6, Discarded: 3}, res)
	assert.Equal(t, ids, sender.Sent())

	require.Len(t, discarded, 3)
	assert.Equal(t, "bad-request", discarded[0].ActionID)
	assert.Equal(t, 400, discarded[0].Status)
	assert.Equal(t, 404, discarded[1].Status)
	assert.Equal(t, 409, discarded[2].Status)
	logged, err := s.Discards(ctx)
	require.NoError(t, err)
	require.Len(t, logged, 3)

	down, err := s.Get(ctx, "server-down")
	require.NoError(t, err)
	assert.Equal(t, 1, down.AttemptCount)
	assert.True(t, down.NextAttemptAt.Equal(clk.Now().Add(2*time.Second)))

	for _, id := range []string{"token-expired", "forbidden", "timeout", "rate-limited"} {
		kept, err := s.Get(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, 1, kept.AttemptCount, id)
	}

	_, err = s.Get(ctx, "ok")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpiredTokenKeepsQueueUntilRefreshed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, envelope(id, clk.Now())))
	}
	sender := &fakeSender{script: map[string][]error{
		"a": {statusErr(401)},
		"b": {statusErr(401)},
		"c": {statusErr(429)},
	}}
	w := outbox.NewWorker(s, sender, nil)
	w.Now = clk.Now

	res, err := w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.PassResult{Retried: 3}, res)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	clk.Advance(time.Minute)
	res, err = w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.PassResult{Delivered: 3}, res)
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncOnceHonorsBackoff(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.Enqueue(ctx, envelope("flaky", clk.Now())))
	sender := &fakeSender{script: map[string][]error{
		"flaky": {statusErr(500), statusErr(502)},
	}}
	w := outbox.NewWorker(s, sender, nil)
	w.Now = clk.Now

	res, err := w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	res, err = w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Len(t, sender.Sent(), 1)

	clk.Advance(2 * time.Second)
	res, err = w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	env, err := s.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, env.AttemptCount)
	assert.True(t, env.NextAttemptAt.Equal(clk.Now().Add(4*time.Second)))

	clk.Advance(4 * time.Second)
	res, err = w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	// every attempt carried the same id
	assert.Equal(t, []string{"flaky", "flaky", "flaky"}, sender.Sent())
}

func TestDispatcherQueuesThenTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openStore(t, t.TempDir())
	sender := &fakeSender{script: map[string][]error{}}
	w := outbox.NewWorker(s, sender, nil)
	w.Tick = time.Hour

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	d := outbox.Dispatcher{Store: s, Worker: w, NewID: func() string { return "act-1" }}
	env, err := d.Do(ctx, "POST", "/incidents/inc-1/note", map[string]any{"note": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "act-1", env.ActionID)
	assert.JSONEq(t, `{"actionId":"act-1","note":"hello"}`, string(env.Payload))

	require.Eventually(t, func() bool {
		n, err := s.Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, sender.Sent(), "act-1")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchSignalsReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	states := []bool{false, false, true}
	probe := outbox.ProbeFunc(func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 {
			return true
		}
		s := states[0]
		states = states[1:]
		return s
	})
	ch := outbox.Watch(ctx, probe, 5*time.Millisecond, nil)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected reconnect signal")
	}
}
