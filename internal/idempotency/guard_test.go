package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoAppliesOnceAndReplays(t *testing.T) {
	g := New[int]()
	calls := 0
	fn := func() (int, error) {
		calls++
		return 42, nil
	}
	v, replayed, err := g.Do(context.Background(), "a", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 42, v)

	for i := 0; i < 5; i++ {
		v, replayed, err = g.Do(context.Background(), "a", fn)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)
}

func TestConcurrentDuplicatesApplyOnce(t *testing.T) {
	g := New[string]()
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() (string, error) {
		calls.Add(1)
		<-release
		return "done", nil
	}

	const n = 16
	var wg sync.WaitGroup
	var replays atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, replayed, err := g.Do(context.Background(), "same", fn)
			assert.NoError(t, err)
			assert.Equal(t, "done", v)
			if replayed {
				replays.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(n-1), replays.Load())
}

func TestFailedAttemptIsNotRecorded(t *testing.T) {
	g := New[int]()
	_, _, err := g.Do(context.Background(), "k", func() (int, error) { return 0, errors.New("nope") })
	require.Error(t, err)
	assert.False(t, g.Applied("k"))

	v, replayed, err := g.Do(context.Background(), "k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, v)
	assert.True(t, g.Applied("k"))
}

func TestPanicReleasesKey(t *testing.T) {
	g := New[int]()
	assert.Panics(t, func() {
		_, _, _ = g.Do(context.Background(), "p", func() (int, error) { panic("boom") })
	})
	v, _, err := g.Do(context.Background(), "p", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestPruneDropsOldResults(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New[int]()
	g.Now = func() time.Time { return now }
	_, _, _ = g.Do(context.Background(), "old", func() (int, error) { return 1, nil })
	now = now.Add(2 * time.Hour)
	_, _, _ = g.Do(context.Background(), "new", func() (int, error) { return 2, nil })

	assert.Equal(t, 1, g.Prune(now.Add(-time.Hour)))
	assert.False(t, g.Applied("old"))
	assert.True(t, g.Applied("new"))
}

func TestEmptyKeyRejected(t *testing.T) {
	_, _, err := New[int]().Do(context.Background(), "", func() (int, error) { return 0, nil })
	assert.Error(t, err)
}
