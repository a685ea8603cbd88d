package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/store"
)

func openTestManager(t *testing.T, capacity int, onDeadLetter func(string)) (*Manager, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, capacity, onDeadLetter), s
}

func TestEnqueueAcquireCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := openTestManager(t, 20, nil)

	now := time.Now().UTC()
	_, err := m.Enqueue(ctx, "c1", "hello", "user1", "d1", now, now)
	require.NoError(t, err)

	require.Equal(t, 1, m.Depth("c1"))

	e, err := m.Acquire(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, StateInFlight, e.State)

	require.NoError(t, m.Complete(ctx, e))
	require.Equal(t, 0, m.Depth("c1"))
}

func TestAcquireReturnsNilWhenAlreadyInFlight(t *testing.T) {
	ctx := context.Background()
	m, _ := openTestManager(t, 20, nil)
	now := time.Now().UTC()

	_, err := m.Enqueue(ctx, "c1", "first", "u", "d1", now, now)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "c1", "second", "u", "d2", now, now)
	require.NoError(t, err)

	first, err := m.Acquire(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Acquire(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, second, "at most one in-flight entry per conversation")
}

func TestRetryExhaustsIntoDeadLetter(t *testing.T) {
	ctx := context.Background()
	var notified []string
	m, s := openTestManager(t, 20, func(c string) { notified = append(notified, c) })

	now := time.Now().UTC()
	_, err := m.Enqueue(ctx, "c1", "flaky", "u", "d1", now, now)
	require.NoError(t, err)

	e, err := m.Acquire(ctx, "c1")
	require.NoError(t, err)

	for i := 0; i < maxAttempts; i++ {
		require.NoError(t, m.Retry(ctx, e, "container timeout"))
	}

	letters, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, []string{"c1"}, notified, "dead-letter notifies exactly once")
}

func TestOverflowDropsOldestAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	m, s := openTestManager(t, 2, nil)
	now := time.Now().UTC()

	_, err := m.Enqueue(ctx, "c1", "one", "u", "d1", now, now)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "c1", "two", "u", "d2", now, now)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "c1", "three", "u", "d3", now, now)
	require.NoError(t, err)

	require.Equal(t, 2, m.Depth("c1"))

	letters, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
}

func TestBackoffDelayRespectsCapAndGrows(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d := backoffDelay(attempt)
		require.LessOrEqual(t, d, backoffCap)
		require.GreaterOrEqual(t, d, prev/2)
		prev = d
	}
}

func TestDrainDeadLettersOutstandingEntries(t *testing.T) {
	ctx := context.Background()
	m, s := openTestManager(t, 20, nil)
	now := time.Now().UTC()

	_, err := m.Enqueue(ctx, "c1", "a", "u", "d1", now, now)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "c1", "b", "u", "d2", now, now)
	require.NoError(t, err)

	drained, err := m.Drain(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, drained)

	letters, err := s.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
}
