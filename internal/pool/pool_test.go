package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/sandbox"
)

func testConfig() Config {
	return Config{
		Min: 1, Max: 4, MaxReuse: 2, SessionMaxAge: time.Hour,
		WarmupInterval: time.Millisecond,
		SpecFactory: func() sandbox.RuntimeSpec {
			return sandbox.RuntimeSpec{Command: "true"}
		},
	}
}

func TestAcquireColdSpawnsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	p := New(sandbox.NewLocal(), testConfig())

	m, err := p.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, StateInUse, m.State)
	require.Equal(t, int64(1), p.Stats().ColdSpawnFallbacks)
}

func TestAcquireReusesReadyInstance(t *testing.T) {
	ctx := context.Background()
	p := New(sandbox.NewLocal(), testConfig())

	require.NoError(t, p.WarmTo(ctx, 1))
	require.Equal(t, 1, p.Stats().Ready)

	m, err := p.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Stats().ColdSpawnFallbacks, "popped the warmed instance instead of cold-spawning")
	require.NoError(t, p.Release(ctx, m.ID))
}

func TestReleaseRespectsMaxReuse(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxReuse = 1
	p := New(sandbox.NewLocal(), cfg)

	m, err := p.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, m.ID))

	time.Sleep(5 * time.Millisecond) // let eager warmup settle

	stats := p.Stats()
	require.LessOrEqual(t, stats.Ready, 1, "instance past MaxReuse must not return to ready under its old identity")
}

func TestReleaseUnknownInstanceErrors(t *testing.T) {
	ctx := context.Background()
	p := New(sandbox.NewLocal(), testConfig())
	err := p.Release(ctx, "nonexistent")
	require.Error(t, err)
}

func TestSpawnWaitsForReadyCheckBeforeReportingReady(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	var becomeReady int32
	cfg.WarmingMax = time.Second
	cfg.ReadyCheck = func(inst sandbox.Instance) bool {
		return atomic.LoadInt32(&becomeReady) == 1
	}
	p := New(sandbox.NewLocal(), cfg)

	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&becomeReady, 1)
	}()

	m, err := p.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, StateInUse, m.State, "acquire must only return an instance once ReadyCheck passes")
}

func TestSpawnObservedAsWarmingWhileReadyCheckPending(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	ready := make(chan struct{})
	cfg.WarmingMax = time.Second
	cfg.ReadyCheck = func(inst sandbox.Instance) bool {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	}
	p := New(sandbox.NewLocal(), cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, p.WarmTo(ctx, 1))
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Warming == 1
	}, time.Second, 5*time.Millisecond, "a spawn awaiting ReadyCheck must be reported as warming")

	close(ready)
	<-done
	require.Equal(t, 0, p.Stats().Warming)
	require.Equal(t, 1, p.Stats().Ready)
}

func TestSpawnFailsAndStopsInstanceWhenWarmingMaxElapses(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.WarmingMax = 20 * time.Millisecond
	cfg.ReadyCheck = func(inst sandbox.Instance) bool { return false }
	p := New(sandbox.NewLocal(), cfg)

	_, err := p.Acquire(ctx, "conv-1")
	require.Error(t, err, "an instance that never becomes ready within WarmingMax must fail, not be handed out")
	require.Equal(t, 0, p.Stats().Warming)
	require.Equal(t, 0, p.Stats().Total)
}
