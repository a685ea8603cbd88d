package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeInjector struct {
	mu       sync.Mutex
	injected []bus.Message
}

func (f *fakeInjector) InjectScheduled(msg bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, msg)
	return nil
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injected)
}

func TestSubmitRejectsInvalidCron(t *testing.T) {
	s := openTestStore(t)
	sched := New(s, &fakeInjector{}, time.Second)

	_, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindCron, ScheduleValue: "not a cron expr", Prompt: "hi",
	})
	require.Error(t, err)
}

func TestSubmitRejectsPastOnceTimestamp(t *testing.T) {
	s := openTestStore(t)
	sched := New(s, &fakeInjector{}, time.Second)

	_, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindOnce,
		ScheduleValue: time.Now().Add(-time.Hour).Format(time.RFC3339),
		Prompt:        "hi",
	})
	require.Error(t, err)
}

func TestSubmitRejectsInvalidIntervalLeavesNoState(t *testing.T) {
	s := openTestStore(t)
	sched := New(s, &fakeInjector{}, time.Second)

	_, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindInterval, ScheduleValue: "not-a-duration", Prompt: "hi",
	})
	require.Error(t, err)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestIntervalJobFiresAndAdvancesNextRun(t *testing.T) {
	s := openTestStore(t)
	inj := &fakeInjector{}
	sched := New(s, inj, time.Hour)

	job, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindInterval, ScheduleValue: "10ms", Prompt: "check in",
	})
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, sched.scanOnce(context.Background()))

	require.Equal(t, 1, inj.count())
	require.Equal(t, "conv-1", inj.injected[0].Conversation)
	require.True(t, inj.injected[0].Scheduled)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].NextRun.After(job.NextRun), "next_run must advance past the fired slot")
}

func TestMissedFireDoesNotCatchUpPerSlot(t *testing.T) {
	// A job whose interval is tiny and whose next_run was set far in the
	// past (as if the process had been down for many missed slots) fires
	// exactly once on scan and recomputes next_run from now, not from one
	// interval after the stale next_run.
	s := openTestStore(t)
	inj := &fakeInjector{}
	sched := New(s, inj, time.Hour)

	_, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindInterval, ScheduleValue: "1s", Prompt: "check in",
	})
	require.NoError(t, err)

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	staleNextRun := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.RecordJobRun(context.Background(), jobs[0].ID, staleNextRun, "", staleNextRun))

	before := time.Now()
	require.NoError(t, sched.scanOnce(context.Background()))
	require.Equal(t, 1, inj.count(), "a job missed many slots must still fire exactly once per scan")

	jobs, err = s.ListJobs(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(time.Second), jobs[0].NextRun, 5*time.Second,
		"next_run must be recomputed from now, not stacked from the stale slot")
}

func TestOnceJobCancelsAfterFiring(t *testing.T) {
	s := openTestStore(t)
	inj := &fakeInjector{}
	sched := New(s, inj, time.Hour)

	_, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindOnce,
		ScheduleValue: time.Now().Add(10 * time.Millisecond).Format(time.RFC3339Nano),
		Prompt:        "one shot",
	})
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, sched.scanOnce(context.Background()))
	require.Equal(t, 1, inj.count())

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, string(StatusCancelled), jobs[0].Status)

	require.NoError(t, sched.scanOnce(context.Background()))
	require.Equal(t, 1, inj.count(), "a cancelled once-job must not fire again")
}

func TestPauseStopsFiring(t *testing.T) {
	s := openTestStore(t)
	inj := &fakeInjector{}
	sched := New(s, inj, time.Hour)

	job, err := sched.Submit(context.Background(), Submission{
		Owner: "conv-1", ScheduleKind: KindInterval, ScheduleValue: "10ms", Prompt: "check in",
	})
	require.NoError(t, err)
	require.NoError(t, sched.Pause(context.Background(), job.ID))

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, sched.scanOnce(context.Background()))
	require.Equal(t, 0, inj.count(), "a paused job must not be selected as due")
}
