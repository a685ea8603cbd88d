package heartbeat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

type scriptedRunner struct {
	output string
	err    error
}

func (r *scriptedRunner) RunTurn(ctx context.Context, owner, prompt string) (string, error) {
	return r.output, r.err
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeDeliverer) Deliver(ctx context.Context, owner, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, message)
	return nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestClassifyRecognizesOKToken(t *testing.T) {
	j := &store.HeartbeatJobRow{ID: "j1", Owner: "conv-1"}
	o := classify(j, "  HEARTBEAT_OK  \n", time.Now())
	require.True(t, o.IsOK)
}

func TestClassifyTreatsAnythingElseAsAlert(t *testing.T) {
	j := &store.HeartbeatJobRow{ID: "j1", Owner: "conv-1"}
	o := classify(j, "disk usage at 95%", time.Now())
	require.False(t, o.IsOK)
	require.Equal(t, "disk usage at 95%", o.Message)
}

func TestHandleSuppressesOKWhenShowOKDisabled(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowOK: false, ShowAlerts: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: true, Message: "HEARTBEAT_OK"})
	require.Equal(t, 0, deliverer.count())
}

func TestHandleDeliversOKWhenShowOKEnabled(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowOK: true, ShowAlerts: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: true, Message: "HEARTBEAT_OK"})
	require.Equal(t, 1, deliverer.count())
}

func TestHandleSuppressesAlertsWhenShowAlertsDisabled(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowAlerts: false}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full"})
	require.Equal(t, 0, deliverer.count())
}

func TestHandleMutesOKDeliveryWhenDeliveryMuted(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowOK: true, DeliveryMuted: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: true, Message: "HEARTBEAT_OK"})
	require.Equal(t, 0, deliverer.count(), "muted delivery must suppress OK notifications too, not just alerts")
}

func TestHandleMutesDeliveryButStillDedupesAlert(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowAlerts: true, DeliveryMuted: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	now := time.Now()
	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full", FiredAt: now})
	require.Equal(t, 0, deliverer.count(), "muted delivery must never reach the channel")
	require.False(t, m.dedupe.shouldDeliver("disk full", now.Add(time.Second)), "a muted alert must still be recorded for dedupe")
}

func TestHandleDedupesRepeatedAlertWithinCooldown(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowAlerts: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, time.Hour)

	now := time.Now()
	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full", FiredAt: now})
	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full", FiredAt: now.Add(time.Second)})
	require.Equal(t, 1, deliverer.count(), "identical alert within cooldown must be suppressed")
}

func TestHandleRedeliversAlertAfterCooldownExpires(t *testing.T) {
	s := openTestStore(t)
	deliverer := &fakeDeliverer{}
	gates := Gates{ShowAlerts: true}
	m := New(s, &scriptedRunner{}, deliverer, nil, gates, time.Hour, 10*time.Millisecond)

	now := time.Now()
	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full", FiredAt: now})
	m.handle(context.Background(), Outcome{Owner: "conv-1", IsOK: false, Message: "disk full", FiredAt: now.Add(20 * time.Millisecond)})
	require.Equal(t, 2, deliverer.count())
}

func TestFireRunsScanAndClassifiesResult(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertHeartbeatJob(context.Background(), &store.HeartbeatJobRow{
		ID: "hb-1", Owner: "conv-1", Category: "monitor", Prompt: "check disk", Status: "active",
		NextRun: time.Now().Add(-time.Minute).UTC(),
	}))

	deliverer := &fakeDeliverer{}
	gates := Gates{ShowAlerts: true}
	m := New(s, &scriptedRunner{output: "disk at 99%"}, deliverer, nil, gates, time.Hour, time.Hour)

	require.NoError(t, m.scanOnce(context.Background()))
	require.Eventually(t, func() bool { return deliverer.count() == 1 }, time.Second, 5*time.Millisecond)
}
