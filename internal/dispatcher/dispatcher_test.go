package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/channels"
	"github.com/andyrt/andy/internal/ipc"
	"github.com/andyrt/andy/internal/pool"
	"github.com/andyrt/andy/internal/queue"
	"github.com/andyrt/andy/internal/sandbox"
	"github.com/andyrt/andy/internal/store"
)

func newTestDispatcher(t *testing.T, specFactory func() sandbox.RuntimeSpec) *Dispatcher {
	t.Helper()

	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	qm := queue.New(s, 20, nil)

	runtime := NewTaggingRuntime(sandbox.NewLocal(), t.TempDir())
	p := pool.New(runtime, pool.Config{
		Min: 0, Max: 4, MaxReuse: 10,
		SessionMaxAge:  time.Hour,
		WarmupInterval: time.Minute,
		SpecFactory:    specFactory,
	})

	fabric, err := bus.NewFabric()
	require.NoError(t, err)
	t.Cleanup(fabric.Close)

	b := bus.New(fabric, 50*time.Millisecond, 64)

	return New(b, fabric, qm, p, []byte("test-secret"), 5*time.Second, 50*time.Millisecond)
}

func TestRunTurnReturnsFramedStdoutOutput(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{
			Command: "sh",
			Args: []string{"-c", `echo "---OUTPUT_START---"; echo "turn complete"; echo "---OUTPUT_END---"; sleep 2`},
		}
	})

	output, err := d.RunTurn(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	require.Equal(t, "turn complete", output)
}

func TestRunTurnSurfacesMissingFramedOutput(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", `echo "no markers here"`}}
	})

	_, err := d.RunTurn(context.Background(), "conv-2", "hello")
	require.Error(t, err)
}

func TestDeliverRoutesToRegisteredAdapter(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	stub := channels.NewStub("test", false)
	conv := bus.Conversation{ID: "c1", Folder: "c1folder"}
	require.NoError(t, d.RegisterConversation(conv, stub))

	require.NoError(t, d.Deliver(context.Background(), "c1", "hi there"))

	sent := stub.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "hi there", sent[0].Body)

	d.UnregisterConversation("c1")
	require.Error(t, d.Deliver(context.Background(), "c1", "should fail"))
}

func TestEnqueueBatchPipesIntoInFlightTurnInsteadOfQueueing(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	conversationID := "conv-pipe"
	slot, err := ipc.NewSlot(t.TempDir(), "pipe-test")
	require.NoError(t, err)
	d.setActiveSlot(conversationID, slot)
	defer d.clearActiveSlot(conversationID)

	d.enqueueBatch(conversationID, []bus.Message{
		{Conversation: conversationID, Body: "follow-up while running", Author: "user", DeliveryID: "d1"},
	})

	entries, err := os.ReadDir(slot.Input)
	require.NoError(t, err)
	require.Len(t, entries, 1, "follow-up must be written straight into the active turn's input directory")

	require.Equal(t, 0, d.queue.Depth(conversationID), "a piped follow-up must not also land in the Group Queue")
}

func TestEnqueueBatchQueuesWhenNoTurnInFlight(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	conversationID := "conv-no-pipe"
	d.enqueueBatch(conversationID, []bus.Message{
		{Conversation: conversationID, Body: "first message", Author: "user", DeliveryID: "d1"},
	})

	require.Eventually(t, func() bool {
		return d.queue.Depth(conversationID) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestForwardInterimEventsEditsRunningMessageWhenSupported(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	stub := channels.NewStub("test", true)
	conv := bus.Conversation{ID: "c3", Folder: "c3folder"}
	require.NoError(t, d.RegisterConversation(conv, stub))

	events := make(chan ipc.Event, 1)
	events <- ipc.Event{Name: "001.json", Data: []byte(`{"sequence":1,"body":{"text":"thinking..."}}`)}
	close(events)

	d.forwardInterimEvents(context.Background(), "c3", events)

	edits := stub.Edits()
	require.Len(t, edits, 1)
	require.Equal(t, "thinking...", edits[0].NewBody)
	require.Empty(t, stub.Sent(), "an edit-capable adapter must not also receive a Send for the same interim event")
}

func TestForwardInterimEventsFallsBackToSendWhenEditUnsupported(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	stub := channels.NewStub("test", false)
	conv := bus.Conversation{ID: "c4", Folder: "c4folder"}
	require.NoError(t, d.RegisterConversation(conv, stub))

	events := make(chan ipc.Event, 1)
	events <- ipc.Event{Name: "001.json", Data: []byte(`{"sequence":1,"body":{"text":"working on it"}}`)}
	close(events)

	d.forwardInterimEvents(context.Background(), "c4", events)

	sent := stub.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "working on it", sent[0].Body)
}

func TestChannelsConnectedReflectsRegisteredAdapters(t *testing.T) {
	d := newTestDispatcher(t, func() sandbox.RuntimeSpec {
		return sandbox.RuntimeSpec{Command: "sh", Args: []string{"-c", "sleep 5"}}
	})

	stub := channels.NewStub("test", false)
	conv := bus.Conversation{ID: "c2", Folder: "c2folder"}
	require.NoError(t, d.RegisterConversation(conv, stub))

	connected := d.ChannelsConnected()
	require.True(t, connected["c2"])
}
