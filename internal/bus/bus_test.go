package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmitRejectsUnregisteredConversation(t *testing.T) {
	b := New(nil, 20*time.Millisecond, 16)

	b.Admit(Message{Conversation: "ghost", Body: "hello", DeliveryID: "m1"})

	require.Equal(t, int64(1), b.AdmissionDrops())
}

func TestAdmitRejectsTriggerMismatch(t *testing.T) {
	b := New(nil, 20*time.Millisecond, 16)
	b.RegisterConversation(Conversation{ID: "c1", Folder: "c1", Trigger: "@Andy"})

	b.Admit(Message{Conversation: "c1", Body: "hello there", DeliveryID: "m1"})

	require.Equal(t, int64(1), b.AdmissionDrops())
}

func TestAdmitDedupesDeliveryID(t *testing.T) {
	b := New(nil, 20*time.Millisecond, 16)
	b.RegisterConversation(Conversation{ID: "c1", Folder: "c1"})

	b.Admit(Message{Conversation: "c1", Body: "hi", DeliveryID: "dup"})
	b.Admit(Message{Conversation: "c1", Body: "hi again", DeliveryID: "dup"})

	require.Equal(t, int64(1), b.AdmissionDrops())
}

func TestDebounceCoalescesBurst(t *testing.T) {
	b := New(nil, 20*time.Millisecond, 16)
	b.RegisterConversation(Conversation{ID: "c1", Folder: "c1"})

	b.Admit(Message{Conversation: "c1", Body: "first", DeliveryID: "m1"})
	b.Admit(Message{Conversation: "c1", Body: "second", DeliveryID: "m2"})

	b.mu.Lock()
	inbox := b.inboxes["c1"]
	b.mu.Unlock()

	inbox.mu.Lock()
	bufLen := len(inbox.buffer)
	inbox.mu.Unlock()
	require.Equal(t, 2, bufLen, "both messages coalesced before the debounce timer fires")

	time.Sleep(40 * time.Millisecond)

	inbox.mu.Lock()
	bufLen = len(inbox.buffer)
	inbox.mu.Unlock()
	require.Equal(t, 0, bufLen, "buffer drained once the debounce timer fires")
}

func TestBoundedSetEvictsOldest(t *testing.T) {
	s := newBoundedSet(2)
	require.False(t, s.seenOrAdd("a"))
	require.False(t, s.seenOrAdd("b"))
	require.False(t, s.seenOrAdd("c")) // evicts "a"
	require.False(t, s.seenOrAdd("a"), "a was evicted, so it is not a duplicate anymore")
}

func TestConversationTriggerMatchIsCaseInsensitive(t *testing.T) {
	c := Conversation{Trigger: "@Andy"}
	require.True(t, c.matchesTrigger("hey @andy can you help"))
	require.False(t, c.matchesTrigger("hey there"))
}
