package bus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus owns conversation registration, admission, debounce, and dedupe, and
// forwards admitted bursts to the embedded fabric for the Group Queue.
type Bus struct {
	fabric         *Fabric
	debounceWindow time.Duration
	dedupeWindow   int

	mu            sync.Mutex
	conversations map[string]Conversation
	inboxes       map[string]*conversationInbox

	admissionDrops int64
}

// conversationInbox buffers one conversation's in-flight debounce burst.
type conversationInbox struct {
	mu     sync.Mutex
	buffer []Message
	timer  *time.Timer
	seen   *boundedSet
}

// New builds a Bus over an already-running Fabric.
func New(fabric *Fabric, debounceWindow time.Duration, dedupeWindow int) *Bus {
	return &Bus{
		fabric:         fabric,
		debounceWindow: debounceWindow,
		dedupeWindow:   dedupeWindow,
		conversations:  make(map[string]Conversation),
		inboxes:        make(map[string]*conversationInbox),
	}
}

// RegisterConversation admits future messages for c.ID.
func (b *Bus) RegisterConversation(c Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations[c.ID] = c
}

// Unregister stops admitting a conversation.
func (b *Bus) Unregister(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conversations, conversationID)
	delete(b.inboxes, conversationID)
}

// AdmissionDrops returns the running count of silently dropped messages.
func (b *Bus) AdmissionDrops() int64 {
	return atomic.LoadInt64(&b.admissionDrops)
}

// Admit implements admission + debounce + dedupe for one inbound message.
// A rejected message is dropped silently with a counter increment, per the
// admission-error category.
func (b *Bus) Admit(msg Message) {
	b.mu.Lock()
	conv, registered := b.conversations[msg.Conversation]
	inbox, ok := b.inboxes[msg.Conversation]
	if !ok {
		inbox = &conversationInbox{seen: newBoundedSet(b.dedupeWindow)}
		b.inboxes[msg.Conversation] = inbox
	}
	b.mu.Unlock()

	if !registered || !conv.matchesTrigger(msg.Body) {
		atomic.AddInt64(&b.admissionDrops, 1)
		return
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	if inbox.seen.seenOrAdd(msg.DeliveryID) {
		atomic.AddInt64(&b.admissionDrops, 1)
		return
	}

	inbox.buffer = append(inbox.buffer, msg)

	if inbox.timer != nil {
		inbox.timer.Stop()
	}
	inbox.timer = time.AfterFunc(b.debounceWindow, func() {
		b.flush(msg.Conversation, conv.Folder)
	})
}

// InjectScheduled publishes a single Scheduler/Heartbeat-synthesized
// message directly to its owning conversation's subject, bypassing trigger
// matching and debounce — those exist to tame noisy human input, not
// system-originated fires which are already rate-limited by the caller.
// The conversation must still be registered.
func (b *Bus) InjectScheduled(msg Message) error {
	b.mu.Lock()
	conv, registered := b.conversations[msg.Conversation]
	b.mu.Unlock()

	if !registered {
		atomic.AddInt64(&b.admissionDrops, 1)
		return fmt.Errorf("conversation %s is not registered", msg.Conversation)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	msg.Scheduled = true

	if b.fabric == nil {
		return fmt.Errorf("bus has no fabric attached")
	}
	if err := b.fabric.publishBatch(conv.Folder, []Message{msg}); err != nil {
		return fmt.Errorf("failed to publish scheduled message for %s: %w", msg.Conversation, err)
	}
	return nil
}

// flush releases the coalesced burst in received-at order and publishes it
// to the fabric for the Group Queue.
func (b *Bus) flush(conversationID, folder string) {
	b.mu.Lock()
	inbox, ok := b.inboxes[conversationID]
	b.mu.Unlock()
	if !ok {
		return
	}

	inbox.mu.Lock()
	batch := inbox.buffer
	inbox.buffer = nil
	inbox.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if b.fabric != nil {
		if err := b.fabric.publishBatch(folder, batch); err != nil {
			log.Printf("[BUS] failed to publish burst for conversation %s: %v", conversationID, err)
		}
	}
}
