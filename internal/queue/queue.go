package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/store"
)

// conversationQueue is a thread-safe bounded FIFO for one conversation,
// structurally the teacher's sorted-slice-plus-index queue narrowed to
// strict arrival order (no priority field) and a hard capacity.
type conversationQueue struct {
	mu       sync.RWMutex
	capacity int
	entries  []*Entry
	index    map[string]*Entry
	inFlight bool
}

func newConversationQueue(capacity int) *conversationQueue {
	return &conversationQueue{
		capacity: capacity,
		entries:  make([]*Entry, 0, capacity),
		index:    make(map[string]*Entry),
	}
}

// push appends e, dropping the oldest pending entry on overflow. Returns
// the dropped entry, if any, so the caller can write its dead-letter record.
func (q *conversationQueue) push(e *Entry) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, e)
	q.index[e.ID] = e

	if len(q.entries) > q.capacity {
		for i, dropped := range q.entries {
			if dropped.State == StateInFlight {
				continue
			}
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			delete(q.index, dropped.ID)
			return dropped
		}
	}
	return nil
}

// peekNextEligible returns the oldest pending/retry entry whose
// next-eligible-at has passed, without removing it, or nil if none or an
// entry is already in-flight.
func (q *conversationQueue) peekNextEligible(now time.Time) *Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.inFlight {
		return nil
	}
	for _, e := range q.entries {
		if (e.State == StatePending || e.State == StateRetry) && !e.NextEligibleAt.After(now) {
			return e
		}
	}
	return nil
}

func (q *conversationQueue) markInFlight(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = true
	if e, ok := q.index[id]; ok {
		e.State = StateInFlight
	}
}

func (q *conversationQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.index, id)
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	q.inFlight = false
}

func (q *conversationQueue) setRetry(id string, attempt int, nextEligible time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.index[id]; ok {
		e.State = StateRetry
		e.Attempt = attempt
		e.NextEligibleAt = nextEligible
	}
	q.inFlight = false
}

func (q *conversationQueue) depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Manager coordinates every conversation's queue, persisting transitions to
// the Store before acknowledging them.
type Manager struct {
	store    *store.Store
	capacity int

	mu     sync.Mutex
	queues map[string]*conversationQueue

	onDeadLetter func(conversation string)
}

// New builds a Manager. capacity is the per-conversation overflow limit
// (typical 20). onDeadLetter, if non-nil, is invoked exactly once per
// dead-letter so the caller can send the conversation's one notification.
func New(s *store.Store, capacity int, onDeadLetter func(conversation string)) *Manager {
	return &Manager{
		store:        s,
		capacity:     capacity,
		queues:       make(map[string]*conversationQueue),
		onDeadLetter: onDeadLetter,
	}
}

func (m *Manager) queueFor(conversation string) *conversationQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[conversation]
	if !ok {
		q = newConversationQueue(m.capacity)
		m.queues[conversation] = q
	}
	return q
}

// Enqueue admits a new burst arrival into the conversation's queue,
// persisting it before returning. On overflow, the oldest pending entry is
// dropped and dead-lettered with an overflow warning.
func (m *Manager) Enqueue(ctx context.Context, conversation, body, author, deliveryID string, receivedAt, originTS time.Time) (*Entry, error) {
	now := time.Now().UTC()
	e := &Entry{
		ID:             uuid.NewString(),
		Conversation:   conversation,
		DeliveryID:     deliveryID,
		Body:           body,
		Author:         author,
		ReceivedAt:     receivedAt,
		OriginTS:       originTS,
		FirstSeenAt:    now,
		NextEligibleAt: now,
		State:          StatePending,
	}

	if err := m.store.InsertQueueEntry(ctx, &store.QueueEntryRow{
		ID: e.ID, Conversation: e.Conversation, DeliveryID: e.DeliveryID, Body: e.Body,
		Author: e.Author, ReceivedAt: e.ReceivedAt, OriginTS: e.OriginTS,
		FirstSeenAt: e.FirstSeenAt, NextEligibleAt: e.NextEligibleAt, State: string(e.State),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist queue entry for %s: %w", conversation, err)
	}

	q := m.queueFor(conversation)
	if dropped := q.push(e); dropped != nil {
		m.deadLetter(ctx, dropped, "dropped: per-conversation queue overflow")
	}

	return e, nil
}

// Acquire returns the next eligible entry for conversation, transitioning
// it to in-flight and persisting that transition, or nil if none is ready.
func (m *Manager) Acquire(ctx context.Context, conversation string) (*Entry, error) {
	q := m.queueFor(conversation)
	e := q.peekNextEligible(time.Now().UTC())
	if e == nil {
		return nil, nil
	}

	if err := m.store.UpdateQueueEntryState(ctx, e.ID, string(StateInFlight), e.Attempt, e.NextEligibleAt); err != nil {
		return nil, fmt.Errorf("failed to persist in-flight transition for %s: %w", e.ID, err)
	}
	q.markInFlight(e.ID)
	return e, nil
}

// Complete transitions an in-flight entry to done and removes it.
func (m *Manager) Complete(ctx context.Context, e *Entry) error {
	if err := m.store.UpdateQueueEntryState(ctx, e.ID, string(StateDone), e.Attempt, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to persist completion for %s: %w", e.ID, err)
	}
	m.queueFor(e.Conversation).remove(e.ID)
	return nil
}

// Retry transitions an in-flight entry back to retry with exponential
// backoff, or to dead-letter if the attempt cap is reached.
func (m *Manager) Retry(ctx context.Context, e *Entry, cause string) error {
	attempt := e.Attempt + 1
	if attempt >= maxAttempts {
		return m.deadLetterWithCause(ctx, e, cause)
	}

	nextEligible := time.Now().UTC().Add(backoffDelay(attempt))
	if err := m.store.UpdateQueueEntryState(ctx, e.ID, string(StateRetry), attempt, nextEligible); err != nil {
		return fmt.Errorf("failed to persist retry transition for %s: %w", e.ID, err)
	}
	m.queueFor(e.Conversation).setRetry(e.ID, attempt, nextEligible)
	return nil
}

func (m *Manager) deadLetterWithCause(ctx context.Context, e *Entry, cause string) error {
	if err := m.deadLetter(ctx, e, cause); err != nil {
		return err
	}
	q := m.queueFor(e.Conversation)
	q.remove(e.ID)
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, e *Entry, cause string) error {
	snapshot, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to snapshot queue entry %s: %w", e.ID, err)
	}

	if err := m.store.InsertDeadLetter(ctx, &store.DeadLetterRow{
		ID:           uuid.NewString(),
		DeliveryID:   e.DeliveryID,
		Conversation: e.Conversation,
		EntrySnapshot: string(snapshot),
		FinalError:   cause,
	}, e.ID); err != nil {
		return fmt.Errorf("failed to write dead letter for %s: %w", e.ID, err)
	}

	log.Printf("[QUEUE] entry %s for conversation %s dead-lettered: %s", e.ID, e.Conversation, cause)
	if m.onDeadLetter != nil {
		m.onDeadLetter(e.Conversation)
	}
	return nil
}

// Depth returns the current in-memory queue length for a conversation, for
// the health surface.
func (m *Manager) Depth(conversation string) int {
	return m.queueFor(conversation).depth()
}

// Drain forcibly empties a conversation's queue (admin manual control),
// dead-lettering every outstanding entry with an explicit operator cause.
func (m *Manager) Drain(ctx context.Context, conversation string) (int, error) {
	q := m.queueFor(conversation)

	q.mu.Lock()
	pending := append([]*Entry(nil), q.entries...)
	q.mu.Unlock()

	drained := 0
	for _, e := range pending {
		if err := m.deadLetterWithCause(ctx, e, "drained by operator"); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}
