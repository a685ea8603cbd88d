package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyrt/andy/internal/bus"
	"github.com/andyrt/andy/internal/channels"
	"github.com/andyrt/andy/internal/health"
	"github.com/andyrt/andy/internal/ipc"
	"github.com/andyrt/andy/internal/pool"
	"github.com/andyrt/andy/internal/queue"
)

// Dispatcher is the single owner of the turn lifecycle. One Dispatcher
// serves every registered conversation, fanning work out across the
// shared Container Pool.
type Dispatcher struct {
	bus    *bus.Bus
	fabric *bus.Fabric
	queue  *queue.Manager
	pool   *pool.Pool

	hmacSecret    []byte
	outputTimeout time.Duration
	pollInterval  time.Duration

	mu   sync.Mutex
	regs map[string]*registration

	activeMu sync.Mutex
	active   map[string]*ipc.Slot
}

// New builds a Dispatcher over the already-wired Bus, Fabric, Queue, and
// Pool. outputTimeout bounds how long a turn waits for the agent's framed
// stdout; pollInterval is the IPC watcher's poll cadence (see
// internal/ipc.DefaultPollInterval).
func New(b *bus.Bus, fabric *bus.Fabric, q *queue.Manager, p *pool.Pool, hmacSecret []byte, outputTimeout, pollInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		bus:           b,
		fabric:        fabric,
		queue:         q,
		pool:          p,
		hmacSecret:    hmacSecret,
		outputTimeout: outputTimeout,
		pollInterval:  pollInterval,
		regs:          make(map[string]*registration),
		active:        make(map[string]*ipc.Slot),
	}
}

// setActiveSlot/clearActiveSlot/activeSlot track which IPC slot, if any, is
// currently executing a turn for a conversation, so enqueueBatch can pipe a
// follow-up straight into it instead of starting a second turn.
func (d *Dispatcher) setActiveSlot(conversationID string, slot *ipc.Slot) {
	d.activeMu.Lock()
	d.active[conversationID] = slot
	d.activeMu.Unlock()
}

func (d *Dispatcher) clearActiveSlot(conversationID string) {
	d.activeMu.Lock()
	delete(d.active, conversationID)
	d.activeMu.Unlock()
}

func (d *Dispatcher) activeSlot(conversationID string) (*ipc.Slot, bool) {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	slot, ok := d.active[conversationID]
	return slot, ok
}

// RegisterConversation admits conv on the bus, subscribes its folder's
// fabric subject, and binds adapter as the channel its turns deliver to.
func (d *Dispatcher) RegisterConversation(conv bus.Conversation, adapter channels.Adapter) error {
	d.bus.RegisterConversation(conv)

	unsub, err := d.fabric.Subscribe(conv.Folder, func(batch []bus.Message) {
		d.enqueueBatch(conv.ID, batch)
	})
	if err != nil {
		d.bus.Unregister(conv.ID)
		return fmt.Errorf("failed to subscribe conversation %s: %w", conv.ID, err)
	}

	d.mu.Lock()
	d.regs[conv.ID] = &registration{conv: conv, folder: conv.Folder, adapter: adapter, unsubscribe: unsub}
	d.mu.Unlock()
	return nil
}

// UnregisterConversation reverses RegisterConversation.
func (d *Dispatcher) UnregisterConversation(conversationID string) {
	d.mu.Lock()
	reg, ok := d.regs[conversationID]
	delete(d.regs, conversationID)
	d.mu.Unlock()

	if !ok {
		return
	}
	reg.unsubscribe()
	d.bus.Unregister(conversationID)
}

func (d *Dispatcher) lookup(conversationID string) (*registration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[conversationID]
	return reg, ok
}

// enqueueBatch routes an admitted burst for conversationID. A conversation
// with a turn already running has its messages piped straight into that
// turn's IPC slot as additional input files, so the agent observes the
// follow-up mid-stream instead of a second turn being started; anything
// left (no turn in flight, or a pipe write failed) is persisted into the
// Group Queue and drained normally.
func (d *Dispatcher) enqueueBatch(conversationID string, batch []bus.Message) {
	ctx := context.Background()

	var toQueue []bus.Message
	if slot, ok := d.activeSlot(conversationID); ok {
		for _, msg := range batch {
			if err := d.writeInput(slot, conversationID, msg.Body); err != nil {
				log.Printf("[DISPATCHER] failed to pipe message into in-flight turn for %s, queuing instead: %v", conversationID, err)
				toQueue = append(toQueue, msg)
			}
		}
	} else {
		toQueue = batch
	}
	if len(toQueue) == 0 {
		return
	}

	for _, msg := range toQueue {
		if _, err := d.queue.Enqueue(ctx, conversationID, msg.Body, msg.Author, msg.DeliveryID, msg.ReceivedAt, msg.OriginTimestamp); err != nil {
			log.Printf("[DISPATCHER] failed to enqueue message for %s: %v", conversationID, err)
		}
	}
	go d.drain(conversationID)
}

// drain acquires and runs queued entries for conversationID until none are
// eligible, so a burst arriving mid-drain is picked up by the same loop
// rather than needing a fresh trigger.
func (d *Dispatcher) drain(conversationID string) {
	ctx := context.Background()
	for {
		entry, err := d.queue.Acquire(ctx, conversationID)
		if err != nil {
			log.Printf("[DISPATCHER] failed to acquire next entry for %s: %v", conversationID, err)
			return
		}
		if entry == nil {
			return
		}
		d.runEntry(ctx, conversationID, entry)
	}
}

// runEntry executes one acquired queue entry end to end and reports its
// outcome back to the Group Queue.
func (d *Dispatcher) runEntry(ctx context.Context, conversationID string, entry *queue.Entry) {
	output, err := d.execute(ctx, conversationID, entry.Body)
	if err != nil {
		if retryErr := d.queue.Retry(ctx, entry, err.Error()); retryErr != nil {
			log.Printf("[DISPATCHER] failed to record retry for entry %s: %v", entry.ID, retryErr)
		}
		return
	}

	if reg, ok := d.lookup(conversationID); ok {
		senderTag := entry.Author
		if senderTag == "" {
			senderTag = "agent"
		}
		if err := reg.adapter.Send(ctx, reg.conv.ID, output, senderTag); err != nil {
			log.Printf("[DISPATCHER] failed to deliver output for %s: %v", conversationID, err)
		}
	}

	if err := d.queue.Complete(ctx, entry); err != nil {
		log.Printf("[DISPATCHER] failed to record completion for entry %s: %v", entry.ID, err)
	}
}

// execute is the shared core: acquire a pooled instance, clear its slot of
// any prior occupant's leftovers, write the signed input, and wait for the
// framed output. The instance is always released, win or lose.
func (d *Dispatcher) execute(ctx context.Context, conversationID, prompt string) (string, error) {
	member, err := d.pool.Acquire(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to acquire pooled instance for %s: %w", conversationID, err)
	}
	defer func() {
		if err := d.pool.Release(context.Background(), member.ID); err != nil {
			log.Printf("[DISPATCHER] failed to release instance %s: %v", member.ID, err)
		}
	}()

	slot, ok := slotOf(member.Instance)
	if !ok {
		return "", fmt.Errorf("pooled instance %s has no IPC slot bound", member.ID)
	}
	if err := slot.Clear(); err != nil {
		return "", fmt.Errorf("failed to clear ipc slot for %s: %w", member.ID, err)
	}

	d.setActiveSlot(conversationID, slot)
	defer d.clearActiveSlot(conversationID)

	if err := d.writeInput(slot, conversationID, prompt); err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.outputTimeout)
	defer cancel()

	return d.awaitOutput(turnCtx, conversationID, slot, member.Instance.Stdout())
}

// writeInput signs the turn's input envelope and writes it atomically into
// the slot's input directory under a nanosecond-ordered filename, matching
// the numbered-file convention the output watcher expects in reverse.
func (d *Dispatcher) writeInput(slot *ipc.Slot, conversationID, prompt string) error {
	payload := map[string]interface{}{
		"conversation": conversationID,
		"prompt":       prompt,
		"writtenAt":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	signed, err := ipc.Sign(payload, d.hmacSecret)
	if err != nil {
		return fmt.Errorf("failed to sign input for %s: %w", conversationID, err)
	}

	data, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("failed to encode input for %s: %w", conversationID, err)
	}

	name := fmt.Sprintf("%020d.json", time.Now().UnixNano())
	if err := ipc.WriteAtomic(filepath.Join(slot.Input, name), data); err != nil {
		return fmt.Errorf("failed to write input for %s: %w", conversationID, err)
	}
	return nil
}

// awaitOutput starts the interim-message watcher (best-effort, errors only
// logged) and blocks reading raw stdout until a complete
// ---OUTPUT_START---/---OUTPUT_END--- frame appears or the turn context
// expires.
func (d *Dispatcher) awaitOutput(ctx context.Context, conversationID string, slot *ipc.Slot, stdout io.Reader) (string, error) {
	watcher := ipc.NewWatcher(slot, d.hmacSecret, d.pollInterval, func(reason string) {
		log.Printf("[DISPATCHER] ipc alert for slot %s: %s", slot.Root, reason)
	})
	events := make(chan ipc.Event, 16)
	go func() {
		if err := watcher.Run(ctx, events); err != nil && err != context.Canceled && err != context.DeadlineExceeded {
			log.Printf("[DISPATCHER] ipc watcher for %s stopped: %v", slot.Root, err)
		}
	}()
	go d.forwardInterimEvents(ctx, conversationID, events)

	return readFramedOutput(ctx, stdout)
}

// forwardInterimEvents delivers each interim progress file the agent wrote
// mid-turn through the conversation's registered adapter immediately,
// editing a single running message in place when the adapter supports it
// and falling back to a plain send otherwise.
func (d *Dispatcher) forwardInterimEvents(ctx context.Context, conversationID string, events <-chan ipc.Event) {
	reg, ok := d.lookup(conversationID)
	if !ok {
		for range events {
		}
		return
	}

	messageRef := conversationID + ":interim"
	for ev := range events {
		msg, err := ipc.ParseInterim(ev.Data)
		if err != nil {
			log.Printf("[DISPATCHER] failed to parse interim message %s for %s: %v", ev.Name, conversationID, err)
			continue
		}
		text := interimText(msg.Body)
		if text == "" {
			continue
		}

		err = reg.adapter.EditMessage(ctx, reg.conv.ID, messageRef, text)
		if err == channels.ErrEditUnsupported {
			err = reg.adapter.Send(ctx, reg.conv.ID, text, "agent")
		}
		if err != nil {
			log.Printf("[DISPATCHER] failed to forward interim message for %s: %v", conversationID, err)
		}
	}
}

// interimText pulls a display string out of an interim message's body,
// falling back to the raw JSON if it carries neither a "text" nor
// "message" field.
func interimText(body map[string]interface{}) string {
	if body == nil {
		return ""
	}
	if v, ok := body["text"].(string); ok {
		return v
	}
	if v, ok := body["message"].(string); ok {
		return v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(data)
}

// readFramedOutput accumulates stdout bytes and checks them against
// ipc.ExtractOutput after every read, so a long-lived, reused instance
// never needs to close its stdout between turns.
func readFramedOutput(ctx context.Context, stdout io.Reader) (string, error) {
	reader := bufio.NewReader(stdout)
	chunk := make([]byte, 4096)
	var buf []byte

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if output, ok := ipc.ExtractOutput(buf); ok {
				return output, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("agent stdout closed before producing framed output")
			}
			return "", fmt.Errorf("failed to read agent stdout: %w", err)
		}
	}
}

// RunTurn implements heartbeat.Runner: it enqueues, runs, and completes a
// synthesized turn through the exact same pipeline a human message takes,
// returning the agent's framed output directly instead of delivering it.
func (d *Dispatcher) RunTurn(ctx context.Context, owner, prompt string) (string, error) {
	now := time.Now().UTC()
	entry, err := d.queue.Enqueue(ctx, owner, prompt, "heartbeat", uuid.NewString(), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue turn for %s: %w", owner, err)
	}

	acquired, err := d.queue.Acquire(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to acquire turn for %s: %w", owner, err)
	}
	if acquired == nil || acquired.ID != entry.ID {
		return "", fmt.Errorf("turn for %s could not run ahead of an in-flight entry", owner)
	}

	output, runErr := d.execute(ctx, owner, acquired.Body)
	if runErr != nil {
		if retryErr := d.queue.Retry(ctx, acquired, runErr.Error()); retryErr != nil {
			log.Printf("[DISPATCHER] failed to record retry for entry %s: %v", acquired.ID, retryErr)
		}
		return "", runErr
	}

	if err := d.queue.Complete(ctx, acquired); err != nil {
		log.Printf("[DISPATCHER] failed to record completion for entry %s: %v", acquired.ID, err)
	}
	return output, nil
}

// Deliver implements heartbeat.Deliverer, routing a classified heartbeat
// result to owner's registered channel adapter.
func (d *Dispatcher) Deliver(ctx context.Context, owner, message string) error {
	reg, ok := d.lookup(owner)
	if !ok {
		return fmt.Errorf("no registered channel adapter for %s", owner)
	}
	return reg.adapter.Send(ctx, reg.conv.ID, message, "heartbeat")
}

// PoolStats exposes the pool snapshot for the health surface's Provider.
func (d *Dispatcher) PoolStats() health.PoolSnapshot {
	s := d.pool.Stats()
	return health.PoolSnapshot{
		Total: s.Total, Ready: s.Ready, InUse: s.InUse, Warming: s.Warming,
		MaxSize: s.MaxSize, ReuseCount: s.ReuseCount, ColdSpawnFallbacks: s.ColdSpawnFallbacks,
	}
}

// QueueDepths exposes the current per-conversation queue depth for every
// registered conversation, for the health surface's Provider.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.regs))
	for id := range d.regs {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	depths := make(map[string]int, len(ids))
	for _, id := range ids {
		depths[id] = d.queue.Depth(id)
	}
	return depths
}

// ChannelsConnected reports connectivity for every registered conversation's
// adapter, for the health surface's Provider.
func (d *Dispatcher) ChannelsConnected() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	connected := make(map[string]bool, len(d.regs))
	for id, reg := range d.regs {
		connected[id] = reg.adapter.IsConnected()
	}
	return connected
}

// DrainConversation backs the health.Controls manual control of the same
// name; cmd/andy composes the rest of health.Controls (job pause/resume,
// dead-letter retry) from internal/scheduler and internal/queue directly.
func (d *Dispatcher) DrainConversation(ctx context.Context, conversation string) (int, error) {
	return d.queue.Drain(ctx, conversation)
}
